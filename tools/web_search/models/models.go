package models

// Result is one web search hit as returned by a search vendor.
type Result struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Published string `json:"published,omitempty"`
}

// Query carries the vendor-independent search parameters.
type Query struct {
	Text        string
	Limit       int
	Sites       []string
	RecencyDays int
}
