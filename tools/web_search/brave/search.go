package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepbrief/tools/web_search/models"
)

// Search queries the Brave web search API.
// https://api.search.brave.com/app/documentation/web-search
type Search struct {
	APIKey string
}

var client = &http.Client{Timeout: 20 * time.Second}

func (s Search) Discover(ctx context.Context, q models.Query) ([]models.Result, error) {
	text := q.Text
	if len(q.Sites) > 0 {
		var parts []string
		for _, site := range q.Sites {
			parts = append(parts, "site:"+site)
		}
		text = text + " " + strings.Join(parts, " OR ")
	}

	params := url.Values{}
	params.Set("q", text)
	params.Set("count", fmt.Sprintf("%d", q.Limit))
	if fresh := freshness(q.RecencyDays); fresh != "" {
		params.Set("freshness", fresh)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.search.brave.com/res/v1/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave: status %d", resp.StatusCode)
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
				Age     string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.Result
	for i, r := range raw.Web.Results {
		if q.Limit > 0 && i >= q.Limit {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet, Published: r.Age})
	}
	return out, nil
}

func freshness(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "pd"
	case days <= 7:
		return "pw"
	case days <= 31:
		return "pm"
	default:
		return "py"
	}
}
