package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepbrief/tools/web_search/models"
)

// Search queries the Serper Google-search API.
// https://serper.dev/ docs
type Search struct {
	APIKey string
}

var client = &http.Client{Timeout: 20 * time.Second}

func (s Search) Discover(ctx context.Context, q models.Query) ([]models.Result, error) {
	payload := map[string]interface{}{"q": q.Text, "num": q.Limit}
	if len(q.Sites) > 0 {
		var parts []string
		for _, site := range q.Sites {
			parts = append(parts, "site:"+site)
		}
		payload["q"] = q.Text + " " + strings.Join(parts, " OR ")
	}
	if tbs := recencyTBS(q.RecencyDays); tbs != "" {
		payload["tbs"] = tbs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper: status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.Result
	for i, r := range raw.Organic {
		if q.Limit > 0 && i >= q.Limit {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Published: r.Date})
	}
	return out, nil
}

func recencyTBS(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "qdr:d"
	case days <= 7:
		return "qdr:w"
	case days <= 31:
		return "qdr:m"
	default:
		return "qdr:y"
	}
}
