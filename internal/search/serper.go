package search

import (
	"context"
	"net/http"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries the serper.dev Google search API.
type Serper struct {
	APIKey   string
	Client   *HTTPClient
	Endpoint string // defaults to serperEndpoint
}

func (s *Serper) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = serperEndpoint
	}
	payload := map[string]any{"q": q, "num": k}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.APIKey}
	if err := s.Client.DoJSON(ctx, http.MethodPost, endpoint, headers, payload, &raw); err != nil {
		return nil, err
	}

	var out []Result
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet, PublishedAt: r.Date})
	}
	return out, nil
}
