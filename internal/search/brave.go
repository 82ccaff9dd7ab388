package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave web search API.
// https://api.search.brave.com/app/documentation/web-search
type Brave struct {
	APIKey   string
	Client   *HTTPClient
	Endpoint string // defaults to braveEndpoint
}

func (s *Brave) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	u := fmt.Sprintf("%s?q=%s&count=%d", endpoint, url.QueryEscape(q), k)

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
				Age     string `json:"age"`
				Profile struct {
					Img string `json:"img"`
				} `json:"profile"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": s.APIKey,
	}
	if err := s.Client.DoJSON(ctx, http.MethodGet, u, headers, nil, &raw); err != nil {
		return nil, err
	}

	var out []Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, Result{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Snippet,
			Favicon:     r.Profile.Img,
			PublishedAt: r.Age,
		})
	}
	return out, nil
}
