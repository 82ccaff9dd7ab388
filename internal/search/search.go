package search

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// Result is a single web search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	Favicon     string `json:"favicon,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// WebSearcher runs a query against a search provider.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// NewWebSearcher builds the provider named in cfg.Provider.
func NewWebSearcher(cfg config.SearchConfig) (WebSearcher, error) {
	client := NewHTTPClient(cfg.Timeout, cfg.MaxRetries, 0)
	switch Provider(cfg.Provider) {
	case SerperProvider:
		return &Serper{APIKey: cfg.SerperAPIKey, Client: client}, nil
	case BraveProvider:
		return &Brave{APIKey: cfg.BraveAPIKey, Client: client}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
