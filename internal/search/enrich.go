package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const enrichMaxChars = 4000

var reSpaces = regexp.MustCompile(`\s+`)

// Enricher fetches a result page and extracts readable content so the
// model synthesizes from article text instead of search snippets.
type Enricher struct {
	client   *http.Client
	maxChars int
}

func NewEnricher(timeout time.Duration) *Enricher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Enricher{client: &http.Client{Timeout: timeout}, maxChars: enrichMaxChars}
}

// Excerpt returns the cleaned main text of the page at link, truncated
// to a model-friendly length. Non-HTML and unreadable pages yield an
// empty excerpt without error.
func (e *Enricher) Excerpt(ctx context.Context, link string) (string, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "deepsearch/1.0 (+https://github.com/mohammad-safakhou/deepsearch)")
	req.Header.Set("Accept", "text/html")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", link, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return "", nil
	}
	text := strings.TrimSpace(reSpaces.ReplaceAllString(article.TextContent, " "))
	if len(text) > e.maxChars {
		text = text[:e.maxChars]
	}
	return text, nil
}
