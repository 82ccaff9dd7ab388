package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
)

func TestNewWebSearcherProviderSelection(t *testing.T) {
	if _, err := NewWebSearcher(config.SearchConfig{Provider: "serper"}); err != nil {
		t.Fatalf("serper: %v", err)
	}
	if _, err := NewWebSearcher(config.SearchConfig{Provider: "brave"}); err != nil {
		t.Fatalf("brave: %v", err)
	}
	if _, err := NewWebSearcher(config.SearchConfig{Provider: "bing"}); err != ErrUnsupportedProvider {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestSerperDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "key" {
			t.Errorf("X-API-KEY = %q", got)
		}
		w.Write([]byte(`{"organic":[
			{"title":"First","link":"https://a.example","snippet":"one","date":"2026-01-02"},
			{"title":"Second","link":"https://b.example","snippet":"two"},
			{"title":"Third","link":"https://c.example","snippet":"three"}
		]}`))
	}))
	defer srv.Close()

	s := &Serper{APIKey: "key", Client: NewHTTPClient(time.Second, 0, 0), Endpoint: srv.URL}
	res, err := s.Discover(context.Background(), "query", 2)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].URL != "https://a.example" || res[0].PublishedAt != "2026-01-02" {
		t.Fatalf("unexpected first result: %+v", res[0])
	}
}

func TestBraveDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key" {
			t.Errorf("X-Subscription-Token = %q", got)
		}
		if q := r.URL.Query().Get("q"); q != "go streams" {
			t.Errorf("q = %q", q)
		}
		w.Write([]byte(`{"web":{"results":[
			{"title":"Hit","url":"https://a.example","description":"desc","profile":{"img":"https://a.example/favicon.ico"}}
		]}}`))
	}))
	defer srv.Close()

	s := &Brave{APIKey: "key", Client: NewHTTPClient(time.Second, 0, 0), Endpoint: srv.URL}
	res, err := s.Discover(context.Background(), "go streams", 5)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res) != 1 || res[0].Favicon != "https://a.example/favicon.ico" {
		t.Fatalf("unexpected results: %+v", res)
	}
}

func TestDoJSONRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, 1, time.Millisecond)
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, &out); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if !out.OK || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("ok=%v calls=%d", out.OK, calls)
	}
}

func TestDoJSONRetriesRereadBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 32)
		n, _ := r.Body.Read(body)
		if n == 0 {
			t.Error("empty request body on retry")
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second, 1, time.Millisecond)
	var out map[string]any
	if err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, nil, map[string]string{"q": "x"}, &out); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
}

func TestEnricherExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Article</title></head><body>
			<article><h1>Article</h1><p>` + longParagraph() + `</p></article>
		</body></html>`))
	}))
	defer srv.Close()

	e := NewEnricher(time.Second)
	text, err := e.Excerpt(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Excerpt: %v", err)
	}
	if text == "" {
		t.Fatal("expected non-empty excerpt")
	}
	if len(text) > enrichMaxChars {
		t.Fatalf("excerpt length %d exceeds cap", len(text))
	}
}

func TestEnricherSkipsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	e := NewEnricher(time.Second)
	text, err := e.Excerpt(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Excerpt: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty excerpt for non-HTML, got %q", text)
	}
}

func longParagraph() string {
	s := "Streams in distributed systems carry ordered, replayable event logs. "
	out := ""
	for i := 0; i < 80; i++ {
		out += s
	}
	return out
}
