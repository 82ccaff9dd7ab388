package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mohammad-safakhou/deepsearch/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*OpenAIProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	p, err := NewOpenAIProvider(config.LLMConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Model:      "gpt-4o-mini",
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	return p, srv
}

func TestChatWithToolsParsesToolCalls(t *testing.T) {
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if tools, ok := req["tools"].([]interface{}); !ok || len(tools) != 1 {
			t.Errorf("expected 1 tool in request, got %v", req["tools"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices":[{"finish_reason":"tool_calls","message":{"content":"","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"analyzeQuery","arguments":"{\"query\":\"hello\"}"}}
			]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":4}
		}`))
	})
	defer srv.Close()

	res, err := p.ChatWithTools(context.Background(), []Message{{Role: "user", Content: "hello"}}, []ToolSpec{
		{Name: "analyzeQuery", Parameters: json.RawMessage(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "analyzeQuery" {
		t.Fatalf("unexpected tool calls: %+v", res.ToolCalls)
	}
	if res.FinishReason != "tool_calls" {
		t.Fatalf("unexpected finish reason %q", res.FinishReason)
	}
	if res.PromptTokens != 12 {
		t.Fatalf("unexpected prompt tokens %d", res.PromptTokens)
	}
}

func TestGenerateObjectUnwrapsFencedJSON(t *testing.T) {
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"content":"` +
			"```json\\n{\\\"needsDeepSearch\\\":true,\\\"searchQueries\\\":[\\\"a\\\",\\\"b\\\"]}\\n```" +
			`"}}]}`))
	})
	defer srv.Close()

	var out struct {
		NeedsDeepSearch bool     `json:"needsDeepSearch"`
		SearchQueries   []string `json:"searchQueries"`
	}
	err := p.GenerateObject(context.Background(), "sys", "classify", "analysis", json.RawMessage(`{"type":"object"}`), &out)
	if err != nil {
		t.Fatalf("GenerateObject: %v", err)
	}
	if !out.NeedsDeepSearch || len(out.SearchQueries) != 2 {
		t.Fatalf("unexpected object: %+v", out)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	var calls int32
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"content":"ok"}}]}`))
	})
	defer srv.Close()

	got, err := p.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "ok" {
		t.Fatalf("unexpected content %q", got)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad schema"}`))
	})
	defer srv.Close()

	if _, err := p.Generate(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{`leading prose {"a":{"b":"}"}} trailing`, `{"a":{"b":"}"}}`, true},
		{`[1,2,3] extra`, `[1,2,3]`, true},
		{"\uFEFF" + `{"a":1}`, `{"a":1}`, true},
		{`no json here`, ``, false},
	}
	for _, tc := range cases {
		got, err := ExtractJSON(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ExtractJSON(%q): %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ExtractJSON(%q): expected error", tc.in)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
