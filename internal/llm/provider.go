// Package llm wraps the OpenAI chat completions API with the three
// call shapes the agent needs: tool-calling chat rounds, structured
// object generation against a JSON schema, and free-text generation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// Message is one chat completion message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is the model's request to invoke a declared tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec declares a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema for the arguments
}

// ChatResult is the outcome of one tool-calling round.
type ChatResult struct {
	Content          string
	ToolCalls        []ToolCall
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

// Provider is the LLM capability consumed by the orchestrator and tools.
type Provider interface {
	// ChatWithTools runs one completion round with the tool set bound.
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResult, error)
	// GenerateObject produces a structured object matching the schema
	// and decodes it into out.
	GenerateObject(ctx context.Context, system, prompt, schemaName string, schema json.RawMessage, out interface{}) error
	// Generate produces free text for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// OpenAIProvider implements Provider against the chat completions API.
type OpenAIProvider struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewOpenAIProvider creates a provider from configuration. The API key
// falls back to OPENAI_API_KEY.
func NewOpenAIProvider(cfg config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{cfg: cfg, client: &http.Client{Timeout: timeout}}, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []wireTool      `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type responseFormat struct {
	Type       string `json:"type"`
	JSONSchema *struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
		Strict bool            `json:"strict"`
	} `json:"json_schema,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatWithTools implements Provider.
func (p *OpenAIProvider) ChatWithTools(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResult, error) {
	req := chatRequest{
		Model:       p.cfg.Model,
		Messages:    toWire(messages),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, wt)
	}

	var resp chatResponse
	if err := p.do(ctx, req, &resp); err != nil {
		return ChatResult{}, err
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("no choices in completion response")
	}
	choice := resp.Choices[0]
	out := ChatResult{
		Content:          choice.Message.Content,
		FinishReason:     choice.FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

// GenerateObject implements Provider. Models occasionally wrap JSON in
// code fences despite the response format, so the raw content goes
// through ExtractJSON before decoding.
func (p *OpenAIProvider) GenerateObject(ctx context.Context, system, prompt, schemaName string, schema json.RawMessage, out interface{}) error {
	rf := &responseFormat{Type: "json_schema"}
	rf.JSONSchema = &struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
		Strict bool            `json:"strict"`
	}{Name: schemaName, Schema: schema, Strict: true}

	msgs := []Message{}
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	req := chatRequest{
		Model:          p.cfg.Model,
		Messages:       toWire(msgs),
		Temperature:    p.cfg.Temperature,
		MaxTokens:      p.cfg.MaxTokens,
		ResponseFormat: rf,
	}
	var resp chatResponse
	if err := p.do(ctx, req, &resp); err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("no choices in completion response")
	}
	raw, err := ExtractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return fmt.Errorf("structured output: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model:       p.cfg.Model,
		Messages:    toWire([]Message{{Role: "user", Content: prompt}}),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	var resp chatResponse
	if err := p.do(ctx, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// do posts the request with bounded retry on transient failures.
// 4xx responses other than 429 are not retried.
func (p *OpenAIProvider) do(ctx context.Context, reqBody chatRequest, out *chatResponse) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tries := p.cfg.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			status := resp.StatusCode
			if status == http.StatusOK {
				err := json.NewDecoder(resp.Body).Decode(out)
				resp.Body.Close()
				if err == nil {
					return nil
				}
				lastErr = err
			} else {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
				lastErr = fmt.Errorf("OpenAI status %d: %s", status, string(b))
				if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
					return lastErr // not retryable
				}
			}
		}
		if attempt < tries-1 {
			select {
			case <-time.After(backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func toWire(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wt wireToolCall
			wt.ID = tc.ID
			wt.Type = "function"
			wt.Function.Name = tc.Name
			wt.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wt)
		}
		out = append(out, wm)
	}
	return out
}
