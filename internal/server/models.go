package server

import "time"

// HTTPError is the unified error body produced by the error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// DeepSearchRequest starts one research turn.
type DeepSearchRequest struct {
	Model     string `json:"model"`
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type SessionResponse struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	ActiveStreamID string            `json:"activeStreamId,omitempty"`
	CanceledAt     *time.Time        `json:"canceledAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Messages       []MessageResponse `json:"messages,omitempty"`
}

type MessageResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Progress   int              `json:"progress"`
	Completed  bool             `json:"completed"`
	DeepSearch bool             `json:"deepSearch"`
	CreatedAt  time.Time        `json:"createdAt"`
	Steps      []StepResponse   `json:"steps,omitempty"`
	Sources    []SourceResponse `json:"sources,omitempty"`
}

type StepResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Reasoning string    `json:"reasoning"`
	Executed  bool      `json:"executed"`
	CreatedAt time.Time `json:"createdAt"`
}

type SourceResponse struct {
	ID          string     `json:"id"`
	StepID      string     `json:"stepId,omitempty"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Favicon     string     `json:"favicon,omitempty"`
	Content     string     `json:"content,omitempty"`
	Images      []string   `json:"images,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

type HistorySearchResponse struct {
	Hits []HistoryHit `json:"hits"`
}

type HistoryHit struct {
	MessageID string  `json:"messageId"`
	SessionID string  `json:"sessionId"`
	Prompt    string  `json:"prompt"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}
