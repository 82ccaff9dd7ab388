package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types published to a turn stream. Clients switch on the type to
// render progress bars, reasoning traces, source cards and report text.
const (
	EventProgress  = "progress"
	EventReasoning = "reasoning"
	EventSource    = "source"
	EventReport    = "report"
	EventText      = "text"
	EventError     = "error"
	EventDone      = "done"
)

// Envelope is the canonical wrapper persisted to the Redis stream.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates
// required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// ProgressEvent reports turn completion as a percentage. Emission order
// is monotonic; a consumer never sees the bar move backwards.
type ProgressEvent struct {
	MessageID  string `json:"message_id"`
	Progress   int    `json:"progress"`
	Text       string `json:"text,omitempty"`
	State      string `json:"state,omitempty"` // "done" on the final tick
	DeepSearch bool   `json:"deep_search"`
}

// ResultRef is a compact pointer to a discovered page, embedded in
// reasoning events so the client can render found-source chips.
type ResultRef struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Favicon string `json:"favicon,omitempty"`
}

// ReasoningEvent carries a model reasoning snippet tied to a ledger step.
type ReasoningEvent struct {
	MessageID string      `json:"message_id"`
	StepID    string      `json:"step_id,omitempty"`
	StepType  string      `json:"step_type,omitempty"`
	Reasoning string      `json:"reasoning"`
	Results   []ResultRef `json:"results,omitempty"`
}

// SourceEvent announces a newly registered source.
type SourceEvent struct {
	MessageID   string   `json:"message_id"`
	SourceID    string   `json:"source_id"`
	StepID      string   `json:"step_id,omitempty"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Favicon     string   `json:"favicon,omitempty"`
	Content     string   `json:"content,omitempty"`
	Images      []string `json:"images,omitempty"`
	PublishedAt string   `json:"published_at,omitempty"`
}

// ReportEvent carries the final report body.
type ReportEvent struct {
	MessageID string `json:"message_id"`
	Report    string `json:"report"`
}

// TextEvent carries a direct-answer text chunk for turns that skip
// deep search.
type TextEvent struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// ErrorEvent reports a failed turn. Message is safe to show to users.
type ErrorEvent struct {
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

// DoneEvent is the terminal marker. Canceled distinguishes user aborts
// from natural completion.
type DoneEvent struct {
	MessageID string `json:"message_id"`
	Canceled  bool   `json:"canceled,omitempty"`
}

// NewEnvelope wraps a typed payload. The event ID is assigned by the
// publisher if left empty.
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{EventType: eventType, OccurredAt: time.Now().UTC(), Data: data}, nil
}

// Decode returns the typed payload for the envelope's event type.
func (e *Envelope) Decode() (interface{}, error) {
	switch e.EventType {
	case EventProgress:
		var p ProgressEvent
		return &p, json.Unmarshal(e.Data, &p)
	case EventReasoning:
		var p ReasoningEvent
		return &p, json.Unmarshal(e.Data, &p)
	case EventSource:
		var p SourceEvent
		return &p, json.Unmarshal(e.Data, &p)
	case EventReport:
		var p ReportEvent
		return &p, json.Unmarshal(e.Data, &p)
	case EventText:
		var p TextEvent
		return &p, json.Unmarshal(e.Data, &p)
	case EventError:
		var p ErrorEvent
		return &p, json.Unmarshal(e.Data, &p)
	case EventDone:
		var p DoneEvent
		return &p, json.Unmarshal(e.Data, &p)
	default:
		return nil, fmt.Errorf("unknown event type %q", e.EventType)
	}
}

// IsTerminal reports whether the envelope closes the stream.
func (e *Envelope) IsTerminal() bool {
	return e.EventType == EventDone
}
