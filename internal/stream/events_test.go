package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventID: "e1", EventType: EventProgress, Data: json.RawMessage(`{"progress":15}`)}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("expected OccurredAt to be backfilled")
	}

	bad := Envelope{EventID: "e1", EventType: EventProgress}
	if err := bad.ValidateBasic(); err == nil {
		t.Fatal("expected error for missing data")
	}
	bad = Envelope{EventID: "e1", Data: json.RawMessage(`{}`)}
	if err := bad.ValidateBasic(); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventSource, SourceEvent{
		MessageID: "m1", SourceID: "s1", Name: "Example", URL: "https://example.com",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.EventID = "e1"

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	payload, err := back.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	src, ok := payload.(*SourceEvent)
	if !ok {
		t.Fatalf("expected *SourceEvent, got %T", payload)
	}
	if src.URL != "https://example.com" || src.MessageID != "m1" {
		t.Fatalf("unexpected payload: %+v", src)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	env := Envelope{EventID: "e1", EventType: "telemetry", OccurredAt: time.Now(), Data: json.RawMessage(`{}`)}
	if _, err := env.Decode(); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestIsTerminal(t *testing.T) {
	done := Envelope{EventType: EventDone}
	if !done.IsTerminal() {
		t.Fatal("done should be terminal")
	}
	for _, typ := range []string{EventProgress, EventReasoning, EventSource, EventReport, EventText, EventError} {
		if (&Envelope{EventType: typ}).IsTerminal() {
			t.Fatalf("%s should not be terminal", typ)
		}
	}
}
