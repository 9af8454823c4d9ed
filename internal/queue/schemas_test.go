package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRunEnqueuedSchema(t *testing.T) {
	registry := NewSchemaRegistry()
	if err := RegisterBaseSchemas(registry); err != nil {
		t.Fatalf("RegisterBaseSchemas: %v", err)
	}

	good, _ := json.Marshal(RunEnqueued{RunID: "4f2c1a"})
	if err := registry.Validate(EventTypeRunEnqueued, PayloadVersionV1, good); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := []byte(`{"run_id": ""}`)
	if err := registry.Validate(EventTypeRunEnqueued, PayloadVersionV1, bad); err == nil {
		t.Fatal("empty run_id must be rejected")
	}

	extra := []byte(`{"run_id": "x", "surprise": true}`)
	if err := registry.Validate(EventTypeRunEnqueued, PayloadVersionV1, extra); err == nil {
		t.Fatal("unknown fields must be rejected")
	}

	if err := registry.Validate("run.finished", PayloadVersionV1, good); err == nil {
		t.Fatal("unregistered event type must be rejected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:        "ev-1",
		EventType:      EventTypeRunEnqueued,
		OccurredAt:     time.Now().UTC(),
		Attempt:        1,
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{"run_id": "abc"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.EventID != env.EventID || decoded.EventType != env.EventType {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}

	if _, err := (&Envelope{EventType: EventTypeRunEnqueued}).Marshal(); err == nil {
		t.Fatal("envelope without event_id and data must not marshal")
	}
}
