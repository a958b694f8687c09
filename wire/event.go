// Package wire decodes raw tail-frame payloads into ordered session events
// and validates them against the event schema.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event is an immutable record produced by the server. Fields beyond Seq
// and Actor are opaque to the tail subsystem.
type Event struct {
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Actor          string          `json:"actor"`
	Source         string          `json:"source,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Refs           []string        `json:"refs,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	InsertedAt     string          `json:"inserted_at,omitempty"`
	ProducerID     string          `json:"producer_id,omitempty"`
	ProducerSeq    int64           `json:"producer_seq,omitempty"`
}

// Validate checks the event against the required schema fields described in
// spec §4.1: seq non-negative, type non-empty, payload an object, actor
// non-empty.
func (e *Event) Validate() error {
	if e.Seq < 0 {
		return fmt.Errorf("event schema: seq must be non-negative, got %d", e.Seq)
	}
	if e.Type == "" {
		return fmt.Errorf("event schema: type must be non-empty")
	}
	if e.Actor == "" {
		return fmt.Errorf("event schema: actor must be non-empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("event schema: payload is required")
	}
	trimmed := firstNonSpace(e.Payload)
	if trimmed != '{' {
		return fmt.Errorf("event schema: payload must be a JSON object")
	}
	return nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}
