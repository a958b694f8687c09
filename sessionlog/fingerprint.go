package sessionlog

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/tailclient/wire"
)

// fingerprint returns a deterministic, sorted-key canonical serialization of
// an event. Two events that differ only in key order or whitespace produce
// identical fingerprints; two events that differ in any field value do not.
//
// Changing this canonicalization is a cache-breaking change across process
// restarts: any store-persisted fingerprint assumptions rely on it staying
// stable.
func fingerprint(e wire.Event) (string, error) {
	canonical := struct {
		Seq            int64           `json:"seq"`
		Type           string          `json:"type"`
		Payload        json.RawMessage `json:"payload"`
		Actor          string          `json:"actor"`
		Source         string          `json:"source"`
		Metadata       json.RawMessage `json:"metadata"`
		Refs           []string        `json:"refs"`
		IdempotencyKey string          `json:"idempotency_key"`
		InsertedAt     string          `json:"inserted_at"`
		ProducerID     string          `json:"producer_id"`
		ProducerSeq    int64           `json:"producer_seq"`
	}{
		Seq:            e.Seq,
		Type:           e.Type,
		Actor:          e.Actor,
		Source:         e.Source,
		Refs:           e.Refs,
		IdempotencyKey: e.IdempotencyKey,
		InsertedAt:     e.InsertedAt,
		ProducerID:     e.ProducerID,
		ProducerSeq:    e.ProducerSeq,
	}

	var err error
	canonical.Payload, err = canonicalizeJSON(e.Payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: payload: %w", err)
	}
	canonical.Metadata, err = canonicalizeJSON(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("fingerprint: metadata: %w", err)
	}

	out, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}
	return string(out), nil
}

// canonicalizeJSON re-serializes raw JSON with object keys in sorted order,
// relying on encoding/json's stable alphabetical ordering for map keys.
func canonicalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return out, nil
}
