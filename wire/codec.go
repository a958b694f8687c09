package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DecodeFrame parses one websocket message payload into an ordered,
// non-empty slice of validated events. raw may be a UTF-8 text payload or a
// binary payload containing UTF-8 JSON; the caller indicates which via
// binary.
//
// A frame is either a single JSON event object or a non-empty JSON array of
// event objects. Any decode or schema failure returns an error naming the
// first problem found, per spec §4.1.
func DecodeFrame(raw []byte, binary bool) ([]Event, error) {
	if binary && !utf8.Valid(raw) {
		return nil, fmt.Errorf("frame codec: binary payload is not valid UTF-8")
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("frame codec: empty frame")
	}

	var events []Event
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("frame codec: invalid JSON array: %w", err)
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("frame codec: frame array must be non-empty")
		}
	case '{':
		var single Event
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("frame codec: invalid JSON object: %w", err)
		}
		events = []Event{single}
	default:
		return nil, fmt.Errorf("frame codec: frame is not a JSON object or array")
	}

	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("frame codec: event %d: %w", i, err)
		}
	}
	return events, nil
}
