package wire

import (
	"strings"
	"testing"
)

func TestDecodeFrameSingleObject(t *testing.T) {
	events, err := DecodeFrame([]byte(`{"seq":1,"type":"msg","actor":"agent:a","payload":{"x":1}}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDecodeFrameArray(t *testing.T) {
	raw := `[{"seq":1,"type":"msg","actor":"agent:a","payload":{}},{"seq":2,"type":"msg","actor":"agent:a","payload":{}}]`
	events, err := DecodeFrame([]byte(raw), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDecodeFrameRejectsEmptyArray(t *testing.T) {
	if _, err := DecodeFrame([]byte(`[]`), false); err == nil {
		t.Fatal("expected error for empty array")
	}
}

func TestDecodeFrameRejectsEmptyFrame(t *testing.T) {
	if _, err := DecodeFrame([]byte("   "), false); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestDecodeFrameRejectsNonJSON(t *testing.T) {
	if _, err := DecodeFrame([]byte("not json"), false); err == nil {
		t.Fatal("expected error for non-JSON frame")
	}
}

func TestDecodeFrameRejectsInvalidUTF8Binary(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 0xfd}
	if _, err := DecodeFrame(invalid, true); err == nil {
		t.Fatal("expected error for invalid UTF-8 binary payload")
	}
}

func TestDecodeFrameSchemaErrorNamesFirstIssue(t *testing.T) {
	raw := `[{"seq":1,"type":"msg","actor":"agent:a","payload":{}},{"seq":-1,"type":"msg","actor":"agent:a","payload":{}}]`
	_, err := DecodeFrame([]byte(raw), false)
	if err == nil {
		t.Fatal("expected schema error")
	}
	if !strings.Contains(err.Error(), "event 1") || !strings.Contains(err.Error(), "seq must be non-negative") {
		t.Fatalf("expected error naming event 1's seq issue, got %v", err)
	}
}
