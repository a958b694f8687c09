package wire

import "testing"

func TestEventValidate(t *testing.T) {
	cases := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid", Event{Seq: 1, Type: "message", Actor: "agent:a", Payload: []byte(`{"text":"hi"}`)}, false},
		{"negative seq", Event{Seq: -1, Type: "message", Actor: "agent:a", Payload: []byte(`{}`)}, true},
		{"empty type", Event{Seq: 1, Type: "", Actor: "agent:a", Payload: []byte(`{}`)}, true},
		{"empty actor", Event{Seq: 1, Type: "message", Actor: "", Payload: []byte(`{}`)}, true},
		{"missing payload", Event{Seq: 1, Type: "message", Actor: "agent:a"}, true},
		{"non-object payload", Event{Seq: 1, Type: "message", Actor: "agent:a", Payload: []byte(`"hi"`)}, true},
		{"payload with leading whitespace", Event{Seq: 1, Type: "message", Actor: "agent:a", Payload: []byte("  \n\t{}")}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.event.Validate()
			if c.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
