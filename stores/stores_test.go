package stores

import (
	"context"
	"testing"

	"github.com/ashureev/tailclient/sessionlog"
	"github.com/ashureev/tailclient/wire"
)

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()

	if got, err := s.Load(ctx, "sess-1"); err != nil || got != nil {
		t.Fatalf("expected nil, nil for unseen id, got %+v, %v", got, err)
	}

	state := sessionlog.PersistedState{
		Cursor: 2,
		Events: []wire.Event{{Seq: 1, Type: "msg", Actor: "agent:a", Payload: []byte(`{}`)}},
	}
	if err := s.Save(ctx, "sess-1", state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cursor != 2 || len(got.Events) != 1 {
		t.Fatalf("unexpected loaded state: %+v", got)
	}

	// Mutating the returned copy must not affect the store's internal state.
	got.Events[0].Type = "mutated"
	got2, _ := s.Load(ctx, "sess-1")
	if got2.Events[0].Type != "msg" {
		t.Fatalf("store state was mutated through the returned copy")
	}

	if err := s.Clear(ctx, "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.Load(ctx, "sess-1"); got != nil {
		t.Fatalf("expected nil after clear, got %+v", got)
	}
}

func TestMemoryCursorStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCursorStore()

	if got, err := s.Load(ctx, "sess-1"); err != nil || got != nil {
		t.Fatalf("expected nil, nil for unseen id, got %v, %v", got, err)
	}

	if err := s.Save(ctx, "sess-1", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || *got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}
