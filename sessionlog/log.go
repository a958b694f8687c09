// Package sessionlog maintains the canonical in-memory replica of a
// session's event sequence: contiguous-seq apply, idempotent dedup,
// conflict detection, bounded retention, and replay-on-subscribe
// subscriptions.
package sessionlog

import (
	"fmt"
	"sync"

	"github.com/ashureev/tailclient/wire"
)

// GapError is raised when an applied event's seq is not appliedSeq+1 and
// is not a recognized duplicate.
type GapError struct {
	Expected int64
	Got      int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("session log: gap detected: expected seq %d, got %d", e.Expected, e.Got)
}

// ConflictError is raised when a duplicate seq within retained history
// carries a different fingerprint than the one already applied.
type ConflictError struct {
	Seq int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session log: conflict at seq %d: differing event with already-applied seq", e.Seq)
}

// Snapshot is a defensive-copy view of the log's current state.
type Snapshot struct {
	Events  []wire.Event
	LastSeq int64
	Syncing bool
}

// PersistedState is the {cursor, events} shape handed to and from a
// SessionStore.
type PersistedState struct {
	Cursor int64
	Events []wire.Event
}

// Listener receives events applied to the log, in order.
type Listener func(wire.Event)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// Log is the canonical in-memory event log for one session.
type Log struct {
	mu           sync.Mutex
	events       []wire.Event
	fingerprints map[int64]string
	appliedSeq   int64
	maxEvents    int // 0 means unbounded
	subscribers  map[int]Listener
	nextSubID    int
}

// New creates an empty session log. maxEvents of 0 means unbounded
// retention.
func New(maxEvents int) *Log {
	return &Log{
		fingerprints: make(map[int64]string),
		maxEvents:    maxEvents,
		subscribers:  make(map[int]Listener),
	}
}

// LastSeq returns appliedSeq: the highest seq applied so far, or 0 if empty.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appliedSeq
}

// Events returns a defensive copy of the retained events, oldest first.
func (l *Log) Events() []wire.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.Event, len(l.events))
	copy(out, l.events)
	return out
}

// SetMaxEvents changes retention, trimming the oldest entries first if the
// new bound is smaller than the current size. 0 means unbounded.
func (l *Log) SetMaxEvents(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxEvents = n
	l.trimLocked()
}

// ApplyBatch feeds a frame's worth of events through the apply algorithm in
// order, returning the subset actually applied (i.e. not silently dropped
// as stale duplicates). The first gap or conflict error aborts processing
// of the remaining events in the batch and is returned alongside whatever
// was applied before it.
func (l *Log) ApplyBatch(events []wire.Event) ([]wire.Event, error) {
	var applied []wire.Event
	for _, e := range events {
		did, err := l.applyOne(e)
		if err != nil {
			return applied, err
		}
		if did {
			applied = append(applied, e)
		}
	}
	return applied, nil
}

func (l *Log) applyOne(e wire.Event) (bool, error) {
	fp, err := fingerprint(e)
	if err != nil {
		return false, fmt.Errorf("session log: %w", err)
	}

	l.mu.Lock()

	if e.Seq <= l.appliedSeq {
		if existing, ok := l.fingerprints[e.Seq]; ok {
			l.mu.Unlock()
			if existing == fp {
				return false, nil // idempotent no-op
			}
			return false, &ConflictError{Seq: e.Seq}
		}

		oldestRetained := l.oldestRetainedSeqLocked()
		if oldestRetained == 0 || e.Seq < oldestRetained {
			l.mu.Unlock()
			return false, nil // older than retained history: silently dropped
		}

		// No fingerprint but within the retained window: the invariant
		// that every retained seq has a fingerprint has been broken.
		l.mu.Unlock()
		return false, &ConflictError{Seq: e.Seq}
	}

	if e.Seq != l.appliedSeq+1 {
		expected := l.appliedSeq + 1
		l.mu.Unlock()
		return false, &GapError{Expected: expected, Got: e.Seq}
	}

	l.events = append(l.events, e)
	l.fingerprints[e.Seq] = fp
	l.appliedSeq = e.Seq
	l.trimLocked()

	subs := make([]Listener, 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return true, nil
}

// oldestRetainedSeqLocked returns the seq of the oldest retained event, or 0
// if the log is empty. Caller must hold l.mu.
func (l *Log) oldestRetainedSeqLocked() int64 {
	if len(l.events) == 0 {
		return 0
	}
	return l.events[0].Seq
}

// trimLocked drops the oldest entries (and their fingerprints) down to
// maxEvents. Caller must hold l.mu.
func (l *Log) trimLocked() {
	if l.maxEvents <= 0 {
		return
	}
	for len(l.events) > l.maxEvents {
		dropped := l.events[0]
		l.events = l.events[1:]
		delete(l.fingerprints, dropped.Seq)
	}
}

// Hydrate replaces the log's state from a persisted snapshot. The snapshot
// must have a non-negative cursor, events with seq <= cursor, and a
// contiguous ascending run of events.
func (l *Log) Hydrate(state PersistedState) error {
	if state.Cursor < 0 {
		return fmt.Errorf("session log: hydrate: cursor must be non-negative, got %d", state.Cursor)
	}
	var prev int64
	for i, e := range state.Events {
		if e.Seq > state.Cursor {
			return fmt.Errorf("session log: hydrate: event %d has seq %d exceeding cursor %d", i, e.Seq, state.Cursor)
		}
		if i > 0 && e.Seq != prev+1 {
			return fmt.Errorf("session log: hydrate: events are not contiguous: seq %d follows seq %d", e.Seq, prev)
		}
		prev = e.Seq
	}

	fps := make(map[int64]string, len(state.Events))
	for _, e := range state.Events {
		fp, err := fingerprint(e)
		if err != nil {
			return fmt.Errorf("session log: hydrate: %w", err)
		}
		fps[e.Seq] = fp
	}

	events := make([]wire.Event, len(state.Events))
	copy(events, state.Events)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = events
	l.fingerprints = fps
	l.appliedSeq = state.Cursor
	l.trimLocked()
	return nil
}

// Subscribe registers listener for future applied events. When replay is
// true, listener is synchronously invoked for every currently retained
// event, in order, before Subscribe returns. The returned Unsubscribe
// removes the listener.
func (l *Log) Subscribe(listener Listener, replay bool) Unsubscribe {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++

	var toReplay []wire.Event
	if replay {
		toReplay = make([]wire.Event, len(l.events))
		copy(toReplay, l.events)
	}
	l.subscribers[id] = listener
	l.mu.Unlock()

	for _, e := range toReplay {
		listener(e)
	}

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// GetSnapshot returns a defensive-copy view of the log plus the caller-
// supplied syncing flag (true iff live-sync is currently running).
func (l *Log) GetSnapshot(syncing bool) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]wire.Event, len(l.events))
	copy(events, l.events)
	return Snapshot{Events: events, LastSeq: l.appliedSeq, Syncing: syncing}
}
