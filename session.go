package tailclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/tailclient/sessionlog"
	"github.com/ashureev/tailclient/stores"
	"github.com/ashureev/tailclient/tail"
	"github.com/ashureev/tailclient/transport"
	"github.com/ashureev/tailclient/wire"
)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// Options configures a Session: identity, transport endpoints, auth, and
// the reconnect/backpressure defaults every Tail/Consume call falls back
// to when it doesn't override them (see TailOptions).
type Options struct {
	Identity  Identity
	SessionID string
	// Token is the static session token used, absent TokenSource, for
	// Append and for the initial and every subsequent tail connect.
	Token string
	// TokenSource, if set, is consulted fresh on every connect attempt so
	// a caller can rotate tokens between reconnects (spec §4.3). Defaults
	// to a source that always returns Token.
	TokenSource tail.TokenSource

	APIBaseURL string
	WSBaseURL  string

	// AuthTransport is "header", "access_token", or "auto" (default).
	AuthTransport string

	// HTTPClient is used for Append; defaults to http.DefaultClient.
	HTTPClient HTTPClient
	// Factory overrides the default coder/websocket dialer, e.g. for
	// tests or a header-capable server-side runtime.
	Factory transport.Factory

	// Store hydrates/persists the session log's {cursor, events}. Nil
	// disables hydration and snapshot persistence.
	Store stores.SessionStore

	MaxEvents int

	// Follow and Reconnect default to true (spec §4.3); set explicitly to
	// false to default every Tail/Consume call to replay mode.
	Follow             *bool
	Reconnect          *bool
	Policy             transport.Policy
	BatchSize          int
	CatchUpIdle        time.Duration
	ConnectionTimeout  time.Duration
	InactivityTimeout  time.Duration
	MaxBufferedBatches int

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.AuthTransport == "" {
		o.AuthTransport = "auto"
	}
	if o.Policy.Mode == "" {
		o.Policy.Mode = transport.ModeExponential
	}
	if o.Policy.InitialDelay == 0 {
		o.Policy.InitialDelay = 500 * time.Millisecond
	}
	if o.Policy.MaxDelay == 0 {
		o.Policy.MaxDelay = 15 * time.Second
	}
	if o.Policy.Multiplier == 0 {
		o.Policy.Multiplier = 2
	}
	if o.Policy.JitterRatio == 0 {
		o.Policy.JitterRatio = 0.2
	}
	if o.CatchUpIdle == 0 {
		o.CatchUpIdle = time.Second
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = 4 * time.Second
	}
	if o.MaxBufferedBatches == 0 {
		o.MaxBufferedBatches = 1024
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Follow == nil {
		t := true
		o.Follow = &t
	}
	if o.Reconnect == nil {
		t := true
		o.Reconnect = &t
	}
}

func (o Options) validate() error {
	if o.SessionID == "" {
		return fmt.Errorf("tailclient: SessionID must be non-empty")
	}
	if o.APIBaseURL == "" {
		return fmt.Errorf("tailclient: APIBaseURL must be non-empty")
	}
	if o.WSBaseURL == "" {
		return fmt.Errorf("tailclient: WSBaseURL must be non-empty")
	}
	if o.MaxEvents < 0 {
		return fmt.Errorf("tailclient: MaxEvents must be non-negative, got %d", o.MaxEvents)
	}
	if err := o.Identity.validate(); err != nil {
		return err
	}
	return nil
}

// Session binds an identity, a session token, transport configuration, a
// canonical session log, and the producer counter used to dedup outbound
// appends. It is the main entry point of this package (spec §4.5).
type Session struct {
	// producerSeq must stay the first field: sync/atomic requires 64-bit
	// alignment on 32-bit platforms, guaranteed only for a struct's first
	// word.
	producerSeq int64

	opts   Options
	logger *slog.Logger

	log *sessionlog.Log

	producerID string

	mu             sync.Mutex
	eventListeners map[int]func(wire.Event)
	errorListeners map[int]func(error)
	nextListenerID int
	syncing        bool
	syncCancel     context.CancelFunc
	syncDone       chan struct{}
}

// New constructs a Session bound to opts, hydrating its session log from
// opts.Store if one is configured and has prior state for opts.SessionID.
func New(ctx context.Context, opts Options) (*Session, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, newError(KindConfig, "invalid session options", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		opts:           opts,
		logger:         logger,
		log:            sessionlog.New(opts.MaxEvents),
		producerID:     uuid.NewString(),
		eventListeners: make(map[int]func(wire.Event)),
		errorListeners: make(map[int]func(error)),
	}

	if opts.Store != nil {
		state, err := opts.Store.Load(ctx, opts.SessionID)
		if err != nil {
			return nil, newError(KindCursorStore, fmt.Sprintf("session %s: load session state", opts.SessionID), err)
		}
		if state != nil {
			if err := s.log.Hydrate(*state); err != nil {
				return nil, newError(KindConfig, fmt.Sprintf("session %s: hydrate from store", opts.SessionID), err)
			}
			logger.Debug("session hydrated from store", "session_id", opts.SessionID, "cursor", state.Cursor, "events", len(state.Events))
		}
	}

	return s, nil
}

func (s *Session) tokenSource() tail.TokenSource {
	if s.opts.TokenSource != nil {
		return s.opts.TokenSource
	}
	token := s.opts.Token
	return func(context.Context) (string, error) { return token, nil }
}

// Append parses input, derives Actor from the session's Identity when
// omitted, tags the request with the next producer_seq, and calls the
// external append endpoint (spec §6.1).
func (s *Session) Append(ctx context.Context, input AppendInput) (AppendResult, error) {
	if input.Type == "" {
		return AppendResult{}, newError(KindConfig, "append: type must be non-empty", nil)
	}
	actor := input.Actor
	if actor == "" {
		actor = s.opts.Identity.Actor()
	}

	seq := atomic.AddInt64(&s.producerSeq, 1) - 1

	token, err := s.tokenSource()(ctx)
	if err != nil {
		return AppendResult{}, newError(KindConnect, "append: resolve token", err)
	}

	body := appendRequestBody{
		Type:           input.Type,
		Payload:        input.Payload,
		Actor:          actor,
		ProducerID:     s.producerID,
		ProducerSeq:    seq,
		Source:         input.Source,
		Metadata:       input.Metadata,
		Refs:           input.Refs,
		IdempotencyKey: input.IdempotencyKey,
		ExpectedSeq:    input.ExpectedSeq,
	}

	res, err := doAppend(ctx, s.opts.HTTPClient, s.opts.APIBaseURL, s.opts.SessionID, token, body)
	if err != nil {
		return AppendResult{}, err
	}
	s.logger.Debug("appended event", "session_id", s.opts.SessionID, "type", input.Type, "seq", res.Seq, "deduped", res.Deduped)
	return res, nil
}

// OnEvent subscribes listener to the session log with replay, starting
// live-sync if this is the first event subscriber (spec §4.5).
func (s *Session) OnEvent(listener func(wire.Event)) Unsubscribe {
	s.mu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.eventListeners[id] = listener
	needStart := len(s.eventListeners) == 1
	s.mu.Unlock()

	// Deliver only while id is registered, so Disconnect clearing
	// eventListeners also stops delivery from the log.
	logUnsub := s.log.Subscribe(func(e wire.Event) {
		s.mu.Lock()
		_, ok := s.eventListeners[id]
		s.mu.Unlock()
		if ok {
			listener(e)
		}
	}, true)

	if needStart {
		s.startLiveSync()
	}

	return func() {
		logUnsub()
		s.mu.Lock()
		delete(s.eventListeners, id)
		stop := len(s.eventListeners) == 0
		s.mu.Unlock()
		if stop {
			s.stopLiveSync()
		}
	}
}

// OnError subscribes listener to live-sync failures.
func (s *Session) OnError(listener func(error)) Unsubscribe {
	s.mu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.errorListeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.errorListeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	listeners := make([]func(error), 0, len(s.errorListeners))
	for _, fn := range s.errorListeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	if len(listeners) == 0 {
		s.logger.Warn("session live-sync error with no error listener attached", "session_id", s.opts.SessionID, "error", err)
		return
	}
	for _, fn := range listeners {
		fn(err)
	}
}

// Disconnect aborts live-sync and removes all listeners. Close is an
// alias kept for callers that prefer io.Closer-shaped names.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.eventListeners = make(map[int]func(wire.Event))
	s.errorListeners = make(map[int]func(error))
	s.mu.Unlock()
	s.stopLiveSync()
}

// Close is an alias for Disconnect.
func (s *Session) Close() error {
	s.Disconnect()
	return nil
}

// GetSnapshot returns a defensive-copy view of the session log plus
// whether live-sync is currently running.
func (s *Session) GetSnapshot() sessionlog.Snapshot {
	s.mu.Lock()
	syncing := s.syncing
	s.mu.Unlock()
	return s.log.GetSnapshot(syncing)
}

// LogOptions configures mutable session log settings.
type LogOptions struct {
	MaxEvents int
}

// SetLogOptions changes the session log's retention.
func (s *Session) SetLogOptions(o LogOptions) {
	s.log.SetMaxEvents(o.MaxEvents)
}

// startLiveSync begins the live-sync loop if it is not already running.
func (s *Session) startLiveSync() {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.syncing = true
	s.syncCancel = cancel
	done := make(chan struct{})
	s.syncDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.runLiveSync(ctx)
		s.mu.Lock()
		s.syncing = false
		s.syncCancel = nil
		s.mu.Unlock()
	}()
}

func (s *Session) stopLiveSync() {
	s.mu.Lock()
	cancel := s.syncCancel
	done := s.syncDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runLiveSync runs tail streams back-to-back, applying each batch to the
// session log, until the context is canceled. Gap errors reconnect
// transparently from the log's current lastSeq; every other error is
// surfaced via OnError. Token expiry stops the loop outright since
// retrying with the same token cannot succeed (spec §4.3/§4.5).
func (s *Session) runLiveSync(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		cursor := s.log.LastSeq()
		st := tail.New(s.mergeTailOptions(TailOptions{}, cursor))

		persist := func() {
			if s.opts.Store == nil {
				return
			}
			snap := s.log.GetSnapshot(true)
			state := sessionlog.PersistedState{Cursor: snap.LastSeq, Events: snap.Events}
			if err := s.opts.Store.Save(ctx, s.opts.SessionID, state); err != nil {
				s.logger.Warn("session store save failed", "session_id", s.opts.SessionID, "error", err)
			}
		}

		err := st.Run(ctx, func(b tail.Batch) error {
			if _, applyErr := s.log.ApplyBatch(b.Events); applyErr != nil {
				return applyErr
			}
			persist()
			return nil
		})

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		var gapErr *sessionlog.GapError
		if errors.As(err, &gapErr) {
			s.logger.Debug("live-sync gap, resuming from log cursor", "session_id", s.opts.SessionID, "expected", gapErr.Expected, "got", gapErr.Got)
			continue
		}
		if errors.Is(err, tail.ErrTokenExpired) {
			s.emitError(newError(KindTokenExpired, fmt.Sprintf("session %s: token expired during live-sync", s.opts.SessionID), err))
			return
		}

		s.emitError(fmt.Errorf("tailclient: live-sync: %w", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Tail runs a single tail stream (not tied to the session log), delivering
// each batch to onBatch until the stream reaches a terminal state.
func (s *Session) Tail(ctx context.Context, opts TailOptions, onBatch tail.Consumer) error {
	cursor := int64(0)
	if opts.Cursor != nil {
		cursor = *opts.Cursor
	}
	st := tail.New(s.mergeTailOptions(opts, cursor))
	return st.Run(ctx, onBatch)
}

// ConsumeOptions configures Session.Consume.
type ConsumeOptions struct {
	TailOptions
	CursorStore stores.CursorStore
	Handler     func(context.Context, wire.Event) error
}

// Consume is a durable wrapper over Tail: it loads the starting cursor
// from CursorStore when the caller didn't supply one, invokes Handler for
// each event, and checkpoints CursorStore after each successful handler
// call (spec §4.5). A cursor-store failure surfaces as a wrapped
// KindCursorStore error naming the session and the failing stage.
func (s *Session) Consume(ctx context.Context, opts ConsumeOptions) error {
	if opts.Handler == nil {
		return newError(KindConfig, "consume: Handler must be set", nil)
	}
	if opts.CursorStore == nil {
		return newError(KindConfig, "consume: CursorStore must be set", nil)
	}

	cursor := int64(0)
	if opts.Cursor != nil {
		cursor = *opts.Cursor
	} else {
		loaded, err := opts.CursorStore.Load(ctx, s.opts.SessionID)
		if err != nil {
			return newError(KindCursorStore, fmt.Sprintf("session %s: load cursor", s.opts.SessionID), err)
		}
		if loaded != nil {
			cursor = *loaded
		}
	}

	var cursorErr error
	tailOpts := opts.TailOptions
	tailOpts.Cursor = &cursor
	st := tail.New(s.mergeTailOptions(tailOpts, cursor))

	err := st.Run(ctx, func(b tail.Batch) error {
		for _, e := range b.Events {
			if err := opts.Handler(ctx, e); err != nil {
				return fmt.Errorf("tailclient: consume: handler failed at seq %d: %w", e.Seq, err)
			}
			if err := opts.CursorStore.Save(ctx, s.opts.SessionID, e.Seq); err != nil {
				cursorErr = newError(KindCursorStore, fmt.Sprintf("session %s: save cursor at seq %d", s.opts.SessionID, e.Seq), err)
				return cursorErr
			}
		}
		return nil
	})

	if cursorErr != nil {
		return cursorErr
	}
	return err
}
