// Package tail layers cursor tracking, agent filtering, frame-sized
// batching, and backpressure on top of the managed socket, producing a
// consumer-facing stream of ordered event batches.
package tail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/tailclient/transport"
	"github.com/ashureev/tailclient/wire"
)

// Batch is one frame's worth of survivors after cursor advancement and
// agent filtering, in server-emitted order.
type Batch struct {
	Events []wire.Event
}

// Consumer is invoked serially, once per batch: a batch only starts after
// the previous call returned. Returning an error fails the stream.
type Consumer func(Batch) error

// LifecycleEvent reports a transition observable from outside the stream,
// per spec §4.3's onLifecycleEvent: connect_attempt, reconnect_scheduled,
// stream_dropped, stream_ended.
type LifecycleEvent struct {
	Kind        string
	Attempt     int
	Delay       time.Duration
	Code        int
	Reason      string
	Emitted     int // batches emitted during the attempt that just ended
}

const (
	KindConnectAttempt     = "connect_attempt"
	KindReconnectScheduled = "reconnect_scheduled"
	KindStreamDropped      = "stream_dropped"
	KindStreamEnded        = "stream_ended"
)

// ErrBackpressure is returned by Run when the pending-batch queue exceeds
// MaxBufferedBatches. The socket is closed and no further batches are
// enqueued once this happens.
var ErrBackpressure = errors.New("tail: consumer backpressure: buffered batch limit exceeded")

// ErrTokenExpired is returned by Run when the server closes with code 4001
// or reason "token_expired". The caller must mint a fresh token and start a
// new stream at the cursor reported by Cursor().
var ErrTokenExpired = errors.New("tail: session token expired")

// RetryLimitError is returned by Run when the reconnect policy's
// MaxAttempts was exhausted.
type RetryLimitError struct {
	Attempts    int
	CloseCode   int
	CloseReason string
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("tail: retry limit reached after %d attempts (last close %d %q)", e.Attempts, e.CloseCode, e.CloseReason)
}

// TokenSource resolves the current access token for a connect attempt. It
// is called fresh on every attempt so a caller can rotate tokens between
// reconnects.
type TokenSource func(ctx context.Context) (string, error)

// Options configures a Stream.
type Options struct {
	WSBaseURL string
	SessionID string

	Cursor    int64
	BatchSize int
	Agent     string

	// Follow: true stays open forever and reconnects on drop (subject to
	// Reconnect); false is replay mode, auto-closing after CatchUpIdle of
	// silence. Reconnect is forced off when Follow is false.
	Follow    bool
	Reconnect bool
	Policy    transport.Policy

	CatchUpIdle        time.Duration
	ConnectionTimeout  time.Duration
	InactivityTimeout  time.Duration
	MaxBufferedBatches int // <= 0 disables the limit

	// AuthTransport is "header", "access_token", or "auto". "auto" resolves
	// to "access_token" unless Factory is set, matching spec §6.3.
	AuthTransport string
	TokenSource   TokenSource

	Signal <-chan struct{}

	// Factory overrides the default coder/websocket dialer, e.g. for tests.
	Factory          transport.Factory
	OnLifecycleEvent func(LifecycleEvent)
}

// Stream drives one tail connection (including its reconnects) to
// completion, delivering batches to a Consumer.
type Stream struct {
	opts Options

	cursorMu sync.Mutex
	cursor   int64

	queue *batchQueue

	mu                sync.Mutex
	terminalErr       error
	perAttemptEmitted int
	// lastDropErr tracks the most recent connect/stream failure cause, so a
	// final "dropped" close (no retry policy, or policy just gave up after
	// one attempt) can surface a real error instead of a bare nil. Cleared
	// on every successful open, since a later attempt's failure shouldn't
	// be shadowed by an earlier one that the stream already recovered from.
	lastDropErr error
}

// New creates a Stream that has not yet started. Call Run to drive it.
func New(opts Options) *Stream {
	return &Stream{
		opts:   opts,
		cursor: opts.Cursor,
		queue:  newBatchQueue(opts.MaxBufferedBatches),
	}
}

// Cursor returns the highest seq observed so far, advanced before
// filtering so reconnects never replay already-delivered events.
func (s *Stream) Cursor() int64 {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	return s.cursor
}

func (s *Stream) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalErr == nil {
		s.terminalErr = err
	}
}

func (s *Stream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// Run blocks until the stream reaches a terminal state: consumer-driven
// completion (nil, on a graceful close or replay-mode catch-up), an
// aborted signal (nil), or an error (backpressure, token expiry, retry
// limit exhaustion, or whatever the consumer returned).
func (s *Stream) Run(ctx context.Context, consume Consumer) error {
	factory := s.opts.Factory
	if factory == nil {
		factory = transport.DialFactory
	}

	authTransport := s.opts.AuthTransport
	if authTransport == "" || authTransport == "auto" {
		if s.opts.Factory == nil {
			authTransport = "access_token"
		} else {
			authTransport = "header"
		}
	}

	replayMode := !s.opts.Follow
	shouldReconnect := s.opts.Follow && s.opts.Reconnect

	sock := transport.New(transport.Options{
		URLResolver:       s.resolveURL(authTransport),
		Factory:           factory,
		Policy:            s.opts.Policy,
		ShouldReconnect:   shouldReconnect,
		ConnectionTimeout: s.opts.ConnectionTimeout,
		InactivityTimeout: s.opts.InactivityTimeout,
		ReplayMode:        replayMode,
		CatchUpIdle:       s.opts.CatchUpIdle,
		Signal:            s.opts.Signal,
	})

	sock.OnConnectAttempt(func(attempt int) {
		s.mu.Lock()
		s.perAttemptEmitted = 0
		s.mu.Unlock()
		s.notify(LifecycleEvent{Kind: KindConnectAttempt, Attempt: attempt})
	})

	sock.OnConnectFailed(func(info transport.ConnectFailedInfo) {
		s.mu.Lock()
		s.lastDropErr = fmt.Errorf("tail: connect failed: %w", info.RootCause)
		s.mu.Unlock()
	})

	sock.OnOpen(func() {
		s.mu.Lock()
		s.lastDropErr = nil
		s.mu.Unlock()
	})

	sock.OnReconnectScheduled(func(info transport.ReconnectScheduledInfo) {
		s.notify(LifecycleEvent{Kind: KindReconnectScheduled, Attempt: info.Attempt, Delay: info.Delay, Code: info.CloseCode, Reason: info.CloseReason})
	})

	sock.OnMessage(func(msg transport.Message) {
		s.handleMessage(sock, msg)
	})

	sock.OnDropped(func(info transport.DroppedInfo) {
		if info.Code == transport.CodeTokenExpired || info.Text == "token_expired" {
			sock.StopReconnecting()
			s.setFailure(ErrTokenExpired)
		}

		s.mu.Lock()
		emitted := s.perAttemptEmitted
		s.lastDropErr = fmt.Errorf("tail: stream dropped: close %d %q", info.Code, info.Text)
		s.mu.Unlock()
		if emitted > 0 {
			sock.ResetReconnectAttempts()
		}

		s.notify(LifecycleEvent{Kind: KindStreamDropped, Code: info.Code, Reason: info.Text, Emitted: emitted})
	})

	sock.OnRetryLimit(func(info transport.RetryLimitInfo) {
		s.setFailure(&RetryLimitError{Attempts: info.Attempts, CloseCode: info.CloseCode, CloseReason: info.CloseReason})
	})

	closedCh := make(chan transport.ClosedInfo, 1)
	sock.OnClosed(func(info transport.ClosedInfo) {
		s.notify(LifecycleEvent{Kind: KindStreamEnded, Code: info.Code, Reason: info.Text})
		closedCh <- info
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.consumeLoop(sock, consume)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sock.Run(ctx)
	}()

	<-runDone
	s.queue.closeForWrites()
	<-done

	if err := s.failure(); err != nil {
		return err
	}

	select {
	case info := <-closedCh:
		if info.Reason == transport.ReasonDropped {
			s.mu.Lock()
			drop := s.lastDropErr
			s.mu.Unlock()
			if drop != nil {
				return drop
			}
		}
	default:
	}
	return nil
}

// handleMessage decodes one frame, advances the cursor before filtering
// (spec §4.3 step 2), applies the agent filter, and enqueues any survivors
// as a batch. A queue overflow is treated as backpressure: the socket is
// closed and the stream fails.
func (s *Stream) handleMessage(sock *transport.ManagedSocket, msg transport.Message) {
	events, err := wire.DecodeFrame(msg.Data, !msg.IsText)
	if err != nil {
		s.setFailure(err)
		sock.Close(1000, "frame decode failed")
		return
	}

	s.cursorMu.Lock()
	for _, e := range events {
		if e.Seq > s.cursor {
			s.cursor = e.Seq
		}
	}
	s.cursorMu.Unlock()

	var survivors []wire.Event
	if s.opts.Agent == "" {
		survivors = events
	} else {
		want := "agent:" + s.opts.Agent
		for _, e := range events {
			if e.Actor == want {
				survivors = append(survivors, e)
			}
		}
	}
	if len(survivors) == 0 {
		return
	}

	if !s.queue.push(Batch{Events: survivors}) {
		s.setFailure(ErrBackpressure)
		sock.Close(1000, "consumer backpressure")
		return
	}

	s.mu.Lock()
	s.perAttemptEmitted++
	s.mu.Unlock()
}

// consumeLoop pops batches and invokes consume serially until the queue is
// closed (socket reached a terminal state) or consume fails.
func (s *Stream) consumeLoop(sock *transport.ManagedSocket, consume Consumer) {
	for {
		batch, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := consume(batch); err != nil {
			s.setFailure(err)
			sock.Close(1000, "consumer failed")
			s.queue.closeForWrites()
			return
		}
	}
}

func (s *Stream) notify(evt LifecycleEvent) {
	if s.opts.OnLifecycleEvent != nil {
		s.opts.OnLifecycleEvent(evt)
	}
}

// resolveURL builds the per-attempt URLResolver per spec §4.3/§6.2:
// <wsBase>/v1/sessions/<urlEncoded(id)>/tail?cursor=<current>&batch_size=<n>&access_token=<token>.
func (s *Stream) resolveURL(authTransport string) transport.URLResolver {
	return func(ctx context.Context) (string, http.Header, error) {
		q := url.Values{}
		q.Set("cursor", strconv.FormatInt(s.Cursor(), 10))
		if s.opts.BatchSize > 0 {
			q.Set("batch_size", strconv.Itoa(s.opts.BatchSize))
		}

		var token string
		var err error
		if s.opts.TokenSource != nil {
			token, err = s.opts.TokenSource(ctx)
			if err != nil {
				return "", nil, fmt.Errorf("tail: resolving token: %w", err)
			}
		}

		var header http.Header
		if authTransport == "header" && token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + token}}
		} else if authTransport == "access_token" && token != "" {
			q.Set("access_token", token)
		}

		u := fmt.Sprintf("%s/v1/sessions/%s/tail?%s", s.opts.WSBaseURL, url.PathEscape(s.opts.SessionID), q.Encode())
		return u, header, nil
	}
}
