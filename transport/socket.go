// Package transport implements the managed, reconnecting websocket state
// machine: connect-and-reconnect with backoff and jitter, connection and
// inactivity watchdogs, and lifecycle observers for connect/reconnect/open/
// message/drop/retry-limit/close/fatal transitions.
//
// The managed socket is deliberately unaware of event framing, cursors, or
// agent filtering — those are the tail stream's concerns, layered on top.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Socket is the minimal surface the managed socket needs from a concrete
// websocket connection, matching the pluggable factory contract in spec
// §6.4 (addEventListener(open|message|error|close), removeEventListener,
// close). Read blocks until a message, error, or ctx cancellation.
type Socket interface {
	Read(ctx context.Context) (data []byte, isText bool, err error)
	Close(code int, reason string) error
}

// Factory constructs a Socket for a resolved URL and optional upgrade
// headers (used for the "header" auth transport, spec §6.3).
type Factory func(ctx context.Context, url string, header http.Header) (Socket, error)

// URLResolver resolves the URL (and any headers) to connect with for the
// given attempt. It is called fresh on every connect attempt so the caller
// can fold in the current cursor.
type URLResolver func(ctx context.Context) (url string, header http.Header, err error)

// Mode selects the backoff shape for reconnect delays.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeExponential Mode = "exponential"
)

// Policy is the reconnect backoff policy from spec §4.3's reconnectPolicy.
type Policy struct {
	Mode         Mode
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterRatio  float64
	MaxAttempts  int // 0 means unlimited
}

// delay computes the backoff for the given 1-based attempt, applying
// symmetric jitter, per spec §4.2.
func (p Policy) delay(attempt int, rnd *rand.Rand) time.Duration {
	var base time.Duration
	switch p.Mode {
	case ModeFixed:
		base = p.InitialDelay
	default: // ModeExponential
		mult := 1.0
		for i := 0; i < attempt-1; i++ {
			mult *= p.Multiplier
		}
		scaled := time.Duration(float64(p.InitialDelay) * mult)
		base = scaled
		if p.MaxDelay > 0 && base > p.MaxDelay {
			base = p.MaxDelay
		}
	}
	if p.JitterRatio <= 0 {
		return base
	}
	lo := float64(base) * (1 - p.JitterRatio)
	if lo < 0 {
		lo = 0
	}
	hi := float64(base) * (1 + p.JitterRatio)
	if hi <= lo {
		return time.Duration(lo)
	}
	jittered := lo + rnd.Float64()*(hi-lo)
	return time.Duration(jittered)
}

// CloseReason classifies why an attempt ended, per spec §4.2.
type CloseReason string

const (
	ReasonAborted  CloseReason = "aborted"
	ReasonGraceful CloseReason = "graceful"
	ReasonCaughtUp CloseReason = "caught_up"
	ReasonDropped  CloseReason = "dropped"
)

// Reserved close codes synthesized by this client (spec §6.2).
const (
	CodeInactivityTimeout = 4000
	CodeTokenExpired      = 4001
	CodeConnectTimeout    = 4100
)

// Message is one raw frame read off the socket.
type Message struct {
	Data   []byte
	IsText bool
}

// ConnectFailedInfo accompanies OnConnectFailed.
type ConnectFailedInfo struct {
	RootCause error
	Attempt   int
}

// ReconnectScheduledInfo accompanies OnReconnectScheduled.
type ReconnectScheduledInfo struct {
	Attempt     int
	Delay       time.Duration
	Trigger     string // "connect_failed" or "dropped"
	CloseCode   int
	CloseReason string
}

// DroppedInfo accompanies OnDropped.
type DroppedInfo struct {
	Code             int
	Text             string
	MessagesReceived int // progress made during the attempt that just ended
}

// RetryLimitInfo accompanies OnRetryLimit.
type RetryLimitInfo struct {
	Attempts    int
	CloseCode   int
	CloseReason string
}

// ClosedInfo accompanies OnClosed: the terminal event for the whole socket.
type ClosedInfo struct {
	Reason CloseReason
	Code   int
	Text   string
}

// Unsubscribe removes a previously registered observer.
type Unsubscribe func()

// Options configures a ManagedSocket.
type Options struct {
	URLResolver URLResolver
	Factory     Factory
	Policy      Policy
	// ShouldReconnect gates whether drops/connect-failures are retried at
	// all. When false, the first failure is terminal.
	ShouldReconnect bool
	// ConnectionTimeout bounds the time from factory call to the first
	// successful read-loop start (treated as "open").
	ConnectionTimeout time.Duration
	// InactivityTimeout, if > 0, bounds the time between messages once
	// open; 0 disables it.
	InactivityTimeout time.Duration
	// ReplayMode and CatchUpIdle implement the replay-mode auto-close
	// described in spec §4.3: when ReplayMode is true, the connection
	// closes itself with ReasonCaughtUp after CatchUpIdle of silence.
	// When CatchUpIdle is > 0 it replaces InactivityTimeout, which is then
	// not used.
	ReplayMode  bool
	CatchUpIdle time.Duration
	// Signal, when closed, aborts the socket immediately: the pending
	// connect, the open connection, or a reconnect backoff wait.
	Signal <-chan struct{}
	// Rand is used for jitter; defaults to a process-global source.
	Rand *rand.Rand
}

var errListenerPanicked = errors.New("transport: lifecycle observer panicked")

// ManagedSocket drives the connect/backoff/lifecycle state machine
// described in spec §4.2.
type ManagedSocket struct {
	opts Options
	rnd  *rand.Rand

	mu        sync.Mutex
	observers map[string][]func(any)

	totalConnects   int // every connect() call, including the first
	reconnectsUsed  int // reconnects scheduled since the last reset
	aborted         bool
	stopReconnects  bool
	sawTransportErr bool

	// abortCh is closed exactly once, either by Close or by a watcher
	// goroutine relaying opts.Signal, and is what every blocking select in
	// the run loop actually waits on. The isAborted flag alone is not
	// enough: a select needs a channel, not a flag, to wake up immediately.
	abortCh    chan struct{}
	abortOnce  sync.Once
	watchStart sync.Once
}

// New creates a ManagedSocket that has not yet started connecting. Call Run
// to drive it.
func New(opts Options) *ManagedSocket {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ManagedSocket{
		opts:      opts,
		rnd:       rnd,
		observers: make(map[string][]func(any)),
		abortCh:   make(chan struct{}),
	}
}

// triggerAbort closes abortCh, waking up any select waiting on it. Safe to
// call more than once or concurrently.
func (s *ManagedSocket) triggerAbort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

// watchSignal starts (once) a goroutine that relays opts.Signal into
// abortCh, so the rest of Run only ever needs to watch one channel.
func (s *ManagedSocket) watchSignal() {
	s.watchStart.Do(func() {
		if s.opts.Signal == nil {
			return
		}
		go func() {
			select {
			case <-s.opts.Signal:
				s.triggerAbort()
			case <-s.abortCh:
			}
		}()
	})
}

func (s *ManagedSocket) on(kind string, fn func(any)) Unsubscribe {
	s.mu.Lock()
	s.observers[kind] = append(s.observers[kind], fn)
	idx := len(s.observers[kind]) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.observers[kind]
		if idx < len(list) {
			list[idx] = nil
		}
	}
}

func (s *ManagedSocket) emit(kind string, payload any, fatalOnPanic bool) (panicked bool) {
	s.mu.Lock()
	list := append([]func(any){}, s.observers[kind]...)
	s.mu.Unlock()

	for _, fn := range list {
		if fn == nil {
			continue
		}
		if fatalOnPanic {
			if func() (didPanic bool) {
				defer func() {
					if r := recover(); r != nil {
						didPanic = true
					}
				}()
				fn(payload)
				return false
			}() {
				return true
			}
		} else {
			fn(payload)
		}
	}
	return false
}

// OnConnectAttempt registers an observer for connect_attempt events. A
// panic inside fn is fatal to the stream (spec §4.2).
func (s *ManagedSocket) OnConnectAttempt(fn func(attempt int)) Unsubscribe {
	return s.on("connect_attempt", func(v any) { fn(v.(int)) })
}

// OnConnectFailed registers an observer for connect_failed events.
func (s *ManagedSocket) OnConnectFailed(fn func(ConnectFailedInfo)) Unsubscribe {
	return s.on("connect_failed", func(v any) { fn(v.(ConnectFailedInfo)) })
}

// OnReconnectScheduled registers an observer for reconnect_scheduled
// events. A panic inside fn is fatal to the stream (spec §4.2).
func (s *ManagedSocket) OnReconnectScheduled(fn func(ReconnectScheduledInfo)) Unsubscribe {
	return s.on("reconnect_scheduled", func(v any) { fn(v.(ReconnectScheduledInfo)) })
}

// OnOpen registers an observer for open events.
func (s *ManagedSocket) OnOpen(fn func()) Unsubscribe {
	return s.on("open", func(v any) { fn() })
}

// OnMessage registers an observer for message events. A panic inside fn is
// fatal to the stream (spec §4.2).
func (s *ManagedSocket) OnMessage(fn func(Message)) Unsubscribe {
	return s.on("message", func(v any) { fn(v.(Message)) })
}

// OnDropped registers an observer for dropped events.
func (s *ManagedSocket) OnDropped(fn func(DroppedInfo)) Unsubscribe {
	return s.on("dropped", func(v any) { fn(v.(DroppedInfo)) })
}

// OnRetryLimit registers an observer for retry_limit events.
func (s *ManagedSocket) OnRetryLimit(fn func(RetryLimitInfo)) Unsubscribe {
	return s.on("retry_limit", func(v any) { fn(v.(RetryLimitInfo)) })
}

// OnClosed registers an observer for the terminal closed event.
func (s *ManagedSocket) OnClosed(fn func(ClosedInfo)) Unsubscribe {
	return s.on("closed", func(v any) { fn(v.(ClosedInfo)) })
}

// OnFatal registers an observer for fatal events (observer exceptions).
func (s *ManagedSocket) OnFatal(fn func(error)) Unsubscribe {
	return s.on("fatal", func(v any) { fn(v.(error)) })
}

// ResetReconnectAttempts resets the attempt counter to zero. Callable by an
// OnDropped observer to re-earn the full retry budget after progress was
// made, per spec §4.2.
func (s *ManagedSocket) ResetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectsUsed = 0
}

// StopReconnecting prevents any further reconnect attempt after the
// current one ends, without aborting an attempt in progress. Intended to
// be called from an OnDropped observer that recognizes a non-retryable
// close (e.g. token expiry).
func (s *ManagedSocket) StopReconnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopReconnects = true
}

// Close performs a caller-initiated close of the current attempt (if any)
// and marks the socket aborted: no further reconnect will be scheduled.
// code/reason are accepted for symmetry with Socket.Close but are not
// surfaced anywhere — an explicit close is always classified as aborted
// regardless of the code the caller would have liked to send.
func (s *ManagedSocket) Close(_ int, _ string) {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.triggerAbort()
}

func (s *ManagedSocket) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Run drives the connect/backoff/lifecycle loop until a terminal state is
// reached: aborted, graceful, caught_up, or retry_limit. It blocks the
// calling goroutine; callers typically run it in its own goroutine and
// observe progress via the On* registrations plus OnClosed. Canceling ctx
// aborts the socket the same way Close does.
func (s *ManagedSocket) Run(ctx context.Context) {
	s.watchSignal()
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Close(1000, "aborted")
		case <-runDone:
		}
	}()
	for {
		if s.isAborted() {
			s.emitClosed(ClosedInfo{Reason: ReasonAborted})
			return
		}

		s.mu.Lock()
		s.totalConnects++
		total := s.totalConnects
		s.mu.Unlock()

		if s.emit("connect_attempt", total, true) {
			s.fatal(ctx, errListenerPanicked)
			return
		}

		if s.runOneAttempt(ctx, total) {
			return
		}
	}
}

// runOneAttempt connects, relays messages, and returns true when the whole
// socket has reached a terminal state, or false to let Run loop again
// after a scheduled reconnect delay.
func (s *ManagedSocket) runOneAttempt(ctx context.Context, attempt int) bool {
	var connectCtx context.Context
	var cancel context.CancelFunc
	if s.opts.ConnectionTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, s.opts.ConnectionTimeout)
	} else {
		connectCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	url, header, err := s.opts.URLResolver(connectCtx)
	var sock Socket
	if err == nil {
		sock, err = s.opts.Factory(connectCtx, url, header)
	}
	if err != nil {
		if ctx.Err() == nil && connectCtx.Err() == context.DeadlineExceeded {
			return s.afterClose(ctx, 0, CodeConnectTimeout, "connection timeout", false)
		}
		return s.handleConnectFailure(ctx, attempt, err)
	}

	if s.emit("open", nil, false) {
		// open observers are not in the fatal set per spec §4.2
	}

	return s.relay(ctx, sock)
}

func (s *ManagedSocket) handleConnectFailure(ctx context.Context, attempt int, cause error) bool {
	if s.emit("connect_failed", ConnectFailedInfo{RootCause: cause, Attempt: attempt}, false) {
		// connect_failed observers are not in the fatal set per spec §4.2
	}
	return s.afterFailure(ctx, "connect_failed", 0, "")
}

// relay reads messages until the socket closes or the context ends,
// forwarding them to OnMessage observers and tracking whether a transport
// (non-EOF, non-close) error occurred.
func (s *ManagedSocket) relay(ctx context.Context, sock Socket) bool {
	messages := 0
	var lastInactivity *time.Timer
	resetInactivity := func() {}

	if s.opts.ReplayMode && s.opts.CatchUpIdle > 0 {
		lastInactivity = time.NewTimer(s.opts.CatchUpIdle)
	} else if s.opts.InactivityTimeout > 0 {
		lastInactivity = time.NewTimer(s.opts.InactivityTimeout)
	}
	if lastInactivity != nil {
		t := lastInactivity
		dur := s.opts.InactivityTimeout
		if s.opts.ReplayMode && s.opts.CatchUpIdle > 0 {
			dur = s.opts.CatchUpIdle
		}
		resetInactivity = func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(dur)
		}
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	type readResult struct {
		data   []byte
		isText bool
		err    error
	}
	resultCh := make(chan readResult, 1)

	readOne := func() {
		data, isText, err := sock.Read(readCtx)
		resultCh <- readResult{data, isText, err}
	}
	go readOne()

	var idleCh <-chan time.Time
	if lastInactivity != nil {
		idleCh = lastInactivity.C
	}

	for {
		select {
		case <-s.abortCh:
			_ = sock.Close(1000, "aborted")
			s.emitClosed(ClosedInfo{Reason: ReasonAborted})
			return true

		case <-idleCh:
			if s.opts.ReplayMode {
				_ = sock.Close(1000, "caught up")
				s.emitClosed(ClosedInfo{Reason: ReasonCaughtUp})
				return true
			}
			_ = sock.Close(CodeInactivityTimeout, "inactivity timeout")
			return s.afterClose(ctx, messages, CodeInactivityTimeout, "inactivity timeout", true)

		case res := <-resultCh:
			if res.err != nil {
				code, text, transportErr := classifyReadErr(res.err)
				if transportErr {
					s.mu.Lock()
					s.sawTransportErr = true
					s.mu.Unlock()
				}
				return s.afterClose(ctx, messages, code, text, transportErr)
			}

			messages++
			if resetInactivity != nil {
				resetInactivity()
			}

			msg := Message{Data: res.data, IsText: res.isText}
			if s.emit("message", msg, true) {
				_ = sock.Close(1000, "listener failed")
				s.fatal(ctx, errListenerPanicked)
				return true
			}

			go readOne()
		}
	}
}

// afterClose classifies a close and either finishes terminally (aborted /
// graceful) or hands off to afterFailure for the dropped/retry path.
func (s *ManagedSocket) afterClose(ctx context.Context, messages, code int, text string, transportErr bool) bool {
	if s.isAborted() {
		s.emitClosed(ClosedInfo{Reason: ReasonAborted})
		return true
	}

	s.mu.Lock()
	saw := s.sawTransportErr
	s.sawTransportErr = false
	s.mu.Unlock()

	if code == 1000 && !saw && !transportErr {
		s.emitClosed(ClosedInfo{Reason: ReasonGraceful, Code: code, Text: text})
		return true
	}

	s.emit("dropped", DroppedInfo{Code: code, Text: text, MessagesReceived: messages}, false)

	return s.afterFailure(ctx, "dropped", code, text)
}

// afterFailure decides whether to schedule a reconnect or declare the
// socket terminally failed, per spec §4.2's reconnect-delay rules. trigger
// is "connect_failed" or "dropped" and becomes the ReconnectScheduledInfo /
// error-kind classification the caller sees.
func (s *ManagedSocket) afterFailure(ctx context.Context, trigger string, closeCode int, closeReason string) bool {
	s.mu.Lock()
	stop := s.stopReconnects
	shouldReconnect := s.opts.ShouldReconnect && !stop
	exhausted := s.opts.Policy.MaxAttempts > 0 && s.reconnectsUsed >= s.opts.Policy.MaxAttempts
	usedSoFar := s.reconnectsUsed
	s.mu.Unlock()

	if !shouldReconnect {
		s.emitClosed(ClosedInfo{Reason: ReasonDropped, Code: closeCode, Text: closeReason})
		return true
	}
	if exhausted {
		s.emit("retry_limit", RetryLimitInfo{Attempts: usedSoFar, CloseCode: closeCode, CloseReason: closeReason}, false)
		s.emitClosed(ClosedInfo{Reason: ReasonDropped, Code: closeCode, Text: closeReason})
		return true
	}

	s.mu.Lock()
	s.reconnectsUsed++
	n := s.reconnectsUsed
	s.mu.Unlock()

	delay := s.opts.Policy.delay(n, s.rnd)
	info := ReconnectScheduledInfo{Attempt: n, Delay: delay, Trigger: trigger, CloseCode: closeCode, CloseReason: closeReason}
	if s.emit("reconnect_scheduled", info, true) {
		s.fatal(ctx, errListenerPanicked)
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.abortCh:
		s.emitClosed(ClosedInfo{Reason: ReasonAborted})
		return true
	case <-timer.C:
		return false
	}
}

func (s *ManagedSocket) fatal(ctx context.Context, err error) {
	s.emit("fatal", err, false)
	s.emitClosed(ClosedInfo{Reason: ReasonDropped})
}

func (s *ManagedSocket) emitClosed(info ClosedInfo) {
	s.emit("closed", info, false)
}

func classifyReadErr(err error) (code int, text string, transportErr bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, false
	}
	return 1006, err.Error(), true
}

// CloseError is the error a Socket.Read implementation should return (or
// wrap) when the peer sent a close frame, carrying the close code/reason.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed %d: %s", e.Code, e.Reason)
}
