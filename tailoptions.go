package tailclient

import (
	"time"

	"github.com/ashureev/tailclient/tail"
	"github.com/ashureev/tailclient/transport"
)

// TailOptions configures one Tail or Consume call. Fields left zero take
// the session's constructor defaults (see Options).
type TailOptions struct {
	Cursor    *int64 // nil: Tail starts from 0, Consume loads it from the CursorStore
	BatchSize int
	Agent     string

	Follow    *bool
	Reconnect *bool
	Policy    *transport.Policy

	CatchUpIdle        time.Duration
	ConnectionTimeout  time.Duration
	InactivityTimeout  time.Duration
	MaxBufferedBatches *int

	Signal           <-chan struct{}
	OnLifecycleEvent func(tail.LifecycleEvent)
}

// mergeTailOptions layers o over the session's defaults, producing a tail.Options
// ready to hand to tail.New. cursor is the resolved starting cursor.
func (s *Session) mergeTailOptions(o TailOptions, cursor int64) tail.Options {
	follow := s.opts.Follow != nil && *s.opts.Follow
	if o.Follow != nil {
		follow = *o.Follow
	}
	reconnect := s.opts.Reconnect != nil && *s.opts.Reconnect
	if o.Reconnect != nil {
		reconnect = *o.Reconnect
	}
	policy := s.opts.Policy
	if o.Policy != nil {
		policy = *o.Policy
	}
	batchSize := s.opts.BatchSize
	if o.BatchSize > 0 {
		batchSize = o.BatchSize
	}
	catchUp := s.opts.CatchUpIdle
	if o.CatchUpIdle > 0 {
		catchUp = o.CatchUpIdle
	}
	connTimeout := s.opts.ConnectionTimeout
	if o.ConnectionTimeout > 0 {
		connTimeout = o.ConnectionTimeout
	}
	inactivity := s.opts.InactivityTimeout
	if o.InactivityTimeout > 0 {
		inactivity = o.InactivityTimeout
	}
	maxBuffered := s.opts.MaxBufferedBatches
	if o.MaxBufferedBatches != nil {
		maxBuffered = *o.MaxBufferedBatches
	}

	return tail.Options{
		WSBaseURL:          s.opts.WSBaseURL,
		SessionID:          s.opts.SessionID,
		Cursor:             cursor,
		BatchSize:          batchSize,
		Agent:              o.Agent,
		Follow:             follow,
		Reconnect:          reconnect,
		Policy:             policy,
		CatchUpIdle:        catchUp,
		ConnectionTimeout:  connTimeout,
		InactivityTimeout:  inactivity,
		MaxBufferedBatches: maxBuffered,
		AuthTransport:      s.opts.AuthTransport,
		TokenSource:        s.tokenSource(),
		Signal:             o.Signal,
		Factory:            s.opts.Factory,
		OnLifecycleEvent:   o.OnLifecycleEvent,
	}
}
