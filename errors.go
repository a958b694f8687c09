// Package tailclient implements the client-side runtime for a server-hosted,
// sequence-numbered event log: idempotent producer-sequence appends, a
// durable reconnecting streaming tail, a canonical in-memory session log,
// and replayable subscriptions for UI components.
package tailclient

import (
	"errors"
	"fmt"
)

// Kind identifies a category of error from the taxonomy in spec §7.
type Kind string

const (
	KindConfig               Kind = "config"
	KindConnect              Kind = "connect"
	KindStream               Kind = "stream"
	KindRetryLimit           Kind = "retry_limit"
	KindTokenExpired         Kind = "token_expired"
	KindConsumerBackpressure Kind = "consumer_backpressure"
	KindLogGap               Kind = "log_gap"
	KindLogConflict          Kind = "log_conflict"
	KindCursorStore          Kind = "cursor_store"
	KindAPI                  Kind = "api"
	KindConnection           Kind = "connection"
)

// Error is the tail client's structured error type. Callers that need to
// branch on error category should use errors.As to obtain an *Error and
// inspect Kind, rather than string-matching messages.
type Error struct {
	Kind Kind
	// Attempts, CloseCode and CloseReason describe a retry limit or a
	// websocket close. No error built in this package sets them: the
	// live-sync KindTokenExpired error leaves them zero, and retry-limit
	// failures arrive as *tail.RetryLimitError instead.
	Attempts    int
	CloseCode   int
	CloseReason string
	// Status and Code are populated for KindAPI.
	Status int
	Code   string

	msg string
	err error
}

func (e *Error) Error() string {
	if e.msg != "" {
		if e.err != nil {
			return fmt.Sprintf("%s: %s", e.msg, e.err)
		}
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

// IsKind reports whether err is a tailclient *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// ErrTokenExpired is a sentinel satisfying errors.Is against any
// KindTokenExpired error produced by this package.
var ErrTokenExpired = &Error{Kind: KindTokenExpired}

// ErrConsumerBackpressure is a sentinel satisfying errors.Is against any
// KindConsumerBackpressure error produced by this package.
var ErrConsumerBackpressure = &Error{Kind: KindConsumerBackpressure}

// Is lets bare Kind sentinels (no message, no wrapped cause) match any
// *Error of the same Kind via errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te.msg != "" || te.err != nil {
		return false
	}
	return te.Kind == e.Kind
}
