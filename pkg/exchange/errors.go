package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies adapter failures for the layers above.
type Kind string

const (
	KindRejected        Kind = "REJECTED"         // validation, precision, exchange refusal
	KindThrottled       Kind = "THROTTLED"        // rate limited after retries
	KindTransient       Kind = "TRANSIENT"        // network/timeout; outcome unknown
	KindAuth            Kind = "AUTH"             // bad credentials or signature
	KindNotFound        Kind = "NOT_FOUND"        // order/symbol unknown at venue
	KindConflict        Kind = "CONFLICT"         // already cancelled/filled
	KindUnknownTerminal Kind = "UNKNOWN_TERMINAL" // venue reported an unmapped terminal state
)

// Error is the taxonomy surfaced by every gateway.
type Error struct {
	Exchange Name
	Kind     Kind
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Exchange, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Exchange, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified adapter error.
func NewError(ex Name, kind Kind, msg string, err error) *Error {
	return &Error{Exchange: ex, Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure kind; unclassified errors map to TRANSIENT for
// network shapes and REJECTED otherwise.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindRejected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ClassifyHTTP maps an HTTP status to a failure kind.
func ClassifyHTTP(status int) Kind {
	switch {
	// Binance serves 418 when a client keeps hammering past 429.
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindThrottled
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status >= 500:
		return KindTransient
	default:
		return KindRejected
	}
}
