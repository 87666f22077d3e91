package subscription

import (
	"errors"
	"fmt"
)

// ErrorKind classifies subscribe failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	// Transport covers socket connect, send and receive failures.
	Transport
	// Malformed frames are buffered, never fatal; the kind exists so
	// classifiers can report why a frame was not understood.
	Malformed
	SessionRejected
	SubscriptionRejected
	Timeout
	ConnectionClosed
	Cancelled
	// Unsupported is returned before any I/O when a subscription cannot be
	// served by the chosen connector.
	Unsupported
	Unidentifiable
)

var kindNames = map[ErrorKind]string{
	Unknown:              "unknown",
	Transport:            "transport",
	Malformed:            "malformed",
	SessionRejected:      "session_rejected",
	SubscriptionRejected: "subscription_rejected",
	Timeout:              "timeout",
	ConnectionClosed:     "connection_closed",
	Cancelled:            "cancelled",
	Unsupported:          "unsupported",
	Unidentifiable:       "unidentifiable",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrTransport            = &Error{Kind: Transport}
	ErrMalformed            = &Error{Kind: Malformed}
	ErrSessionRejected      = &Error{Kind: SessionRejected}
	ErrSubscriptionRejected = &Error{Kind: SubscriptionRejected}
	ErrTimeout              = &Error{Kind: Timeout}
	ErrConnectionClosed     = &Error{Kind: ConnectionClosed}
	ErrCancelled            = &Error{Kind: Cancelled}
	ErrUnsupported          = &Error{Kind: Unsupported}
	ErrUnidentifiable       = &Error{Kind: Unidentifiable}
)

// Error is the single error value surfaced by a failed subscribe. Key and Raw
// identify the offending correlation key or frame when there is one.
type Error struct {
	Kind     ErrorKind
	Exchange ExchangeID
	Key      Key
	Raw      []byte
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Exchange != "" {
		msg = string(e.Exchange) + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %s)", e.Key)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the ErrorKind carried by err, or Unknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind ErrorKind, err error, reason string) *Error {
	return &Error{Kind: kind, Err: err, Reason: reason}
}

// Rejected builds the error returned by a message that failed validation.
func Rejected(kind ErrorKind, key Key, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Key: key, Reason: fmt.Sprintf(format, args...)}
}
