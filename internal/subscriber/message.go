package subscriber

import (
	"subflow/internal/socket"
	"subflow/internal/subscription"
)

// ValidatableMessage is an exchange message that was decoded successfully
// and can still fail semantic validation.
type ValidatableMessage interface {
	// Validate returns nil when the message signals success.
	Validate() error
	// CorrelationKey identifies the pending subscription the message answers.
	// Pure session messages report false.
	CorrelationKey() (subscription.Key, bool)
}

// Class tells the validator what to do with a frame.
type Class int

const (
	// ClassUnknown frames are buffered for the caller unmodified.
	ClassUnknown Class = iota
	// ClassSession frames (heartbeats, keep-alives, session connect) are
	// validated and consumed.
	ClassSession
	// ClassSubResponse frames confirm or reject one pending subscription.
	ClassSubResponse
)

func (c Class) String() string {
	switch c {
	case ClassSession:
		return "session"
	case ClassSubResponse:
		return "sub_response"
	default:
		return "unknown"
	}
}

// Inbound is the result of classifying a frame against an exchange's closed
// set of message variants.
type Inbound struct {
	Class   Class
	Name    string
	Message ValidatableMessage
	// Replay keeps a confirming frame for the caller. Set for exchanges whose
	// acknowledgement is the first market data frame itself.
	Replay bool
}

// Unrecognised is returned by classifiers for frames outside the protocol.
func Unrecognised() Inbound {
	return Inbound{Class: ClassUnknown, Name: "unrecognised"}
}

func Session(name string, msg ValidatableMessage) Inbound {
	return Inbound{Class: ClassSession, Name: name, Message: msg}
}

func SubResponse(name string, msg ValidatableMessage) Inbound {
	return Inbound{Class: ClassSubResponse, Name: name, Message: msg}
}

// ReplayedSubResponse is a SubResponse that also carries market data.
func ReplayedSubResponse(name string, msg ValidatableMessage) Inbound {
	return Inbound{Class: ClassSubResponse, Name: name, Message: msg, Replay: true}
}

// Classifier interprets a raw frame as one of an exchange's known message
// variants. Protocol internal variants take precedence over subscription
// responses. Frames that decode as nothing known are ClassUnknown.
type Classifier interface {
	Classify(frame socket.Frame) Inbound
}

type ClassifierFunc func(frame socket.Frame) Inbound

func (f ClassifierFunc) Classify(frame socket.Frame) Inbound { return f(frame) }

// Connector describes one exchange to the subscriber: where to connect, how to
// phrase subscriptions on the wire, which correlation key each subscription
// will be acknowledged under and how to read the replies.
type Connector[I subscription.Marketer, K subscription.SubKind] interface {
	Classifier
	ID() subscription.ExchangeID
	URL() (string, error)
	// Supports returns an error when sub cannot be served.
	Supports(sub subscription.Subscription[I, K]) error
	// SubscriptionKey predicts the correlation key for sub.
	SubscriptionKey(sub subscription.Subscription[I, K]) subscription.Key
	// Requests renders the wire requests for subs, preserving their order.
	// One request may cover several subscriptions, and subs sharing a
	// correlation key differ only in kind.
	Requests(subs []subscription.Subscription[I, K]) []socket.Frame
}

// StreamKeyer is implemented by connectors whose live market data frames can
// be traced back to a correlation key, letting callers resolve them through
// the subscription map.
type StreamKeyer interface {
	StreamKey(frame socket.Frame) (subscription.Key, bool)
}
