package okx

import (
	"encoding/json"
	"strings"

	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
)

// SubResponse is either a subscribe acknowledgement or an error event.
//
//	{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"},"connId":"a4d3ae55"}
//	{"event":"error","code":"60018","msg":"Wrong URL or channel:trades,instId:FOO-USDT doesn't exist.","connId":"a4d3ae55"}
type SubResponse struct {
	Event  string `json:"event"`
	Arg    *Arg   `json:"arg,omitempty"`
	Code   string `json:"code,omitempty"`
	Msg    string `json:"msg,omitempty"`
	ConnID string `json:"connId"`
}

func (r SubResponse) Validate() error {
	if r.Event == "error" {
		key, _ := r.CorrelationKey()
		return subscription.Rejected(subscription.SubscriptionRejected, key, "code %s: %s", r.Code, r.Msg)
	}
	return nil
}

func (r SubResponse) CorrelationKey() (subscription.Key, bool) {
	if r.Arg == nil {
		return "", false
	}
	return r.Arg.Key(), true
}

// Pong answers a text "ping".
type Pong struct{}

func (Pong) Validate() error { return nil }

func (Pong) CorrelationKey() (subscription.Key, bool) { return "", false }

type envelope struct {
	Event string `json:"event"`
}

func Classify(frame socket.Frame) subscriber.Inbound {
	if strings.TrimSpace(string(frame.Payload)) == "pong" {
		return subscriber.Session("pong", Pong{})
	}

	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return subscriber.Unrecognised()
	}
	switch env.Event {
	case "subscribe", "error":
		var msg SubResponse
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.SubResponse("sub_response", msg)
	default:
		return subscriber.Unrecognised()
	}
}

// StreamKey returns the key of the arg a push data frame belongs to.
func StreamKey(frame socket.Frame) (subscription.Key, bool) {
	var push struct {
		Event string `json:"event"`
		Arg   *Arg   `json:"arg"`
	}
	if err := json.Unmarshal(frame.Payload, &push); err != nil || push.Event != "" || push.Arg == nil {
		return "", false
	}
	return push.Arg.Key(), true
}
