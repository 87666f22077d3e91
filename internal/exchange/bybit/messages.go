package bybit

import (
	"encoding/json"

	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
)

// SubResponse acknowledges one subscribe op.
//
//	{"success":true,"ret_msg":"","conn_id":"c1","req_id":"<uuid>","op":"subscribe"}
type SubResponse struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
	ReqID   string `json:"req_id"`
}

func (r SubResponse) Validate() error {
	if !r.Success {
		reason := r.RetMsg
		if reason == "" {
			reason = "subscribe not successful"
		}
		return subscription.Rejected(subscription.SubscriptionRejected, subscription.Key(r.ReqID), "%s", reason)
	}
	return nil
}

func (r SubResponse) CorrelationKey() (subscription.Key, bool) {
	return subscription.Key(r.ReqID), r.ReqID != ""
}

// KeepAlive is the server's answer to a ping op.
type KeepAlive struct {
	Op     string `json:"op"`
	RetMsg string `json:"ret_msg"`
	ConnID string `json:"conn_id"`
}

func (KeepAlive) Validate() error { return nil }

func (KeepAlive) CorrelationKey() (subscription.Key, bool) { return "", false }

type envelope struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

// Classify treats anything carrying a topic as stream data.
func Classify(frame socket.Frame) subscriber.Inbound {
	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil || env.Topic != "" {
		return subscriber.Unrecognised()
	}

	switch env.Op {
	case "ping", "pong":
		var msg KeepAlive
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.Session("keep_alive", msg)
	case "subscribe":
		var msg SubResponse
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.SubResponse("sub_response", msg)
	default:
		return subscriber.Unrecognised()
	}
}

// StreamKey maps a data frame's topic back to the req_id it was subscribed
// under.
func StreamKey(frame socket.Frame) (subscription.Key, bool) {
	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil || env.Topic == "" {
		return "", false
	}
	return subscription.Key(RequestID(env.Topic)), true
}
