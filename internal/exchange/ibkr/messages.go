package ibkr

import (
	"bytes"
	"encoding/json"
	"strings"

	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
)

const (
	topicSystem = "system"
	topicTickle = "tic"
	// market data topics are "smd+<conid>"
	topicMarketDataPrefix = "smd+"
)

// SystemHeartbeat is the gateway's periodic liveness message.
//
//	{"topic":"system","hb":1729601500848}
type SystemHeartbeat struct {
	Topic     string `json:"topic"`
	Heartbeat int64  `json:"hb"`
}

func (h SystemHeartbeat) Validate() error {
	if h.Heartbeat <= 0 {
		return subscription.Rejected(subscription.SessionRejected, "", "heartbeat timestamp %d is not positive", h.Heartbeat)
	}
	return nil
}

func (h SystemHeartbeat) CorrelationKey() (subscription.Key, bool) { return "", false }

// SystemResponse is sent once the brokerage session is attached to the socket.
//
//	{"topic":"system","success":"alice","isFT":false,"isPaper":false}
type SystemResponse struct {
	Topic    string `json:"topic"`
	Username string `json:"success"`
	IsFT     bool   `json:"isFT"`
	IsPaper  bool   `json:"isPaper"`
}

func (r SystemResponse) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return subscription.Rejected(subscription.SessionRejected, "", "system connect response carries no username")
	}
	return nil
}

func (r SystemResponse) CorrelationKey() (subscription.Key, bool) { return "", false }

// TickleResponse answers a session keep-alive.
//
//	{"topic":"tic","alive":true,"id":"XXXXX","lastAccessed":1731507334085}
type TickleResponse struct {
	Topic        string `json:"topic"`
	Alive        bool   `json:"alive"`
	ID           string `json:"id"`
	LastAccessed int64  `json:"lastAccessed"`
}

func (t TickleResponse) Validate() error { return nil }

func (t TickleResponse) CorrelationKey() (subscription.Key, bool) {
	return subscription.Key(t.ID), t.ID != ""
}

// SubResponse is the first market data frame on an "smd+<conid>" topic. The
// gateway has no dedicated acknowledgement, so its arrival confirms the
// subscription unless it carries an error. The error is either a string or
// an object depending on gateway version.
type SubResponse struct {
	Topic string          `json:"topic"`
	Error json.RawMessage `json:"error,omitempty"`
}

func (r SubResponse) Validate() error {
	if reason, failed := r.errorReason(); failed {
		return subscription.Rejected(subscription.SubscriptionRejected, subscription.Key(r.Topic), "%s", reason)
	}
	return nil
}

// errorReason reports false for a missing, null or empty string error.
func (r SubResponse) errorReason() (string, bool) {
	raw := bytes.TrimSpace(r.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, text != ""
	}
	return string(raw), true
}

func (r SubResponse) CorrelationKey() (subscription.Key, bool) {
	return subscription.Key(r.Topic), r.Topic != ""
}

type envelope struct {
	Topic     string          `json:"topic"`
	Heartbeat json.RawMessage `json:"hb"`
}

// Classify maps a frame onto the gateway's message set. System messages are
// tried first, then tickles, then market data.
func Classify(frame socket.Frame) subscriber.Inbound {
	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return subscriber.Unrecognised()
	}

	switch {
	case env.Topic == topicSystem && len(env.Heartbeat) > 0:
		var msg SystemHeartbeat
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.Session("system_heartbeat", msg)

	case env.Topic == topicSystem:
		var msg SystemResponse
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.Session("system_response", msg)

	case env.Topic == topicTickle:
		var msg TickleResponse
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.Session("tickle", msg)

	case strings.HasPrefix(env.Topic, topicMarketDataPrefix):
		var msg SubResponse
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return subscriber.Unrecognised()
		}
		return subscriber.ReplayedSubResponse("sub_response", msg)

	default:
		return subscriber.Unrecognised()
	}
}

// StreamKey returns the "smd+<conid>" topic of a market data frame.
func StreamKey(frame socket.Frame) (subscription.Key, bool) {
	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil || !strings.HasPrefix(env.Topic, topicMarketDataPrefix) {
		return "", false
	}
	return subscription.Key(env.Topic), true
}
