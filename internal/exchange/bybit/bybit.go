// Package bybit connects to the Bybit v5 public websocket streams.
package bybit

import (
	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"

	"github.com/google/uuid"
)

const (
	SpotURL   = "wss://stream.bybit.com/v5/public/spot"
	LinearURL = "wss://stream.bybit.com/v5/public/linear"
)

var topicByKind = map[subscription.Kind]string{
	subscription.PublicTrades: "publicTrade",
	subscription.OrderBooksL1: "orderbook.1",
	subscription.OrderBooksL2: "orderbook.50",
}

// requestNamespace seeds the name based req_id of each topic.
var requestNamespace = uuid.MustParse("5d4c3ab4-2bd1-4c0f-9a1e-0f6b8f1b9e21")

type Connector[I subscription.Marketer, K subscription.SubKind] struct {
	url string
}

func NewConnector[I subscription.Marketer, K subscription.SubKind](url string) *Connector[I, K] {
	if url == "" {
		url = SpotURL
	}
	return &Connector[I, K]{url: url}
}

var _ subscriber.Connector[subscription.Instrument, subscription.Kind] = (*Connector[subscription.Instrument, subscription.Kind])(nil)

func (c *Connector[I, K]) ID() subscription.ExchangeID { return subscription.ExchangeBybit }

func (c *Connector[I, K]) URL() (string, error) { return c.url, nil }

func (c *Connector[I, K]) Supports(sub subscription.Subscription[I, K]) error {
	if _, ok := topicByKind[subscription.Kind(sub.Kind.String())]; !ok {
		return subscription.Rejected(subscription.Unsupported, "", "bybit does not offer %s", sub.Kind)
	}
	if sub.Instrument.Market(subscription.ExchangeBybit) == "" {
		return subscription.Rejected(subscription.Unsupported, "", "bybit market name is empty")
	}
	return nil
}

// Topic returns the stream topic for sub, e.g. "orderbook.1.BTCUSDT".
func (c *Connector[I, K]) Topic(sub subscription.Subscription[I, K]) string {
	return topicByKind[subscription.Kind(sub.Kind.String())] + "." + sub.Instrument.Market(subscription.ExchangeBybit)
}

// SubscriptionKey is the req_id sent with the subscription: a UUID derived
// from the topic, so the mapper and the request renderer agree on it.
func (c *Connector[I, K]) SubscriptionKey(sub subscription.Subscription[I, K]) subscription.Key {
	return subscription.Key(RequestID(c.Topic(sub)))
}

func RequestID(topic string) string {
	return uuid.NewSHA1(requestNamespace, []byte(topic)).String()
}

type request struct {
	Op    string   `json:"op"`
	Args  []string `json:"args"`
	ReqID string   `json:"req_id"`
}

// Requests renders one subscribe op per subscription so every topic is
// acknowledged under its own req_id.
func (c *Connector[I, K]) Requests(subs []subscription.Subscription[I, K]) []socket.Frame {
	out := make([]socket.Frame, 0, len(subs))
	for _, sub := range subs {
		topic := c.Topic(sub)
		frame, err := socket.JSON(request{Op: "subscribe", Args: []string{topic}, ReqID: RequestID(topic)})
		if err != nil {
			continue
		}
		out = append(out, frame)
	}
	return out
}

func (c *Connector[I, K]) Classify(frame socket.Frame) subscriber.Inbound { return Classify(frame) }

func (c *Connector[I, K]) StreamKey(frame socket.Frame) (subscription.Key, bool) { return StreamKey(frame) }
