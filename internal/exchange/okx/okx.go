// Package okx connects to the OKX v5 public websocket.
package okx

import (
	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
)

const DefaultURL = "wss://ws.okx.com:8443/ws/v5/public"

var channelByKind = map[subscription.Kind]string{
	subscription.PublicTrades: "trades",
	subscription.OrderBooksL1: "bbo-tbt",
	subscription.OrderBooksL2: "books",
}

// Arg identifies one channel of one instrument. It is both the request
// argument and the body of the acknowledgement.
type Arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a Arg) Key() subscription.Key {
	return subscription.Key(a.Channel + ":" + a.InstID)
}

type Connector[I subscription.Marketer, K subscription.SubKind] struct {
	url string
}

func NewConnector[I subscription.Marketer, K subscription.SubKind](url string) *Connector[I, K] {
	if url == "" {
		url = DefaultURL
	}
	return &Connector[I, K]{url: url}
}

var _ subscriber.Connector[subscription.Instrument, subscription.Kind] = (*Connector[subscription.Instrument, subscription.Kind])(nil)

func (c *Connector[I, K]) ID() subscription.ExchangeID { return subscription.ExchangeOkx }

func (c *Connector[I, K]) URL() (string, error) { return c.url, nil }

func (c *Connector[I, K]) Supports(sub subscription.Subscription[I, K]) error {
	if _, ok := channelByKind[subscription.Kind(sub.Kind.String())]; !ok {
		return subscription.Rejected(subscription.Unsupported, "", "okx does not offer %s", sub.Kind)
	}
	if sub.Instrument.Market(subscription.ExchangeOkx) == "" {
		return subscription.Rejected(subscription.Unsupported, "", "okx instrument id is empty")
	}
	return nil
}

func (c *Connector[I, K]) arg(sub subscription.Subscription[I, K]) Arg {
	return Arg{
		Channel: channelByKind[subscription.Kind(sub.Kind.String())],
		InstID:  sub.Instrument.Market(subscription.ExchangeOkx),
	}
}

func (c *Connector[I, K]) SubscriptionKey(sub subscription.Subscription[I, K]) subscription.Key {
	return c.arg(sub).Key()
}

type request struct {
	Op   string `json:"op"`
	Args []Arg  `json:"args"`
}

// Requests batches every subscription into a single subscribe op. OKX still
// acknowledges each arg separately.
func (c *Connector[I, K]) Requests(subs []subscription.Subscription[I, K]) []socket.Frame {
	args := make([]Arg, 0, len(subs))
	for _, sub := range subs {
		args = append(args, c.arg(sub))
	}
	frame, err := socket.JSON(request{Op: "subscribe", Args: args})
	if err != nil {
		return nil
	}
	return []socket.Frame{frame}
}

func (c *Connector[I, K]) Classify(frame socket.Frame) subscriber.Inbound { return Classify(frame) }

func (c *Connector[I, K]) StreamKey(frame socket.Frame) (subscription.Key, bool) { return StreamKey(frame) }
