// Package ibkr connects to the Interactive Brokers Client Portal gateway
// websocket. Instruments are addressed by contract id (conid), supplied as
// the instrument's IBKR market override.
package ibkr

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
)

const DefaultURL = "wss://localhost:5000/v1/api/ws"

// market data field codes per subscription kind
var fieldsByKind = map[subscription.Kind][]string{
	// last price, volume
	subscription.PublicTrades: {"31", "7762"},
	// last price, bid, ask size, ask, bid size
	subscription.OrderBooksL1: {"31", "84", "85", "86", "88"},
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

// compile time check against the stock instrument and kind
var _ subscriber.Connector[subscription.Instrument, subscription.Kind] = (*Connector[subscription.Instrument, subscription.Kind])(nil)

func (c *Connector[I, K]) ID() subscription.ExchangeID { return subscription.ExchangeIbkr }

func (c *Connector[I, K]) URL() (string, error) { return c.url, nil }

func (c *Connector[I, K]) Supports(sub subscription.Subscription[I, K]) error {
	if _, ok := fieldsByKind[subscription.Kind(sub.Kind.String())]; !ok {
		return subscription.Rejected(subscription.Unsupported, "", "ibkr does not offer %s", sub.Kind)
	}
	conid := sub.Instrument.Market(subscription.ExchangeIbkr)
	if _, err := strconv.ParseUint(conid, 10, 64); err != nil {
		return subscription.Rejected(subscription.Unsupported, "", "ibkr market %q is not a contract id", conid)
	}
	return nil
}

func (c *Connector[I, K]) SubscriptionKey(sub subscription.Subscription[I, K]) subscription.Key {
	return subscription.Key(topicMarketDataPrefix + sub.Instrument.Market(subscription.ExchangeIbkr))
}

// Requests renders one "smd+<conid>+{fields}" frame per conid, in first
// seen order. Kinds requested on the same conid are merged into one field
// list since the gateway keeps a single stream per contract.
func (c *Connector[I, K]) Requests(subs []subscription.Subscription[I, K]) []socket.Frame {
	var order []subscription.Key
	fields := make(map[subscription.Key][]string)
	for _, sub := range subs {
		key := c.SubscriptionKey(sub)
		if _, ok := fields[key]; !ok {
			order = append(order, key)
		}
		fields[key] = mergeFields(fields[key], fieldsByKind[subscription.Kind(sub.Kind.String())])
	}

	out := make([]socket.Frame, 0, len(order))
	for _, key := range order {
		args, _ := json.Marshal(struct {
			Fields []string `json:"fields"`
		}{Fields: fields[key]})
		out = append(out, socket.Text(fmt.Sprintf("%s+%s", key, args)))
	}
	return out
}

func mergeFields(have, add []string) []string {
	for _, f := range add {
		if !slices.Contains(have, f) {
			have = append(have, f)
		}
	}
	return have
}

func (c *Connector[I, K]) Classify(frame socket.Frame) subscriber.Inbound { return Classify(frame) }

func (c *Connector[I, K]) StreamKey(frame socket.Frame) (subscription.Key, bool) { return StreamKey(frame) }
