package subscriber

import (
	"subflow/internal/socket"
	"subflow/internal/subscription"
)

// Mapper turns canonical subscriptions into a seeded correlation map and the
// ordered wire requests to send. It performs no I/O and cannot fail.
type Mapper[Key comparable, I subscription.InstrumentData[Key], K subscription.SubKind] interface {
	Map(subs []subscription.Subscription[I, K]) subscription.Meta[Key, socket.Frame]
}

// WebSocketSubMapper is the Mapper used for every supported exchange. Key
// prediction and request rendering are delegated to the exchange connector.
type WebSocketSubMapper[Key comparable, I subscription.InstrumentData[Key], K subscription.SubKind] struct {
	Exchange Connector[I, K]
}

// Map seeds one entry per distinct correlation key. A subscription is only
// dropped when both its key and its kind repeat an earlier one, so connectors
// that fold several kinds into one key still see every kind in Requests.
func (m WebSocketSubMapper[Key, I, K]) Map(subs []subscription.Subscription[I, K]) subscription.Meta[Key, socket.Frame] {
	type seen struct {
		key  subscription.Key
		kind string
	}
	instruments := subscription.NewMap[Key]()
	requested := make(map[seen]struct{}, len(subs))
	unique := make([]subscription.Subscription[I, K], 0, len(subs))
	for _, sub := range subs {
		key := m.Exchange.SubscriptionKey(sub)
		id := seen{key: key, kind: sub.Kind.String()}
		if _, dup := requested[id]; dup {
			continue
		}
		requested[id] = struct{}{}
		instruments.Seed(key, sub.Instrument.Key())
		unique = append(unique, sub)
	}

	var requests []socket.Frame
	if len(unique) > 0 {
		requests = m.Exchange.Requests(unique)
	}
	return subscription.Meta[Key, socket.Frame]{Map: instruments, Requests: requests}
}
