// Package subscriber opens an exchange socket, sends the subscription
// requests and waits until the exchange has confirmed every one of them.
// The result is an all-or-nothing Subscribed value: a live socket, a frozen
// correlation map and the frames that arrived during validation.
package subscriber

import (
	"context"
	"fmt"
	"time"

	"subflow/internal/metrics"
	"subflow/internal/socket"
	"subflow/internal/subscription"
	"subflow/logger"
)

// Subscribed is a successfully subscribed socket. Buffered must be processed
// before any further frame read from Conn.
type Subscribed[Key any] struct {
	Conn     socket.Conn
	Map      *subscription.Map[Key]
	Buffered []socket.Frame
}

// Subscriber drives the connect, map, send and validate pipeline for one
// exchange.
type Subscriber[Key comparable, I subscription.InstrumentData[Key], K subscription.SubKind] struct {
	Exchange  Connector[I, K]
	Socket    socket.Connector
	Mapper    Mapper[Key, I, K]
	Validator Validator[Key]
	log       *logger.Entry
}

// New wires the default mapper and validator for exchange.
func New[Key comparable, I subscription.InstrumentData[Key], K subscription.SubKind](
	exchange Connector[I, K], connector socket.Connector, timeout time.Duration,
) *Subscriber[Key, I, K] {
	return &Subscriber[Key, I, K]{
		Exchange:  exchange,
		Socket:    connector,
		Mapper:    WebSocketSubMapper[Key, I, K]{Exchange: exchange},
		Validator: NewWebSocketSubValidator[Key](exchange.ID(), exchange, timeout),
		log:       logger.GetLogger().WithExchange("subscriber", string(exchange.ID())),
	}
}

// Subscribe connects and subscribes to subs. On error no socket is left
// open and no partial map is returned.
func (s *Subscriber[Key, I, K]) Subscribe(ctx context.Context, subs []subscription.Subscription[I, K]) (*Subscribed[Key], error) {
	exchange := s.Exchange.ID()
	log := s.logger()
	metrics.IncSubscribeAttempt(string(exchange))

	out, err := s.subscribe(ctx, subs)
	if err != nil {
		kind := subscription.KindOf(err)
		metrics.IncSubscribeFailure(string(exchange), kind.String())
		log.WithError(err).WithField("kind", kind.String()).Error("subscribe failed")
		return nil, err
	}

	log.WithFields(logger.Fields{
		"subscriptions": out.Map.Len(),
		"buffered":      len(out.Buffered),
	}).Info("subscribed")
	log.LogMetric("subscriber", "subscriptions_confirmed", out.Map.Len(), "counter", logger.Fields{
		"exchange": string(exchange),
	})
	return out, nil
}

func (s *Subscriber[Key, I, K]) subscribe(ctx context.Context, subs []subscription.Subscription[I, K]) (*Subscribed[Key], error) {
	exchange := s.Exchange.ID()

	for _, sub := range subs {
		if sub.Exchange != exchange {
			return nil, &subscription.Error{
				Kind:     subscription.Unsupported,
				Exchange: exchange,
				Reason:   fmt.Sprintf("subscription %s targets %s", sub, sub.Exchange),
			}
		}
		if err := s.Exchange.Supports(sub); err != nil {
			return nil, annotate(subscription.Unsupported, exchange, err)
		}
	}

	url, err := s.Exchange.URL()
	if err != nil {
		return nil, annotate(subscription.Transport, exchange, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, &subscription.Error{Kind: subscription.Cancelled, Exchange: exchange, Err: err}
	}

	conn, err := s.Socket.Connect(ctx, url)
	if err != nil {
		return nil, annotate(subscription.Transport, exchange, err)
	}

	meta := s.Mapper.Map(subs)
	s.logger().WithFields(logger.Fields{
		"url":      url,
		"keys":     meta.Map.Len(),
		"requests": len(meta.Requests),
	}).Debug("sending subscription requests")

	for i, req := range meta.Requests {
		if err := conn.WriteFrame(ctx, req); err != nil {
			_ = conn.Close()
			e := annotate(subscription.Transport, exchange, err)
			e.Raw = req.Payload
			reason := fmt.Sprintf("send request %d of %d", i+1, len(meta.Requests))
			if e.Reason != "" {
				reason += ": " + e.Reason
			}
			e.Reason = reason
			return nil, e
		}
	}

	instruments, buffered, err := s.Validator.Validate(ctx, conn, meta.Map)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Subscribed[Key]{Conn: conn, Map: instruments, Buffered: buffered}, nil
}

func (s *Subscriber[Key, I, K]) logger() *logger.Entry {
	if s.log != nil {
		return s.log
	}
	return logger.GetLogger().WithExchange("subscriber", string(s.Exchange.ID()))
}

// annotate returns err as a *subscription.Error tagged with exchange. Errors
// that already carry a kind keep it; fallback is used otherwise.
func annotate(fallback subscription.ErrorKind, exchange subscription.ExchangeID, err error) *subscription.Error {
	if se, ok := err.(*subscription.Error); ok {
		out := *se
		if out.Kind == subscription.Unknown {
			out.Kind = fallback
		}
		if out.Exchange == "" {
			out.Exchange = exchange
		}
		return &out
	}
	return &subscription.Error{Kind: fallback, Exchange: exchange, Err: err}
}
