package reader

import (
	"fmt"

	appconfig "subflow/config"
	"subflow/internal/channel"
	"subflow/internal/exchange/bybit"
	"subflow/internal/exchange/ibkr"
	"subflow/internal/exchange/okx"
	"subflow/internal/socket"
	"subflow/internal/subscription"
)

// NewSource builds the connector for exchange pointed at url, or at the
// exchange default when url is empty.
func NewSource(exchange subscription.ExchangeID, url string) (Source, error) {
	switch exchange {
	case subscription.ExchangeIbkr:
		return ibkr.NewConnector[subscription.Instrument, subscription.Kind](url), nil
	case subscription.ExchangeBybit:
		return bybit.NewConnector[subscription.Instrument, subscription.Kind](url), nil
	case subscription.ExchangeOkx:
		return okx.NewConnector[subscription.Instrument, subscription.Kind](url), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
}

func options(cfg *appconfig.Config, label string) Options {
	return Options{
		Timeout:             cfg.Subscriber.Timeout,
		PingInterval:        cfg.Subscriber.PingInterval,
		ReconnectDelay:      cfg.Stream.ReconnectDelay,
		MaxReconnectDelay:   cfg.Stream.MaxReconnectDelay,
		ReconnectsPerMinute: cfg.Stream.ReconnectsPerMinute,
		Label:               label,
	}
}

func dialer(cfg *appconfig.Config, localIP string) *socket.Dialer {
	return socket.NewDialer(socket.DialerConfig{
		HandshakeTimeout: cfg.Subscriber.HandshakeTimeout,
		WriteTimeout:     cfg.Subscriber.WriteTimeout,
		ReadBufferSize:   cfg.Subscriber.ReadBufferBytes,
		WriteBufferSize:  cfg.Subscriber.WriteBufferBytes,
		LocalIP:          localIP,
	})
}

// FromConfig builds one reader per enabled exchange. When shards are given
// every shard gets its own reader per exchange, dialed from the shard IP,
// and the source subscription lists are ignored.
func FromConfig(cfg *appconfig.Config, shards *appconfig.IPShards, ch *channel.Channels) ([]*Reader, error) {
	var readers []*Reader
	for _, exchange := range []subscription.ExchangeID{subscription.ExchangeIbkr, subscription.ExchangeBybit, subscription.ExchangeOkx} {
		src := cfg.Source.ByExchange()[exchange]
		if !src.Enabled {
			continue
		}

		if shards == nil || len(shards.Shards) == 0 {
			source, err := NewSource(exchange, src.URL)
			if err != nil {
				return nil, err
			}
			subs := appconfig.BuildSubscriptions(exchange, src.Subscriptions)
			readers = append(readers, NewReader(source, dialer(cfg, cfg.Subscriber.LocalIP), ch, subs, options(cfg, "")))
			continue
		}

		for _, shard := range shards.Shards {
			entries := shard.ByExchange()[exchange]
			if len(entries) == 0 {
				continue
			}
			source, err := NewSource(exchange, src.URL)
			if err != nil {
				return nil, err
			}
			subs := appconfig.BuildSubscriptions(exchange, entries)
			readers = append(readers, NewReader(source, dialer(cfg, shard.IP), ch, subs, options(cfg, shard.IP)))
		}
	}
	if len(readers) == 0 {
		return nil, fmt.Errorf("no readers configured")
	}
	return readers, nil
}
