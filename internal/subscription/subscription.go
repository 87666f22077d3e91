// Package subscription holds the exchange agnostic data model shared by the
// mapper, validator and subscriber: canonical subscriptions, correlation keys,
// the correlation map and the error taxonomy.
package subscription

import (
	"fmt"
	"strings"
)

// ExchangeID names a supported exchange.
type ExchangeID string

const (
	ExchangeIbkr  ExchangeID = "ibkr"
	ExchangeBybit ExchangeID = "bybit"
	ExchangeOkx   ExchangeID = "okx"
)

// Kind is the stock set of data channels a caller can ask for. Callers are
// free to use their own kind type as long as it satisfies SubKind.
type Kind string

const (
	PublicTrades Kind = "public_trades"
	OrderBooksL1 Kind = "order_books_l1"
	OrderBooksL2 Kind = "order_books_l2"
)

func (k Kind) String() string { return string(k) }

// SubKind constrains subscription kind types. Connectors resolve a kind by
// its String form.
type SubKind interface {
	comparable
	fmt.Stringer
}

// Marketer renders the exchange native identifier used on the wire.
type Marketer interface {
	Market(exchange ExchangeID) string
}

// InstrumentData is the caller's description of an instrument. Key is the
// value stored in the correlation map.
type InstrumentData[Key comparable] interface {
	Marketer
	Key() Key
}

// Subscription is a canonical (exchange, instrument, kind) request.
type Subscription[I any, K SubKind] struct {
	Exchange   ExchangeID
	Instrument I
	Kind       K
}

func New[I any, K SubKind](exchange ExchangeID, instrument I, kind K) Subscription[I, K] {
	return Subscription[I, K]{Exchange: exchange, Instrument: instrument, Kind: kind}
}

func (s Subscription[I, K]) String() string {
	return fmt.Sprintf("%s|%v|%s", s.Exchange, s.Instrument, s.Kind)
}

// MarketNamer converts a canonical base/quote pair into an exchange native
// market name. internal/symbols provides the default implementation.
type MarketNamer func(exchange ExchangeID, base, quote string) string

// Instrument is the stock InstrumentData implementation keyed by its
// canonical "BASE-QUOTE" name. Markets holds per exchange overrides such as
// an IBKR contract id.
type Instrument struct {
	Base    string
	Quote   string
	Markets map[ExchangeID]string
	Namer   MarketNamer
}

func NewInstrument(base, quote string) Instrument {
	return Instrument{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// WithMarket returns a copy carrying an explicit exchange market name.
func (i Instrument) WithMarket(exchange ExchangeID, market string) Instrument {
	markets := make(map[ExchangeID]string, len(i.Markets)+1)
	for k, v := range i.Markets {
		markets[k] = v
	}
	markets[exchange] = market
	i.Markets = markets
	return i
}

func (i Instrument) Key() string {
	return i.Base + "-" + i.Quote
}

func (i Instrument) Market(exchange ExchangeID) string {
	if m, ok := i.Markets[exchange]; ok && m != "" {
		return m
	}
	if i.Namer != nil {
		return i.Namer(exchange, i.Base, i.Quote)
	}
	return i.Base + i.Quote
}

func (i Instrument) String() string {
	return i.Key()
}
