package symbols

import (
	"strings"

	"subflow/internal/subscription"
)

// Market converts a canonical base/quote pair to the exchange's native market
// name. IBKR markets are contract ids and cannot be derived, so an empty
// string is returned and the caller must supply an explicit override.
func Market(exchange subscription.ExchangeID, base, quote string) string {
	base, quote = Asset(base), Asset(quote)
	switch exchange {
	case subscription.ExchangeBybit:
		return base + quote
	case subscription.ExchangeOkx:
		return base + "-" + quote
	case subscription.ExchangeIbkr:
		return ""
	default:
		return base + quote
	}
}

// Asset normalises an asset code: uppercase, trimmed and with legacy aliases
// such as XBT mapped to BTC.
func Asset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if alias, ok := assetAliases[code]; ok {
		return alias
	}
	return code
}

var assetAliases = map[string]string{
	"XBT": "BTC",
}

// Instrument builds a subscription.Instrument that names its markets through
// Market. An explicit market, when non-empty, overrides the derived name on
// the given exchange.
func Instrument(exchange subscription.ExchangeID, base, quote, market string) subscription.Instrument {
	inst := subscription.NewInstrument(Asset(base), Asset(quote))
	inst.Namer = Market
	if market != "" {
		inst = inst.WithMarket(exchange, market)
	}
	return inst
}

// Normalize strips exchange specific decoration from a native market name,
// returning the concatenated BASEQUOTE form.
func Normalize(exchange subscription.ExchangeID, sym string) string {
	sym = strings.ToUpper(sym)
	switch exchange {
	case subscription.ExchangeOkx:
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case subscription.ExchangeBybit:
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	}
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}
