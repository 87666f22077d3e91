package subscription

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Rejected(SubscriptionRejected, "smd+265598", "conid not found")
	wrapped := fmt.Errorf("subscribe: %w", err)

	if !errors.Is(wrapped, ErrSubscriptionRejected) {
		t.Fatal("expected subscription rejected")
	}
	if errors.Is(wrapped, ErrSessionRejected) {
		t.Fatal("unexpected session rejected match")
	}
	if KindOf(wrapped) != SubscriptionRejected {
		t.Fatalf("kind: %s", KindOf(wrapped))
	}
	if KindOf(io.EOF) != Unknown {
		t.Fatal("plain error should be unknown")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: Transport, Exchange: ExchangeOkx, Reason: "send failed", Err: io.ErrClosedPipe}
	msg := err.Error()
	for _, part := range []string{"okx", "transport", "send failed", io.ErrClosedPipe.Error()} {
		if !strings.Contains(msg, part) {
			t.Errorf("message %q missing %q", msg, part)
		}
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatal("cause not unwrapped")
	}
}

func TestInstrumentMarket(t *testing.T) {
	inst := NewInstrument("btc", "usd")
	if inst.Key() != "BTC-USD" {
		t.Fatalf("key: %s", inst.Key())
	}
	if inst.Market(ExchangeBybit) != "BTCUSD" {
		t.Fatalf("default market: %s", inst.Market(ExchangeBybit))
	}
	withConid := inst.WithMarket(ExchangeIbkr, "265598")
	if withConid.Market(ExchangeIbkr) != "265598" {
		t.Fatalf("override: %s", withConid.Market(ExchangeIbkr))
	}
	if _, ok := inst.Markets[ExchangeIbkr]; ok {
		t.Fatal("WithMarket mutated the receiver")
	}
	named := inst
	named.Namer = func(_ ExchangeID, base, quote string) string { return base + "/" + quote }
	if named.Market(ExchangeOkx) != "BTC/USD" {
		t.Fatalf("namer: %s", named.Market(ExchangeOkx))
	}
}
