package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"subflow/internal/socket"
	"subflow/internal/socket/sockettest"
	"subflow/internal/subscription"
	"subflow/logger"
)

const fakeExchangeID subscription.ExchangeID = "fake"

func TestMain(m *testing.M) {
	logger.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

type ackMessage struct {
	key    string
	reason string
}

func (a ackMessage) Validate() error {
	if a.reason != "" {
		return subscription.Rejected(subscription.SubscriptionRejected, subscription.Key(a.key), "%s", a.reason)
	}
	return nil
}

func (a ackMessage) CorrelationKey() (subscription.Key, bool) {
	return subscription.Key(a.key), true
}

type heartbeatMessage struct{ seq int64 }

func (h heartbeatMessage) Validate() error {
	if h.seq <= 0 {
		return subscription.Rejected(subscription.SessionRejected, "", "invalid heartbeat %d", h.seq)
	}
	return nil
}

func (h heartbeatMessage) CorrelationKey() (subscription.Key, bool) { return "", false }

// fakeExchange acknowledges each subscription with {"ack":"<kind>|<market>"}.
type fakeExchange struct {
	unsupported subscription.Kind
	urlErr      error
}

func (f *fakeExchange) ID() subscription.ExchangeID { return fakeExchangeID }

func (f *fakeExchange) URL() (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "wss://fake.test/ws", nil
}

func (f *fakeExchange) Supports(sub subscription.Subscription[subscription.Instrument, subscription.Kind]) error {
	if sub.Kind == f.unsupported {
		return subscription.Rejected(subscription.Unsupported, "", "kind %s not offered", sub.Kind)
	}
	return nil
}

func (f *fakeExchange) SubscriptionKey(sub subscription.Subscription[subscription.Instrument, subscription.Kind]) subscription.Key {
	return subscription.Key(sub.Kind.String() + "|" + sub.Instrument.Market(fakeExchangeID))
}

func (f *fakeExchange) Requests(subs []subscription.Subscription[subscription.Instrument, subscription.Kind]) []socket.Frame {
	out := make([]socket.Frame, 0, len(subs))
	for _, sub := range subs {
		out = append(out, socket.Text("subscribe "+string(f.SubscriptionKey(sub))))
	}
	return out
}

func (f *fakeExchange) Classify(frame socket.Frame) Inbound {
	var msg struct {
		Ack   *string `json:"ack"`
		Error string  `json:"error"`
		HB    *int64  `json:"hb"`
	}
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		return Unrecognised()
	}
	switch {
	case msg.HB != nil:
		return Session("heartbeat", heartbeatMessage{seq: *msg.HB})
	case msg.Ack != nil:
		return SubResponse("ack", ackMessage{key: *msg.Ack, reason: msg.Error})
	default:
		return Unrecognised()
	}
}

type testSubscriber = Subscriber[string, subscription.Instrument, subscription.Kind]

func newTestSubscriber(ex *fakeExchange, conn *sockettest.Conn, timeout time.Duration) (*testSubscriber, *sockettest.Connector) {
	connector := &sockettest.Connector{Conn: conn}
	return New[string, subscription.Instrument, subscription.Kind](ex, connector, timeout), connector
}

func sub(base, quote string, kind subscription.Kind) subscription.Subscription[subscription.Instrument, subscription.Kind] {
	return subscription.New(fakeExchangeID, subscription.NewInstrument(base, quote), kind)
}

func ack(key string) string { return `{"ack":"` + key + `"}` }

func payloads(frames []socket.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f.Payload)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubscribeConfirmsAcksInAnyOrder(t *testing.T) {
	subs := []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("btc", "usdt", subscription.PublicTrades),
		sub("eth", "usdt", subscription.PublicTrades),
		sub("btc", "usdt", subscription.OrderBooksL1),
	}
	keys := []string{"public_trades|BTCUSDT", "public_trades|ETHUSDT", "order_books_l1|BTCUSDT"}

	orders := map[string][]int{
		"in order":  {0, 1, 2},
		"reversed":  {2, 1, 0},
		"scrambled": {1, 2, 0},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			frames := make([]string, 0, len(order))
			for _, i := range order {
				frames = append(frames, ack(keys[i]))
			}
			conn := sockettest.New(frames...)
			s, connector := newTestSubscriber(&fakeExchange{}, conn, time.Second)

			out, err := s.Subscribe(context.Background(), subs)
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			if out.Map.Len() != 3 || !out.Map.Complete() || !out.Map.Frozen() {
				t.Fatalf("unexpected map state: len=%d complete=%v frozen=%v", out.Map.Len(), out.Map.Complete(), out.Map.Frozen())
			}
			for _, k := range keys {
				if !out.Map.IsConfirmed(subscription.Key(k)) {
					t.Errorf("key %s not confirmed", k)
				}
			}
			if len(out.Buffered) != 0 {
				t.Errorf("expected no buffered frames, got %v", payloads(out.Buffered))
			}
			if conn.Closed() {
				t.Error("socket closed on success")
			}
			if len(connector.URLs) != 1 || connector.URLs[0] != "wss://fake.test/ws" {
				t.Errorf("unexpected connect URLs %v", connector.URLs)
			}

			want := []string{"subscribe " + keys[0], "subscribe " + keys[1], "subscribe " + keys[2]}
			if got := conn.Written(); !equalStrings(got, want) {
				t.Errorf("requests = %v, want %v", got, want)
			}
		})
	}
}

func TestSubscribeMapResolvesInstrumentKeys(t *testing.T) {
	conn := sockettest.New(ack("public_trades|ETHUSD"), ack("public_trades|BTCUSD"))
	s, _ := newTestSubscriber(&fakeExchange{}, conn, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("BTC", "USD", subscription.PublicTrades),
		sub("ETH", "USD", subscription.PublicTrades),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	got, err := out.Map.Find("public_trades|BTCUSD")
	if err != nil || got != "BTC-USD" {
		t.Fatalf("Find = %q, %v", got, err)
	}
	if _, err := out.Map.Find("public_trades|SOLUSD"); !errors.Is(err, subscription.ErrUnidentifiable) {
		t.Fatalf("expected unidentifiable error, got %v", err)
	}
}

func TestSubscribeTwoAcksAndHeartbeatBufferNothing(t *testing.T) {
	conn := sockettest.New(
		ack("public_trades|BTCUSD"),
		`{"hb":1729601500848}`,
		ack("public_trades|ETHUSD"),
	)
	s, _ := newTestSubscriber(&fakeExchange{}, conn, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("BTC", "USD", subscription.PublicTrades),
		sub("ETH", "USD", subscription.PublicTrades),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if out.Map.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", out.Map.Len())
	}
	if len(out.Buffered) != 0 {
		t.Fatalf("expected zero buffered frames, got %v", payloads(out.Buffered))
	}
}

func TestSubscribeBuffersUnknownFramesInArrivalOrder(t *testing.T) {
	conn := sockettest.New(
		`{"trade":"public_trades|BTCUSD","px":1}`,
		ack("public_trades|BTCUSD"),
		`not json`,
		`{"trade":"public_trades|ETHUSD","px":2}`,
		ack("public_trades|ETHUSD"),
	)
	s, _ := newTestSubscriber(&fakeExchange{}, conn, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("BTC", "USD", subscription.PublicTrades),
		sub("ETH", "USD", subscription.PublicTrades),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := []string{
		`{"trade":"public_trades|BTCUSD","px":1}`,
		`not json`,
		`{"trade":"public_trades|ETHUSD","px":2}`,
	}
	if got := payloads(out.Buffered); !equalStrings(got, want) {
		t.Fatalf("buffered = %v, want %v", got, want)
	}
}

func TestSubscribeDuplicateAndStrayAcksAreBuffered(t *testing.T) {
	conn := sockettest.New(
		ack("public_trades|BTCUSD"),
		ack("public_trades|BTCUSD"),
		ack("public_trades|DOGEUSD"),
		ack("public_trades|ETHUSD"),
	)
	s, _ := newTestSubscriber(&fakeExchange{}, conn, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("BTC", "USD", subscription.PublicTrades),
		sub("ETH", "USD", subscription.PublicTrades),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if out.Map.Len() != 2 || !out.Map.Complete() {
		t.Fatalf("unexpected map: len=%d complete=%v", out.Map.Len(), out.Map.Complete())
	}

	want := []string{ack("public_trades|BTCUSD"), ack("public_trades|DOGEUSD")}
	if got := payloads(out.Buffered); !equalStrings(got, want) {
		t.Fatalf("buffered = %v, want %v", got, want)
	}
}

func TestSubscribeDeduplicatesSubscriptions(t *testing.T) {
	conn := sockettest.New(ack("public_trades|BTCUSD"))
	s, _ := newTestSubscriber(&fakeExchange{}, conn, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("BTC", "USD", subscription.PublicTrades),
		sub("btc", "usd", subscription.PublicTrades),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if out.Map.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", out.Map.Len())
	}
	if got := conn.Written(); len(got) != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}

func TestSubscribeEmpty(t *testing.T) {
	conn := sockettest.New()
	s, _ := newTestSubscriber(&fakeExchange{}, conn, time.Second)

	out, err := s.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if out.Map.Len() != 0 || !out.Map.Frozen() {
		t.Fatalf("expected empty frozen map, got len=%d frozen=%v", out.Map.Len(), out.Map.Frozen())
	}
	if len(conn.Written()) != 0 {
		t.Fatalf("unexpected requests %v", conn.Written())
	}
}

func TestSubscribeFailures(t *testing.T) {
	btc := sub("BTC", "USD", subscription.PublicTrades)
	eth := sub("ETH", "USD", subscription.PublicTrades)

	tests := []struct {
		name      string
		exchange  *fakeExchange
		conn      func() *sockettest.Conn
		subs      []subscription.Subscription[subscription.Instrument, subscription.Kind]
		timeout   time.Duration
		kind      subscription.ErrorKind
		key       subscription.Key
		raw       string
		connected bool
	}{
		{
			name: "subscription rejected",
			conn: func() *sockettest.Conn {
				return sockettest.New(ack("public_trades|BTCUSD"), `{"ack":"public_trades|ETHUSD","error":"unknown symbol"}`)
			},
			subs:      []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc, eth},
			kind:      subscription.SubscriptionRejected,
			key:       "public_trades|ETHUSD",
			raw:       `{"ack":"public_trades|ETHUSD","error":"unknown symbol"}`,
			connected: true,
		},
		{
			name: "session rejected",
			conn: func() *sockettest.Conn {
				return sockettest.New(`{"hb":0}`, ack("public_trades|BTCUSD"))
			},
			subs:      []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc},
			kind:      subscription.SessionRejected,
			raw:       `{"hb":0}`,
			connected: true,
		},
		{
			name: "timeout waiting for ack",
			conn: func() *sockettest.Conn {
				return sockettest.New(ack("public_trades|BTCUSD"))
			},
			subs:      []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc, eth},
			timeout:   50 * time.Millisecond,
			kind:      subscription.Timeout,
			connected: true,
		},
		{
			name: "connection closed",
			conn: func() *sockettest.Conn {
				return sockettest.New(ack("public_trades|BTCUSD")).Closing()
			},
			subs:      []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc, eth},
			kind:      subscription.ConnectionClosed,
			connected: true,
		},
		{
			name: "send failure",
			conn: func() *sockettest.Conn {
				c := sockettest.New()
				c.WriteErr = errors.New("broken pipe")
				c.FailWriteAfter = 2
				return c
			},
			subs:      []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc, eth},
			kind:      subscription.Transport,
			raw:       "subscribe public_trades|ETHUSD",
			connected: true,
		},
		{
			name:     "unsupported kind",
			exchange: &fakeExchange{unsupported: subscription.OrderBooksL2},
			conn:     func() *sockettest.Conn { return sockettest.New() },
			subs:     []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc, sub("BTC", "USD", subscription.OrderBooksL2)},
			kind:     subscription.Unsupported,
		},
		{
			name: "wrong exchange",
			conn: func() *sockettest.Conn { return sockettest.New() },
			subs: []subscription.Subscription[subscription.Instrument, subscription.Kind]{
				subscription.New(subscription.ExchangeOkx, subscription.NewInstrument("BTC", "USDT"), subscription.PublicTrades),
			},
			kind: subscription.Unsupported,
		},
		{
			name:     "url failure",
			exchange: &fakeExchange{urlErr: errors.New("no endpoint")},
			conn:     func() *sockettest.Conn { return sockettest.New() },
			subs:     []subscription.Subscription[subscription.Instrument, subscription.Kind]{btc},
			kind:     subscription.Transport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := tt.exchange
			if ex == nil {
				ex = &fakeExchange{}
			}
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			conn := tt.conn()
			s, connector := newTestSubscriber(ex, conn, timeout)

			out, err := s.Subscribe(context.Background(), tt.subs)
			if err == nil {
				t.Fatalf("expected error, got %+v", out)
			}
			if out != nil {
				t.Fatalf("expected no result on failure, got %+v", out)
			}

			var se *subscription.Error
			if !errors.As(err, &se) {
				t.Fatalf("expected *subscription.Error, got %T", err)
			}
			if se.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s (%v)", se.Kind, tt.kind, err)
			}
			if se.Exchange != fakeExchangeID {
				t.Errorf("exchange = %q", se.Exchange)
			}
			if tt.key != "" && se.Key != tt.key {
				t.Errorf("key = %q, want %q", se.Key, tt.key)
			}
			if tt.raw != "" && string(se.Raw) != tt.raw {
				t.Errorf("raw = %q, want %q", se.Raw, tt.raw)
			}

			if tt.connected {
				if len(connector.URLs) != 1 {
					t.Errorf("expected one connect, got %v", connector.URLs)
				}
				if !conn.Closed() {
					t.Error("socket left open after failure")
				}
			} else if len(connector.URLs) != 0 {
				t.Errorf("expected no connect, got %v", connector.URLs)
			}
		})
	}
}

func TestSubscribeTimeoutReportsPendingKeys(t *testing.T) {
	conn := sockettest.New(ack("public_trades|BTCUSD"))
	s, _ := newTestSubscriber(&fakeExchange{}, conn, 30*time.Millisecond)

	_, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		sub("BTC", "USD", subscription.PublicTrades),
		sub("ETH", "USD", subscription.PublicTrades),
	})
	if !errors.Is(err, subscription.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "public_trades|ETHUSD") {
		t.Fatalf("error does not name the pending key: %v", err)
	}
	if strings.Contains(err.Error(), "public_trades|BTCUSD") {
		t.Fatalf("error names a confirmed key: %v", err)
	}
}

func TestSubscribeCancelled(t *testing.T) {
	t.Run("before connect", func(t *testing.T) {
		conn := sockettest.New()
		s, connector := newTestSubscriber(&fakeExchange{}, conn, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Subscribe(ctx, []subscription.Subscription[subscription.Instrument, subscription.Kind]{sub("BTC", "USD", subscription.PublicTrades)})
		if !errors.Is(err, subscription.ErrCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
		if len(connector.URLs) != 0 {
			t.Fatalf("connected despite cancelled context")
		}
	})

	t.Run("during validation", func(t *testing.T) {
		conn := sockettest.New()
		s, _ := newTestSubscriber(&fakeExchange{}, conn, 5*time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := s.Subscribe(ctx, []subscription.Subscription[subscription.Instrument, subscription.Kind]{sub("BTC", "USD", subscription.PublicTrades)})
		if !errors.Is(err, subscription.ErrCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
		if !conn.Closed() {
			t.Fatal("socket left open after cancellation")
		}
	})
}

func TestConnectFailure(t *testing.T) {
	connector := &sockettest.Connector{Err: subscription.NewError(subscription.Transport, "dial refused")}
	s := New[string, subscription.Instrument, subscription.Kind](&fakeExchange{}, connector, time.Second)

	_, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{sub("BTC", "USD", subscription.PublicTrades)})
	if !errors.Is(err, subscription.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var se *subscription.Error
	if errors.As(err, &se) && se.Exchange != fakeExchangeID {
		t.Fatalf("exchange not annotated: %v", err)
	}
}
