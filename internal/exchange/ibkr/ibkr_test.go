package ibkr

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"subflow/internal/socket"
	"subflow/internal/socket/sockettest"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
	"subflow/logger"
)

func TestMain(m *testing.M) {
	logger.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

func instrument(base, quote, conid string) subscription.Instrument {
	return subscription.NewInstrument(base, quote).WithMarket(subscription.ExchangeIbkr, conid)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		class   subscriber.Class
		msg     string
		valid   bool
		key     subscription.Key
		haveKey bool
	}{
		{
			name:  "heartbeat",
			input: `{"topic":"system","hb":1729601500848}`,
			class: subscriber.ClassSession,
			msg:   "system_heartbeat",
			valid: true,
		},
		{
			name:  "zero heartbeat",
			input: `{"topic":"system","hb":0}`,
			class: subscriber.ClassSession,
			msg:   "system_heartbeat",
		},
		{
			name:  "system connect",
			input: `{"topic":"system","success":"alice","isFT":false,"isPaper":false}`,
			class: subscriber.ClassSession,
			msg:   "system_response",
			valid: true,
		},
		{
			name:  "system connect without username",
			input: `{"topic":"system","success":"","isFT":false,"isPaper":false}`,
			class: subscriber.ClassSession,
			msg:   "system_response",
		},
		{
			name:    "tickle",
			input:   `{"topic":"tic","alive":true,"id":"XXXXX","lastAccessed":1731507334085}`,
			class:   subscriber.ClassSession,
			msg:     "tickle",
			valid:   true,
			key:     "XXXXX",
			haveKey: true,
		},
		{
			name:    "market data",
			input:   `{"server_id":"q0","conidEx":"265598","conid":265598,"_updated":1731507334085,"31":"225.10","topic":"smd+265598"}`,
			class:   subscriber.ClassSubResponse,
			msg:     "sub_response",
			valid:   true,
			key:     "smd+265598",
			haveKey: true,
		},
		{
			name:    "market data error",
			input:   `{"topic":"smd+1","error":"no market data permissions"}`,
			class:   subscriber.ClassSubResponse,
			msg:     "sub_response",
			key:     "smd+1",
			haveKey: true,
		},
		{
			name:    "market data error object",
			input:   `{"topic":"smd+265598","error":{"code":1,"msg":"no market data permissions"}}`,
			class:   subscriber.ClassSubResponse,
			msg:     "sub_response",
			key:     "smd+265598",
			haveKey: true,
		},
		{
			name:    "market data null error",
			input:   `{"topic":"smd+265598","error":null,"31":"225.10"}`,
			class:   subscriber.ClassSubResponse,
			msg:     "sub_response",
			valid:   true,
			key:     "smd+265598",
			haveKey: true,
		},
		{
			name:    "market data empty error",
			input:   `{"topic":"smd+265598","error":"","31":"225.10"}`,
			class:   subscriber.ClassSubResponse,
			msg:     "sub_response",
			valid:   true,
			key:     "smd+265598",
			haveKey: true,
		},
		{
			name:  "other topic",
			input: `{"topic":"sor","args":[]}`,
			class: subscriber.ClassUnknown,
		},
		{
			name:  "not json",
			input: `waiting for session`,
			class: subscriber.ClassUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Classify(socket.Text(tt.input))
			if in.Class != tt.class {
				t.Fatalf("class = %s, want %s", in.Class, tt.class)
			}
			if tt.class == subscriber.ClassUnknown {
				return
			}
			if in.Name != tt.msg {
				t.Errorf("name = %q, want %q", in.Name, tt.msg)
			}
			if err := in.Message.Validate(); (err == nil) != tt.valid {
				t.Errorf("Validate() = %v, want valid=%v", err, tt.valid)
			}
			key, ok := in.Message.CorrelationKey()
			if ok != tt.haveKey || key != tt.key {
				t.Errorf("CorrelationKey() = %q, %v; want %q, %v", key, ok, tt.key, tt.haveKey)
			}
		})
	}
}

func TestSubResponseErrorReason(t *testing.T) {
	in := Classify(socket.Text(`{"topic":"smd+265598","error":{"code":1,"msg":"no market data permissions"}}`))
	var se *subscription.Error
	if !errors.As(in.Message.Validate(), &se) {
		t.Fatalf("expected *subscription.Error")
	}
	if se.Kind != subscription.SubscriptionRejected || se.Reason != `{"code":1,"msg":"no market data permissions"}` {
		t.Fatalf("unexpected error %+v", se)
	}
	if !in.Replay {
		t.Fatal("market data acknowledgements should be replayed")
	}
}

func TestSystemResponseDecodes(t *testing.T) {
	in := Classify(socket.Text(`{"topic":"system","success":"alice","isFT":true,"isPaper":true}`))
	msg, ok := in.Message.(SystemResponse)
	if !ok {
		t.Fatalf("expected SystemResponse, got %T", in.Message)
	}
	want := SystemResponse{Topic: "system", Username: "alice", IsFT: true, IsPaper: true}
	if msg != want {
		t.Fatalf("got %+v, want %+v", msg, want)
	}
}

func TestHeartbeatRejectionKind(t *testing.T) {
	err := SystemHeartbeat{Topic: "system", Heartbeat: 0}.Validate()
	if !errors.Is(err, subscription.ErrSessionRejected) {
		t.Fatalf("expected session rejected, got %v", err)
	}
}

func TestRequests(t *testing.T) {
	c := NewConnector[subscription.Instrument, subscription.Kind]("")
	if url, _ := c.URL(); url != DefaultURL {
		t.Fatalf("URL = %q", url)
	}

	subs := []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.PublicTrades),
		subscription.New(subscription.ExchangeIbkr, instrument("MSFT", "USD", "272093"), subscription.OrderBooksL1),
	}
	frames := c.Requests(subs)
	want := []string{
		`smd+265598+{"fields":["31","7762"]}`,
		`smd+272093+{"fields":["31","84","85","86","88"]}`,
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames", len(frames))
	}
	for i := range want {
		if frames[i].String() != want[i] {
			t.Errorf("frame %d = %s, want %s", i, frames[i], want[i])
		}
	}
	if key := c.SubscriptionKey(subs[0]); key != "smd+265598" {
		t.Errorf("key = %q", key)
	}
}

func TestRequestsMergeKindsOnOneConid(t *testing.T) {
	c := NewConnector[subscription.Instrument, subscription.Kind]("")
	subs := []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.PublicTrades),
		subscription.New(subscription.ExchangeIbkr, instrument("MSFT", "USD", "272093"), subscription.PublicTrades),
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.OrderBooksL1),
	}
	frames := c.Requests(subs)
	want := []string{
		`smd+265598+{"fields":["31","7762","84","85","86","88"]}`,
		`smd+272093+{"fields":["31","7762"]}`,
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames: %v", len(frames), frames)
	}
	for i := range want {
		if frames[i].String() != want[i] {
			t.Errorf("frame %d = %s, want %s", i, frames[i], want[i])
		}
	}
}

func TestSubscribeTwoKindsOnOneConid(t *testing.T) {
	conn := sockettest.New(`{"topic":"smd+265598","31":"225.10","84":"225.09","86":"225.11"}`)
	s := subscriber.New[string, subscription.Instrument, subscription.Kind](
		NewConnector[subscription.Instrument, subscription.Kind](""), &sockettest.Connector{Conn: conn}, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.PublicTrades),
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.OrderBooksL1),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	written := conn.Written()
	if len(written) != 1 || written[0] != `smd+265598+{"fields":["31","7762","84","85","86","88"]}` {
		t.Fatalf("unexpected requests %v", written)
	}
	if out.Map.Len() != 1 || !out.Map.IsConfirmed("smd+265598") {
		t.Fatalf("unexpected map: len %d", out.Map.Len())
	}
}

func TestSupports(t *testing.T) {
	c := NewConnector[subscription.Instrument, subscription.Kind]("")

	tests := []struct {
		name string
		sub  subscription.Subscription[subscription.Instrument, subscription.Kind]
		ok   bool
	}{
		{"trades", subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.PublicTrades), true},
		{"l1", subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.OrderBooksL1), true},
		{"l2", subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.OrderBooksL2), false},
		{"no conid", subscription.New(subscription.ExchangeIbkr, subscription.NewInstrument("AAPL", "USD"), subscription.PublicTrades), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Supports(tt.sub)
			if (err == nil) != tt.ok {
				t.Fatalf("Supports() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, subscription.ErrUnsupported) {
				t.Fatalf("expected unsupported, got %v", err)
			}
		})
	}
}

func TestSubscribeThroughGateway(t *testing.T) {
	conn := sockettest.New(
		`{"topic":"system","success":"alice","isFT":false,"isPaper":false}`,
		`{"topic":"smd+265598","31":"225.10"}`,
		`{"topic":"system","hb":1729601500848}`,
		`{"topic":"tic","alive":true,"id":"s1","lastAccessed":1731507334085}`,
		`{"topic":"smd+272093","31":"410.02"}`,
	)
	connector := &sockettest.Connector{Conn: conn}
	s := subscriber.New[string, subscription.Instrument, subscription.Kind](
		NewConnector[subscription.Instrument, subscription.Kind](""), connector, time.Second)

	out, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.PublicTrades),
		subscription.New(subscription.ExchangeIbkr, instrument("MSFT", "USD", "272093"), subscription.PublicTrades),
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// the confirming market data frames are replayed, session chatter is not
	if len(out.Buffered) != 2 ||
		string(out.Buffered[0].Payload) != `{"topic":"smd+265598","31":"225.10"}` ||
		string(out.Buffered[1].Payload) != `{"topic":"smd+272093","31":"410.02"}` {
		t.Fatalf("unexpected buffered frames %v", out.Buffered)
	}
	if got, _ := out.Map.Find("smd+272093"); got != "MSFT-USD" {
		t.Fatalf("Find = %q", got)
	}
	if connector.URLs[0] != DefaultURL {
		t.Fatalf("connected to %q", connector.URLs[0])
	}
}

func TestSubscribeRejectedByGateway(t *testing.T) {
	conn := sockettest.New(`{"topic":"system","success":"","isFT":false,"isPaper":false}`)
	s := subscriber.New[string, subscription.Instrument, subscription.Kind](
		NewConnector[subscription.Instrument, subscription.Kind](""), &sockettest.Connector{Conn: conn}, time.Second)

	_, err := s.Subscribe(context.Background(), []subscription.Subscription[subscription.Instrument, subscription.Kind]{
		subscription.New(subscription.ExchangeIbkr, instrument("AAPL", "USD", "265598"), subscription.PublicTrades),
	})
	if subscription.KindOf(err) != subscription.SessionRejected {
		t.Fatalf("expected session rejected, got %v", err)
	}
	if !conn.Closed() {
		t.Fatal("socket left open")
	}
}

func TestStreamKey(t *testing.T) {
	key, ok := StreamKey(socket.Text(`{"topic":"smd+265598","31":"225.10"}`))
	if !ok || key != "smd+265598" {
		t.Fatalf("StreamKey = %q, %v", key, ok)
	}
	if _, ok := StreamKey(socket.Text(`{"topic":"system","hb":1}`)); ok {
		t.Fatal("system frame produced a stream key")
	}
}
