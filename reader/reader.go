// Package reader keeps one exchange socket subscribed and forwards every
// frame it receives into the raw frame channel.
package reader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"subflow/internal/channel"
	"subflow/internal/socket"
	"subflow/internal/subscriber"
	"subflow/internal/subscription"
	"subflow/logger"
	"subflow/models"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultMaxReconnectDelay = time.Minute
	defaultKeepAlive         = 20 * time.Second
)

// Source is an exchange connector that can also trace live data frames back
// to the correlation key they were subscribed under.
type Source interface {
	subscriber.Connector[subscription.Instrument, subscription.Kind]
	subscriber.StreamKeyer
}

type Options struct {
	Timeout             time.Duration
	PingInterval        time.Duration
	ReconnectDelay      time.Duration
	MaxReconnectDelay   time.Duration
	ReconnectsPerMinute int
	// Label distinguishes readers of the same exchange, typically the shard IP.
	Label string
}

// Reader subscribes once per connection and resubscribes after the socket
// drops. Every connection is all-or-nothing: a partially confirmed socket is
// never read from.
type Reader struct {
	source     Source
	subscriber *subscriber.Subscriber[string, subscription.Instrument, subscription.Kind]
	subs       []subscription.Subscription[subscription.Instrument, subscription.Kind]
	channels   *channel.Channels
	limiter    *rate.Limiter
	opts       Options

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	seq     atomic.Int64
	log     *logger.Entry

	statusMu sync.RWMutex
	status   Status
}

// Status is a point in time view of a reader for the ops dashboard.
type Status struct {
	Exchange      string    `json:"exchange"`
	Shard         string    `json:"shard,omitempty"`
	State         string    `json:"state"`
	Subscriptions int       `json:"subscriptions"`
	Confirmed     []string  `json:"confirmed,omitempty"`
	Session       string    `json:"session,omitempty"`
	Attempts      int64     `json:"attempts"`
	Failures      int64     `json:"failures"`
	Frames        int64     `json:"frames"`
	LastError     string    `json:"last_error,omitempty"`
	Since         time.Time `json:"since"`
}

const (
	StateIdle        = "idle"
	StateSubscribing = "subscribing"
	StateStreaming   = "streaming"
	StateBackoff     = "backoff"
	StateStopped     = "stopped"
)

func NewReader(source Source, connector socket.Connector, ch *channel.Channels, subs []subscription.Subscription[subscription.Instrument, subscription.Kind], opts Options) *Reader {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = defaultMaxReconnectDelay
		if opts.MaxReconnectDelay < opts.ReconnectDelay {
			opts.MaxReconnectDelay = opts.ReconnectDelay
		}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultKeepAlive
	}
	perMinute := opts.ReconnectsPerMinute
	if perMinute <= 0 {
		perMinute = 6
	}

	log := logger.GetLogger().WithExchange("reader", string(source.ID()))
	if opts.Label != "" {
		log = log.WithField("shard", opts.Label)
	}

	r := &Reader{
		source:     source,
		subscriber: subscriber.New[string, subscription.Instrument, subscription.Kind](source, connector, opts.Timeout),
		subs:       subs,
		channels:   ch,
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1),
		opts:       opts,
		log:        log,
	}
	r.status = Status{
		Exchange:      string(source.ID()),
		Shard:         opts.Label,
		State:         StateIdle,
		Subscriptions: len(subs),
		Since:         time.Now().UTC(),
	}
	return r
}

func (r *Reader) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	st := r.status
	st.Confirmed = append([]string(nil), r.status.Confirmed...)
	st.Frames = r.seq.Load()
	return st
}

func (r *Reader) setState(state string, update func(*Status)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.status.State != state {
		r.status.Since = time.Now().UTC()
	}
	r.status.State = state
	if update != nil {
		update(&r.status)
	}
}

func (r *Reader) Exchange() subscription.ExchangeID { return r.source.ID() }

// Start launches the subscribe and read loop. It returns immediately.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reader already running")
	}
	if len(r.subs) == 0 {
		return fmt.Errorf("reader for %s has no subscriptions", r.source.ID())
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.log.WithField("subscriptions", len(r.subs)).Info("starting reader")
	r.wg.Add(1)
	go r.run(runCtx)
	return nil
}

// Stop cancels the loop and waits for the socket to be released.
func (r *Reader) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.log.Info("reader stopped")
}

func (r *Reader) run(ctx context.Context) {
	defer r.wg.Done()
	defer r.setState(StateStopped, nil)

	delay := r.opts.ReconnectDelay
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		r.setState(StateSubscribing, func(st *Status) { st.Attempts++ })
		out, err := r.subscriber.Subscribe(ctx, r.subs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.setState(StateBackoff, func(st *Status) {
				st.Failures++
				st.LastError = err.Error()
				st.Confirmed = nil
				st.Session = ""
			})
			if subscription.KindOf(err) == subscription.Unsupported {
				r.log.WithError(err).Error("subscriptions cannot be served, reader giving up")
				return
			}
			r.log.WithError(err).WithField("retry_in", delay.String()).Warn("subscribe failed")
			if waitForReconnect(ctx, delay) {
				return
			}
			delay = nextDelay(delay, r.opts.MaxReconnectDelay)
			continue
		}
		delay = r.opts.ReconnectDelay

		err = r.stream(ctx, out)
		out.Conn.Close()
		if ctx.Err() != nil {
			return
		}
		r.setState(StateBackoff, func(st *Status) {
			st.LastError = err.Error()
			st.Confirmed = nil
			st.Session = ""
		})
		r.log.WithError(err).Warn("read loop ended, resubscribing")
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

// stream replays the frames buffered during validation and then forwards
// live frames until the socket fails.
func (r *Reader) stream(ctx context.Context, out *subscriber.Subscribed[string]) error {
	session := uuid.NewString()
	confirmed := make([]string, 0, out.Map.Len())
	for _, key := range out.Map.Keys() {
		confirmed = append(confirmed, string(key))
	}
	r.setState(StateStreaming, func(st *Status) {
		st.Confirmed = confirmed
		st.Session = session
	})

	for _, f := range out.Buffered {
		r.emit(ctx, out.Map, session, f, true)
	}

	if ws, ok := out.Conn.(*socket.WebSocket); ok {
		stop := socket.StartPingLoop(ctx, ws, r.opts.PingInterval, func(err error) {
			r.log.WithError(err).Warn("failed to send websocket ping")
		})
		defer stop()
	}

	for {
		f, err := out.Conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if r.source.Classify(f).Class == subscriber.ClassSession {
			continue
		}
		r.emit(ctx, out.Map, session, f, false)
	}
}

func (r *Reader) emit(ctx context.Context, m *subscription.Map[string], session string, f socket.Frame, buffered bool) {
	frame := models.RawFrame{
		Exchange:  string(r.source.ID()),
		Data:      f.Payload,
		Buffered:  buffered,
		Session:   session,
		Sequence:  r.seq.Add(1),
		Timestamp: time.Now().UTC(),
	}
	if key, ok := r.source.StreamKey(f); ok {
		frame.Key = string(key)
		if inst, err := m.Find(key); err == nil {
			frame.Instrument = inst
		}
	}
	r.channels.SendRaw(ctx, frame)
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
