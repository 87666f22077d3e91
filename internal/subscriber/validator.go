package subscriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subflow/internal/metrics"
	"subflow/internal/socket"
	"subflow/internal/subscription"
	"subflow/logger"
)

// DefaultValidationTimeout bounds how long a validator waits for every
// subscription to be confirmed.
const DefaultValidationTimeout = 10 * time.Second

// State is the progress of one validation run.
type State int

const (
	AwaitingFrames State = iota
	Progressing
	Failed
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingFrames:
		return "awaiting_frames"
	case Progressing:
		return "progressing"
	case Failed:
		return "failed"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Validator reads frames from a freshly subscribed socket until every entry
// in the map is confirmed. Frames that are neither protocol chatter nor a
// pending acknowledgement are returned in arrival order for replay.
type Validator[Key any] interface {
	Validate(ctx context.Context, conn socket.Conn, instruments *subscription.Map[Key]) (*subscription.Map[Key], []socket.Frame, error)
}

// WebSocketSubValidator validates subscriptions for any exchange whose
// replies can be told apart by a Classifier.
type WebSocketSubValidator[Key any] struct {
	Exchange   subscription.ExchangeID
	Classifier Classifier
	Timeout    time.Duration
	log        *logger.Entry
}

func NewWebSocketSubValidator[Key any](exchange subscription.ExchangeID, classifier Classifier, timeout time.Duration) *WebSocketSubValidator[Key] {
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &WebSocketSubValidator[Key]{
		Exchange:   exchange,
		Classifier: classifier,
		Timeout:    timeout,
		log:        logger.GetLogger().WithExchange("validator", string(exchange)),
	}
}

func (v *WebSocketSubValidator[Key]) Validate(ctx context.Context, conn socket.Conn, instruments *subscription.Map[Key]) (*subscription.Map[Key], []socket.Frame, error) {
	run := &validation[Key]{
		exchange:    v.Exchange,
		classifier:  v.Classifier,
		instruments: instruments,
		log:         v.logger(),
	}
	start := time.Now()

	if instruments.Complete() {
		run.state = Complete
		return instruments.Freeze(), nil, nil
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for run.state != Complete {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return nil, nil, run.fail(v.readError(ctx, err, instruments))
		}
		if err := run.handle(frame); err != nil {
			return nil, nil, run.fail(err)
		}
	}

	elapsed := time.Since(start)
	metrics.ObserveValidation(string(v.Exchange), elapsed)
	metrics.AddConfirmed(string(v.Exchange), instruments.Len())
	metrics.AddBuffered(string(v.Exchange), len(run.buffered))
	logger.LogDurationEntry(run.log, "validate", elapsed, logger.Fields{
		"confirmed": instruments.Len(),
		"buffered":  len(run.buffered),
	})

	return instruments.Freeze(), run.buffered, nil
}

func (v *WebSocketSubValidator[Key]) logger() *logger.Entry {
	if v.log != nil {
		return v.log
	}
	return logger.GetLogger().WithExchange("validator", string(v.Exchange))
}

// readError annotates a socket read failure with the exchange and the keys
// still outstanding.
func (v *WebSocketSubValidator[Key]) readError(ctx context.Context, err error, instruments *subscription.Map[Key]) error {
	out := &subscription.Error{Kind: subscription.Transport, Exchange: v.Exchange, Err: err}
	var se *subscription.Error
	if errors.As(err, &se) {
		out.Kind = se.Kind
		out.Err = se.Err
		out.Reason = se.Reason
	}
	if out.Kind == subscription.Transport && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.Kind = subscription.Timeout
		} else {
			out.Kind = subscription.Cancelled
		}
	}

	pending := fmt.Sprintf("%d of %d subscriptions unconfirmed %v", instruments.Pending(), instruments.Len(), instruments.PendingKeys())
	if out.Reason == "" {
		out.Reason = pending
	} else {
		out.Reason += "; " + pending
	}
	return out
}

// validation is the state of one Validate call.
type validation[Key any] struct {
	exchange    subscription.ExchangeID
	classifier  Classifier
	instruments *subscription.Map[Key]
	buffered    []socket.Frame
	state       State
	log         *logger.Entry
}

func (r *validation[Key]) handle(frame socket.Frame) error {
	if r.state == AwaitingFrames {
		r.state = Progressing
	}

	in := r.classifier.Classify(frame)
	switch in.Class {
	case ClassSession:
		return r.session(in, frame)
	case ClassSubResponse:
		return r.subResponse(in, frame)
	default:
		r.buffer(frame)
		return nil
	}
}

// session validates protocol chatter. Valid session messages are consumed.
func (r *validation[Key]) session(in Inbound, frame socket.Frame) error {
	if err := in.Message.Validate(); err != nil {
		return r.rejected(subscription.SessionRejected, "", frame, err)
	}
	r.log.WithField("message", in.Name).Debug("session message accepted")
	return nil
}

// subResponse confirms or rejects the pending subscription named by the
// message's correlation key. Replies for keys that are not pending are
// buffered, as are confirming replies marked for replay.
func (r *validation[Key]) subResponse(in Inbound, frame socket.Frame) error {
	key, ok := in.Message.CorrelationKey()
	if err := in.Message.Validate(); err != nil {
		return r.rejected(subscription.SubscriptionRejected, key, frame, err)
	}
	if !ok || !r.instruments.IsPending(key) {
		r.buffer(frame)
		return nil
	}

	r.instruments.Confirm(key)
	if in.Replay {
		r.buffer(frame)
	}
	r.log.WithFields(logger.Fields{
		"key":     string(key),
		"pending": r.instruments.Pending(),
	}).Debug("subscription confirmed")

	if r.instruments.Complete() {
		r.state = Complete
	}
	return nil
}

func (r *validation[Key]) buffer(frame socket.Frame) {
	r.buffered = append(r.buffered, frame)
}

func (r *validation[Key]) rejected(kind subscription.ErrorKind, key subscription.Key, frame socket.Frame, err error) error {
	out := &subscription.Error{Kind: kind, Exchange: r.exchange, Key: key, Raw: frame.Payload, Err: err}
	var se *subscription.Error
	if errors.As(err, &se) {
		out.Reason = se.Reason
		out.Err = se.Err
		if out.Key == "" {
			out.Key = se.Key
		}
	}
	return out
}

func (r *validation[Key]) fail(err error) error {
	r.state = Failed
	r.log.WithError(err).WithField("buffered", len(r.buffered)).Warn("subscription validation failed")
	return err
}
