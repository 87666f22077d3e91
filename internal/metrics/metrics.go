// Registers:
//
//	#subflow_subscribe_attempts_total
//	#subflow_subscribe_failures_total
//	#subflow_subscriptions_confirmed_total
//	#subflow_buffered_frames_total
//	#subflow_validation_seconds
//	#subflow_channel_dropped_total
//	#subflow_archived_frames_total
//	#go_* and process_* system metrics
//
// Serve exposes them over HTTP using the Prometheus handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	registerErr       error
	subscribeAttempts *prometheus.CounterVec
	subscribeFailures *prometheus.CounterVec
	confirmed         *prometheus.CounterVec
	buffered          *prometheus.CounterVec
	validationSeconds *prometheus.HistogramVec
	channelDropped    *prometheus.CounterVec
	archivedFrames    prometheus.Counter
)

// Register creates the collectors and registers them with reg. Only the first
// call has any effect.
func Register(reg prometheus.Registerer) error {
	once.Do(func() {
		attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_subscribe_attempts_total",
			Help: "Subscribe invocations started",
		}, []string{"exchange"})
		failures := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_subscribe_failures_total",
			Help: "Subscribe invocations that failed, by error kind",
		}, []string{"exchange", "kind"})
		conf := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_subscriptions_confirmed_total",
			Help: "Correlation keys confirmed by the exchange",
		}, []string{"exchange"})
		buf := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_buffered_frames_total",
			Help: "Frames buffered during validation for later replay",
		}, []string{"exchange"})
		validation := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subflow_validation_seconds",
			Help:    "Time from first request sent to every subscription confirmed",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"exchange"})
		dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_channel_dropped_total",
			Help: "Frames dropped because a downstream channel was full",
		}, []string{"channel"})
		archived := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subflow_archived_frames_total",
			Help: "Frames written to the parquet archive",
		})

		for _, c := range []prometheus.Collector{attempts, failures, conf, buf, validation, dropped, archived,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					registerErr = err
					return
				}
			}
		}

		subscribeAttempts, subscribeFailures, confirmed, buffered = attempts, failures, conf, buf
		validationSeconds, channelDropped, archivedFrames = validation, dropped, archived
	})
	return registerErr
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func IncSubscribeAttempt(exchange string) {
	if subscribeAttempts != nil {
		subscribeAttempts.WithLabelValues(exchange).Inc()
	}
}

func IncSubscribeFailure(exchange, kind string) {
	if subscribeFailures != nil {
		subscribeFailures.WithLabelValues(exchange, kind).Inc()
	}
}

func AddConfirmed(exchange string, n int) {
	if confirmed != nil && n > 0 {
		confirmed.WithLabelValues(exchange).Add(float64(n))
	}
}

func AddBuffered(exchange string, n int) {
	if buffered != nil && n > 0 {
		buffered.WithLabelValues(exchange).Add(float64(n))
	}
}

func ObserveValidation(exchange string, d time.Duration) {
	if validationSeconds != nil {
		validationSeconds.WithLabelValues(exchange).Observe(d.Seconds())
	}
}

func IncChannelDropped(channel string) {
	if channelDropped != nil {
		channelDropped.WithLabelValues(channel).Inc()
	}
}

func AddArchivedFrames(n int) {
	if archivedFrames != nil && n > 0 {
		archivedFrames.Add(float64(n))
	}
}
