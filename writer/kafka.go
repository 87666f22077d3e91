package writer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "subflow/config"
	"subflow/internal/metrics"
	"subflow/logger"
	"subflow/models"
)

const kafkaComponent = "kafka_writer"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes frames unchanged. The message key is the exchange
// and correlation key so one subscription always lands on one partition.
type KafkaWriter struct {
	config  appconfig.KafkaConfig
	raw     <-chan models.RawFrame
	writer  messageWriter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	pending []kafka.Message
	stats   metrics.WriterStats
}

func NewKafkaWriter(cfg *appconfig.Config, raw <-chan models.RawFrame) (*KafkaWriter, error) {
	kc := cfg.Storage.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := newKafkaWriter(kc, raw, &kafka.Writer{
		Addr:         kafka.TCP(kc.Brokers...),
		Topic:        kc.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    kc.BatchSize,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
	kw.log.WithComponent(kafkaComponent).WithFields(logger.Fields{
		"brokers": kc.Brokers,
		"topic":   kc.Topic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(kc appconfig.KafkaConfig, raw <-chan models.RawFrame, w messageWriter) *KafkaWriter {
	return &KafkaWriter{
		config: kc,
		raw:    raw,
		writer: w,
		log:    logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx, kw.cancel = context.WithCancel(ctx)

	interval := kw.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	kw.wg.Add(1)
	go kw.run(interval)

	kw.log.WithComponent(kafkaComponent).Debug("kafka writer started")
	return nil
}

func (kw *KafkaWriter) run(interval time.Duration) {
	defer kw.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-kw.ctx.Done():
			kw.drain()
			kw.flush()
			return
		case <-ticker.C:
			kw.flush()
		case frame, ok := <-kw.raw:
			if !ok {
				kw.flush()
				return
			}
			kw.pending = append(kw.pending, frameMessage(frame))
			if len(kw.pending) >= kw.config.BatchSize {
				kw.flush()
			}
		}
	}
}

// drain takes whatever is already queued without waiting for more.
func (kw *KafkaWriter) drain() {
	for {
		select {
		case frame, ok := <-kw.raw:
			if !ok {
				return
			}
			kw.pending = append(kw.pending, frameMessage(frame))
		default:
			return
		}
	}
}

func (kw *KafkaWriter) flush() {
	if len(kw.pending) == 0 {
		return
	}
	msgs := kw.pending
	kw.pending = nil

	// Pending frames are still delivered after shutdown begins.
	ctx := context.WithoutCancel(kw.ctx)
	if err := kw.writer.WriteMessages(ctx, msgs...); err != nil {
		kw.mu.Lock()
		kw.stats.ErrorsCount++
		kw.mu.Unlock()
		kw.log.WithComponent(kafkaComponent).WithError(err).WithField("messages", len(msgs)).Warn("failed to write messages")
		return
	}

	var bytes int64
	for _, m := range msgs {
		bytes += int64(len(m.Value))
	}
	kw.mu.Lock()
	kw.stats.BatchesWritten++
	kw.stats.FramesWritten += int64(len(msgs))
	kw.stats.BytesWritten += bytes
	kw.mu.Unlock()

	kw.log.WithComponent(kafkaComponent).WithField("messages", len(msgs)).Debug("frames written to kafka")
}

func (kw *KafkaWriter) Stats() metrics.WriterStats {
	kw.mu.RLock()
	defer kw.mu.RUnlock()
	stats := kw.stats
	stats.RawChannelLen = len(kw.raw)
	stats.RawChannelCap = cap(kw.raw)
	return stats
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	cancel := kw.cancel
	kw.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent(kafkaComponent).WithError(err).Warn("failed to close kafka writer")
	}
	metrics.ReportWriter(kw.log, kafkaComponent, kw.Stats())
	kw.log.WithComponent(kafkaComponent).Info("kafka writer stopped")
}

func frameMessage(f models.RawFrame) kafka.Message {
	return kafka.Message{
		Key:   []byte(f.Exchange + "|" + f.Key),
		Value: f.Data,
		Time:  f.Timestamp,
		Headers: []kafka.Header{
			{Key: "exchange", Value: []byte(f.Exchange)},
			{Key: "instrument", Value: []byte(f.Instrument)},
			{Key: "session", Value: []byte(f.Session)},
			{Key: "sequence", Value: []byte(strconv.FormatInt(f.Sequence, 10))},
			{Key: "buffered", Value: []byte(strconv.FormatBool(f.Buffered))},
		},
	}
}
