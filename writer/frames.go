// Package writer archives raw frames to S3 as parquet files, one file per
// exchange per flush.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "subflow/config"
	"subflow/internal/metadata"
	"subflow/internal/metrics"
	"subflow/logger"
	"subflow/models"
)

const component = "frame_writer"

// objectPutter is the part of the S3 client the writer uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type FrameWriter struct {
	config   *appconfig.Config
	raw      <-chan models.RawFrame
	s3Client objectPutter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log
	buffer   map[string][]models.RawFrame
	stats    metrics.WriterStats
	table    *metadata.Generator
}

// NewFrameWriter builds the S3 client from cfg.Storage.S3 and returns a writer
// consuming raw.
func NewFrameWriter(cfg *appconfig.Config, raw <-chan models.RawFrame) (*FrameWriter, error) {
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := newFrameWriter(cfg, raw, client)
	w.log.WithComponent(component).WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("frame writer initialized")
	return w, nil
}

func newFrameWriter(cfg *appconfig.Config, raw <-chan models.RawFrame, client objectPutter) *FrameWriter {
	w := &FrameWriter{
		config:   cfg,
		raw:      raw,
		s3Client: client,
		log:      logger.GetLogger(),
		buffer:   make(map[string][]models.RawFrame),
	}
	if dir := cfg.Writer.MetadataDir; dir != "" {
		location := "s3://" + cfg.Storage.S3.Bucket
		if cfg.Storage.S3.Prefix != "" {
			location += "/" + cfg.Storage.S3.Prefix
		}
		w.table = metadata.NewGenerator(dir, location, "raw_frames")
	}
	return w
}

func (w *FrameWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("frame writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	interval := w.config.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}

	w.wg.Add(1)
	go w.worker(interval)

	w.log.WithComponent(component).WithFields(logger.Fields{
		"batch_size":     w.config.Writer.BatchSize,
		"flush_interval": interval.String(),
	}).Info("frame writer started")
	return nil
}

// Stop flushes whatever is buffered and waits for the uploads to finish.
func (w *FrameWriter) Stop() {
	w.mu.Lock()
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	metrics.ReportWriter(w.log, component, w.Stats())
	w.log.WithComponent(component).Info("frame writer stopped")
}

func (w *FrameWriter) Stats() metrics.WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.RawChannelLen = len(w.raw)
	stats.RawChannelCap = cap(w.raw)
	return stats
}

func (w *FrameWriter) worker(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			w.flushBuffers("shutdown")
			return
		case <-ticker.C:
			w.flushBuffers("interval")
			metrics.ReportWriter(w.log, component, w.Stats())
		case frame, ok := <-w.raw:
			if !ok {
				w.flushBuffers("channel closed")
				return
			}
			w.addFrame(frame)
		}
	}
}

// drain buffers whatever is already queued without waiting for more.
func (w *FrameWriter) drain() {
	for {
		select {
		case frame, ok := <-w.raw:
			if !ok {
				return
			}
			w.addFrame(frame)
		default:
			return
		}
	}
}

// addFrame buffers frame and flushes its exchange once the batch is full.
func (w *FrameWriter) addFrame(frame models.RawFrame) {
	w.mu.Lock()
	w.buffer[frame.Exchange] = append(w.buffer[frame.Exchange], frame)
	var full []models.RawFrame
	if size := w.config.Writer.BatchSize; size > 0 && len(w.buffer[frame.Exchange]) >= size {
		full = w.buffer[frame.Exchange]
		delete(w.buffer, frame.Exchange)
	}
	w.mu.Unlock()

	if full != nil {
		w.processBatch(newBatch(frame.Exchange, full))
	}
}

func (w *FrameWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.RawFrame)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent(component).WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Debug("flushing buffers")

	for exchange, frames := range buffers {
		if len(frames) == 0 {
			continue
		}
		w.processBatch(newBatch(exchange, frames))
	}
}

func newBatch(exchange string, frames []models.RawFrame) models.FrameBatch {
	return models.FrameBatch{
		BatchID:     uuid.New().String(),
		Exchange:    exchange,
		Frames:      frames,
		RecordCount: len(frames),
		Timestamp:   time.Now().UTC(),
	}
}

func (w *FrameWriter) processBatch(batch models.FrameBatch) {
	log := w.log.WithComponent(component).WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"exchange":     batch.Exchange,
		"record_count": batch.RecordCount,
	})

	key := w.generateS3Key(batch)
	data, err := encodeFrames(batch.Frames, w.config.Writer.Compression)
	if err != nil {
		w.recordError()
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		w.recordError()
		log.WithError(err).WithField("s3_key", key).Error("failed to upload to S3")
		return
	}

	w.mu.Lock()
	w.stats.BatchesWritten++
	w.stats.FilesWritten++
	w.stats.FramesWritten += int64(batch.RecordCount)
	w.stats.BytesWritten += int64(len(data))
	w.mu.Unlock()
	metrics.AddArchivedFrames(batch.RecordCount)
	w.recordDataFile(batch, key, len(data))

	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("batch uploaded")
}

// recordDataFile appends the uploaded file to the local table metadata.
// Failures are logged only; the object is already in S3.
func (w *FrameWriter) recordDataFile(batch models.FrameBatch, key string, size int) {
	if w.table == nil {
		return
	}
	ts := batch.Timestamp.UTC()
	err := w.table.AddFile(metadata.DataFile{
		Path:        "s3://" + w.config.Storage.S3.Bucket + "/" + key,
		FileSize:    int64(size),
		RecordCount: int64(batch.RecordCount),
		Partition: map[string]any{
			"exchange": batch.Exchange,
			"date":     ts.Format("2006-01-02"),
			"hour":     ts.Hour(),
		},
		Timestamp: ts,
	})
	if err != nil {
		w.log.WithComponent(component).WithError(err).WithField("s3_key", key).Warn("failed to update table metadata")
	}
}

func (w *FrameWriter) recordError() {
	w.mu.Lock()
	w.stats.ErrorsCount++
	w.mu.Unlock()
}

// generateS3Key lays batches out as
// <prefix>/<exchange>/<yyyy>/<mm>/<dd>/<hh>/<exchange>_frames_<ts>_<batch>.parquet.
func (w *FrameWriter) generateS3Key(batch models.FrameBatch) string {
	ts := batch.Timestamp.UTC()

	var parts []string
	if w.config.Storage.S3.Prefix != "" {
		parts = append(parts, w.config.Storage.S3.Prefix)
	}
	parts = append(parts,
		batch.Exchange,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%02d", ts.Hour()),
	)

	id := batch.BatchID
	if len(id) > 8 {
		id = id[:8]
	}
	filename := fmt.Sprintf("%s_frames_%s_%s.parquet", batch.Exchange, ts.Format("20060102150405"), id)

	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}

func (w *FrameWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     w.config.Writer.Compression,
			"subflow-version": w.config.Subflow.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
