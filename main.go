package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"subflow/config"
	"subflow/internal/channel"
	"subflow/internal/dashboard"
	"subflow/internal/metrics"
	"subflow/logger"
	"subflow/models"
	"subflow/reader"
	"subflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "", "Path to IP shard configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Subflow.Name,
		"version":     cfg.Subflow.Version,
		"environment": env,
	}).Info("starting subflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.WithError(err).Error("failed to register metrics")
			os.Exit(1)
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				log.WithError(err).Warn("metrics endpoint stopped")
			}
		}()
	}

	channels := channel.NewChannels(cfg.Stream.RawBuffer)
	defer channels.Close()

	if cfg.Metrics.ChannelSize {
		metrics.StartChannelSizeMetrics(ctx, "raw_frames", channels.Raw, cfg.Metrics.ChannelSizeInterval)
	}

	var shards *config.IPShards
	if *shardPath != "" {
		shards, err = config.LoadIPShards(*shardPath)
		if err != nil {
			if config.IsProductionLike(env) {
				log.WithError(err).Error("failed to load shard configuration")
				os.Exit(1)
			}
			log.WithError(err).Warn("failed to load shard configuration; using source subscriptions")
			shards = nil
		}
	}

	readers, err := reader.FromConfig(cfg, shards, channels)
	if err != nil {
		log.WithError(err).Error("failed to build readers")
		os.Exit(1)
	}

	sources := make([]dashboard.StatusSource, len(readers))
	for i, r := range readers {
		sources[i] = r
	}
	dash, err := dashboard.NewServer(cfg.Dashboard, log, sources...)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		go func() {
			if err := dash.Run(ctx, cfg.Subflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	s3Frames, kafkaFrames := (<-chan models.RawFrame)(channels.Raw), (<-chan models.RawFrame)(channels.Raw)
	if cfg.Storage.S3.Enabled && cfg.Storage.Kafka.Enabled {
		s3Frames, kafkaFrames = channel.Tee(ctx, channels.Raw, cfg.Stream.RawBuffer)
	}

	var frameWriter *writer.FrameWriter
	if cfg.Storage.S3.Enabled {
		frameWriter, err = writer.NewFrameWriter(cfg, s3Frames)
		if err != nil {
			log.WithError(err).Error("failed to create frame writer")
			os.Exit(1)
		}
		if err := frameWriter.Start(ctx); err != nil {
			log.WithError(err).Error("frame writer failed to start")
			os.Exit(1)
		}
	}

	var kafkaWriter *writer.KafkaWriter
	if cfg.Storage.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg, kafkaFrames)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("kafka writer failed to start")
			os.Exit(1)
		}
	}

	var sinkWG sync.WaitGroup
	if frameWriter == nil && kafkaWriter == nil {
		log.WithComponent("main").Info("no storage enabled; frames are logged and discarded")
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			discardFrames(ctx, log, channels.Raw)
		}()
	}

	for _, r := range readers {
		if err := r.Start(ctx); err != nil {
			log.WithError(err).WithField("exchange", string(r.Exchange())).Warn("reader failed to start")
		}
	}
	log.WithField("readers", len(readers)).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for _, r := range readers {
			r.Stop()
		}
		if frameWriter != nil {
			frameWriter.Stop()
		}
		if kafkaWriter != nil {
			kafkaWriter.Stop()
		}
		sinkWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	stats := channels.GetStats()
	log.WithFields(logger.Fields{
		"raw_sent":    stats.RawSent,
		"raw_dropped": stats.RawDropped,
	}).Info("subflow stopped")
}

// discardFrames drains the raw channel when no archive is configured.
func discardFrames(ctx context.Context, log *logger.Log, raw <-chan models.RawFrame) {
	entry := log.WithComponent("sink")
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-raw:
			if !ok {
				return
			}
			entry.WithFields(logger.Fields{
				"exchange":   f.Exchange,
				"instrument": f.Instrument,
				"buffered":   f.Buffered,
				"sequence":   f.Sequence,
			}).Debug("frame received")
		}
	}
}
