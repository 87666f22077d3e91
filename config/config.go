package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"subflow/internal/subscription"
	"subflow/internal/symbols"
)

type Config struct {
	Subflow    SubflowConfig    `yaml:"subflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Stream     StreamConfig     `yaml:"stream"`
	Source     SourceConfig     `yaml:"source"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Storage    StorageConfig    `yaml:"storage"`
	Writer     WriterConfig     `yaml:"writer"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

type SubflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// SubscriberConfig tunes the socket and the validation deadline shared by
// every exchange.
type SubscriberConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadBufferBytes  int           `yaml:"read_buffer_bytes"`
	WriteBufferBytes int           `yaml:"write_buffer_bytes"`
	LocalIP          string        `yaml:"local_ip"`
}

type StreamConfig struct {
	RawBuffer           int           `yaml:"raw_buffer"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay   time.Duration `yaml:"max_reconnect_delay"`
	ReconnectsPerMinute int           `yaml:"reconnects_per_minute"`
}

type SourceConfig struct {
	Ibkr  ExchangeSourceConfig `yaml:"ibkr"`
	Bybit ExchangeSourceConfig `yaml:"bybit"`
	Okx   ExchangeSourceConfig `yaml:"okx"`
}

type ExchangeSourceConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	URL           string               `yaml:"url"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig names one instrument and data kind. Market overrides the
// derived exchange market name and is required for IBKR contract ids.
type SubscriptionConfig struct {
	Base   string `yaml:"base"`
	Quote  string `yaml:"quote"`
	Kind   string `yaml:"kind"`
	Market string `yaml:"market"`
}

type MetricsConfig struct {
	Enabled             bool             `yaml:"enabled"`
	ListenAddr          string           `yaml:"listen_addr"`
	ChannelSize         bool             `yaml:"channel_size"`
	ChannelSizeInterval time.Duration    `yaml:"channel_size_interval"`
	CloudWatch          CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig publishes every frame as one message keyed by correlation key.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
}

type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	// MetadataDir, when set, receives table metadata for every uploaded file.
	MetadataDir string `yaml:"metadata_dir"`
}

// DashboardConfig controls the JSON ops endpoints.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
		Subscriber: SubscriberConfig{
			Timeout:          10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     20 * time.Second,
		},
		Stream: StreamConfig{
			RawBuffer:           10000,
			ReconnectDelay:      5 * time.Second,
			MaxReconnectDelay:   time.Minute,
			ReconnectsPerMinute: 6,
		},
		Metrics: MetricsConfig{
			ListenAddr:          "0.0.0.0:2112",
			ChannelSize:         true,
			ChannelSizeInterval: 10 * time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace: "Subflow",
				Dashboard: "Subflow",
			},
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{
				Topic:         "subflow.frames",
				BatchSize:     500,
				FlushInterval: time.Second,
			},
		},
		Writer: WriterConfig{
			BatchSize:     5000,
			FlushInterval: time.Minute,
			Compression:   "snappy",
		},
		Dashboard: DashboardConfig{
			Address:         "0.0.0.0:8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" && config.Storage.Kafka.Enabled {
		config.Storage.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("IBKR_GATEWAY_URL"); v != "" {
		config.Source.Ibkr.URL = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Subflow.Name == "" {
		return fmt.Errorf("subflow.name is required")
	}
	if cfg.Subflow.Version == "" {
		return fmt.Errorf("subflow.version is required")
	}

	if cfg.Subscriber.Timeout <= 0 {
		return fmt.Errorf("subscriber.timeout must be greater than 0")
	}
	if cfg.Stream.RawBuffer <= 0 {
		return fmt.Errorf("stream.raw_buffer must be greater than 0")
	}
	if cfg.Stream.ReconnectsPerMinute <= 0 {
		return fmt.Errorf("stream.reconnects_per_minute must be greater than 0")
	}
	if cfg.Stream.MaxReconnectDelay < cfg.Stream.ReconnectDelay {
		return fmt.Errorf("stream.max_reconnect_delay must not be below stream.reconnect_delay")
	}

	enabled := 0
	for exchange, src := range cfg.Source.ByExchange() {
		if !src.Enabled {
			continue
		}
		enabled++
		if len(src.Subscriptions) == 0 {
			return fmt.Errorf("source.%s.subscriptions must not be empty when enabled", exchange)
		}
		if err := validateSubscriptions(exchange, src.Subscriptions); err != nil {
			return err
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Writer.BatchSize <= 0 {
			return fmt.Errorf("writer.batch_size must be greater than 0")
		}
		if cfg.Writer.FlushInterval <= 0 {
			return fmt.Errorf("writer.flush_interval must be greater than 0")
		}
		switch cfg.Writer.Compression {
		case "", "snappy", "gzip", "uncompressed":
		default:
			return fmt.Errorf("writer.compression '%s' is not supported", cfg.Writer.Compression)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.BatchSize <= 0 {
			return fmt.Errorf("storage.kafka.batch_size must be greater than 0")
		}
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateSubscriptions(exchange subscription.ExchangeID, subs []SubscriptionConfig) error {
	for i, s := range subs {
		if strings.TrimSpace(s.Base) == "" || strings.TrimSpace(s.Quote) == "" {
			return fmt.Errorf("source.%s.subscriptions[%d]: base and quote are required", exchange, i)
		}
		if _, err := ParseKind(s.Kind); err != nil {
			return fmt.Errorf("source.%s.subscriptions[%d]: %w", exchange, i, err)
		}
		if exchange == subscription.ExchangeIbkr && strings.TrimSpace(s.Market) == "" {
			return fmt.Errorf("source.%s.subscriptions[%d]: market (contract id) is required", exchange, i)
		}
	}
	return nil
}

// ByExchange returns the source sections keyed by exchange.
func (s SourceConfig) ByExchange() map[subscription.ExchangeID]ExchangeSourceConfig {
	return map[subscription.ExchangeID]ExchangeSourceConfig{
		subscription.ExchangeIbkr:  s.Ibkr,
		subscription.ExchangeBybit: s.Bybit,
		subscription.ExchangeOkx:   s.Okx,
	}
}

var kindAliases = map[string]subscription.Kind{
	"public_trades":  subscription.PublicTrades,
	"trades":         subscription.PublicTrades,
	"order_books_l1": subscription.OrderBooksL1,
	"l1":             subscription.OrderBooksL1,
	"order_books_l2": subscription.OrderBooksL2,
	"l2":             subscription.OrderBooksL2,
}

func ParseKind(kind string) (subscription.Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", fmt.Errorf("unknown subscription kind '%s'", kind)
	}
	return k, nil
}

// BuildSubscriptions converts configured entries into canonical
// subscriptions for exchange. Entries are assumed validated.
func BuildSubscriptions(exchange subscription.ExchangeID, subs []SubscriptionConfig) []subscription.Subscription[subscription.Instrument, subscription.Kind] {
	out := make([]subscription.Subscription[subscription.Instrument, subscription.Kind], 0, len(subs))
	for _, s := range subs {
		kind, err := ParseKind(s.Kind)
		if err != nil {
			continue
		}
		inst := symbols.Instrument(exchange, s.Base, s.Quote, strings.TrimSpace(s.Market))
		out = append(out, subscription.New(exchange, inst, kind))
	}
	return out
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
