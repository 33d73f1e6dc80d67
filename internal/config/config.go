package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEndpoint is the public ingestion endpoint.
const DefaultEndpoint = "https://dc.services.visualstudio.com/v2/track"

// Config errors
var (
	ErrMissingEndpoint           = errors.New("connection endpoint is required")
	ErrMissingInstrumentationKey = errors.New("instrumentation key is required")
)

// Config holds runtime configuration for the exporter.
type Config struct {
	Connection      ConnectionConfig `mapstructure:"connection"`
	Batch           BatchConfig      `mapstructure:"batch"`
	Retry           RetryConfig      `mapstructure:"retry"`
	Transport       TransportConfig  `mapstructure:"transport"`
	Storage         StorageConfig    `mapstructure:"storage"`
	Kafka           KafkaConfig      `mapstructure:"kafka"`
	Log             LogConfig        `mapstructure:"log"`
	Metrics         MetricsConfig    `mapstructure:"metrics"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout"`
}

// ConnectionConfig is the ingestion endpoint and write key. Read once at construction.
type ConnectionConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	InstrumentationKey string `mapstructure:"instrumentation_key"`
}

// BatchConfig bounds the batching buffer.
type BatchConfig struct {
	MaxItems      int           `mapstructure:"max_items"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushOnExport bool          `mapstructure:"flush_on_export"`
}

// RetryConfig controls in-process retries of a failed send.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// TransportConfig controls the HTTP client.
type TransportConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	Gzip            bool          `mapstructure:"gzip"`
	RetryableStatus []int         `mapstructure:"retryable_status"`
}

// StorageConfig controls the offline queue.
type StorageConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	MaxBytes          int64         `mapstructure:"max_bytes"`
	MaxBatches        int           `mapstructure:"max_batches"`
	Retention         time.Duration `mapstructure:"retention"`
	MaxRetries        int           `mapstructure:"max_retries"`
	MaintenancePeriod time.Duration `mapstructure:"maintenance_period"`
	DrainBatches      int           `mapstructure:"drain_batches"`
	Lease             time.Duration `mapstructure:"lease"`
}

// KafkaConfig configures the dead-letter producer. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	Producer ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig holds kafka writer tuning.
type ProducerConfig struct {
	Compression  string        `mapstructure:"compression"`
	RequiredAcks int           `mapstructure:"required_acks"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a fully populated config with no instrumentation key.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Endpoint: DefaultEndpoint,
		},
		Batch: BatchConfig{
			MaxItems:      500,
			MaxBytes:      1 << 20,
			FlushInterval: 5 * time.Second,
			FlushOnExport: true,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.5,
		},
		Transport: TransportConfig{
			Timeout:         10 * time.Second,
			Gzip:            true,
			RetryableStatus: []int{408, 429, 439, 500, 502, 503, 504},
		},
		Storage: StorageConfig{
			Enabled:           true,
			Path:              filepath.Join(os.TempDir(), "lumen-offline"),
			MaxBytes:          50 << 20,
			MaxBatches:        1000,
			Retention:         48 * time.Hour,
			MaxRetries:        10,
			MaintenancePeriod: 60 * time.Second,
			DrainBatches:      10,
			Lease:             60 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "lumen-dead-letter",
			Producer: ProducerConfig{
				Compression:  "snappy",
				RequiredAcks: 1,
				WriteTimeout: 10 * time.Second,
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				PoolSize:     2,
			},
		},
		Log:             LogConfig{Level: "info"},
		Metrics:         MetricsConfig{Addr: ":9464"},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads configuration from defaults, an optional YAML file and LUMEN_* env vars.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("lumen")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lumen")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lumen/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("connection.endpoint", d.Connection.Endpoint)
	v.SetDefault("connection.instrumentation_key", d.Connection.InstrumentationKey)

	v.SetDefault("batch.max_items", d.Batch.MaxItems)
	v.SetDefault("batch.max_bytes", d.Batch.MaxBytes)
	v.SetDefault("batch.flush_interval", d.Batch.FlushInterval)
	v.SetDefault("batch.flush_on_export", d.Batch.FlushOnExport)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("transport.timeout", d.Transport.Timeout)
	v.SetDefault("transport.gzip", d.Transport.Gzip)
	v.SetDefault("transport.retryable_status", d.Transport.RetryableStatus)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.max_bytes", d.Storage.MaxBytes)
	v.SetDefault("storage.max_batches", d.Storage.MaxBatches)
	v.SetDefault("storage.retention", d.Storage.Retention)
	v.SetDefault("storage.max_retries", d.Storage.MaxRetries)
	v.SetDefault("storage.maintenance_period", d.Storage.MaintenancePeriod)
	v.SetDefault("storage.drain_batches", d.Storage.DrainBatches)
	v.SetDefault("storage.lease", d.Storage.Lease)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Connection.Endpoint == "" {
		errs = append(errs, ErrMissingEndpoint)
	}
	if c.Connection.InstrumentationKey == "" {
		errs = append(errs, ErrMissingInstrumentationKey)
	}
	if c.Batch.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_items must be positive, got %d", c.Batch.MaxItems))
	}
	if c.Batch.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_bytes must be positive, got %d", c.Batch.MaxBytes))
	}
	if c.Batch.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("batch.flush_interval must be positive, got %s", c.Batch.FlushInterval))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry delays invalid: base %s, max %s", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 0.5 {
		errs = append(errs, fmt.Errorf("retry.jitter must be within [0, 0.5], got %g", c.Retry.Jitter))
	}
	for _, code := range c.Transport.RetryableStatus {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("transport.retryable_status contains invalid code %d", code))
		}
	}
	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required when storage is enabled"))
		}
		if c.Storage.MaxBytes <= 0 || c.Storage.MaxBatches <= 0 {
			errs = append(errs, errors.New("storage capacity bounds must be positive"))
		}
		if c.Storage.MaintenancePeriod <= 0 {
			errs = append(errs, errors.New("storage.maintenance_period must be positive"))
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}
