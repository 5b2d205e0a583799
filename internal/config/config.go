// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Bus       BusConfig       `mapstructure:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DiscoveryConfig governs the periodic feed poll.
type DiscoveryConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// DispatchConfig governs the batch crawl dispatcher.
type DispatchConfig struct {
	IntervalMinutes          int `mapstructure:"interval_minutes"`
	BatchSize                int `mapstructure:"batch_size"`
	InvocationTimeoutMinutes int `mapstructure:"invocation_timeout_minutes"`
	DocumentTimeoutMinutes   int `mapstructure:"document_timeout_minutes"`
}

// CrawlerConfig controls page fetching.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// FeedsConfig controls feed fetching.
type FeedsConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StoreConfig selects and configures document/feed persistence.
type StoreConfig struct {
	// Provider is "memory" or "postgres".
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// BlobConfig selects and configures content persistence.
type BlobConfig struct {
	// Provider is "memory" or "gcs".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// BusConfig configures event delivery and the optional outbound transport.
type BusConfig struct {
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts"`
	QueueCapacity       int `mapstructure:"queue_capacity"`
	// Transport is "none", "pubsub", or "kafka".
	Transport     string   `mapstructure:"transport"`
	ProjectID     string   `mapstructure:"project_id"`
	TopicName     string   `mapstructure:"topic_name"`
	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"kafka_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("discovery.interval_minutes", 15)
	v.SetDefault("dispatch.interval_minutes", 10)
	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.invocation_timeout_minutes", 15)
	v.SetDefault("dispatch.document_timeout_minutes", 120)
	v.SetDefault("crawler.user_agent", "docstream-ingestor/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("feeds.timeout_seconds", 30)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.max_open_conns", 8)
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("bus.max_delivery_attempts", 3)
	v.SetDefault("bus.queue_capacity", 256)
	v.SetDefault("bus.transport", "none")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Discovery.IntervalMinutes <= 0 {
		return fmt.Errorf("discovery.interval_minutes must be > 0")
	}
	if c.Dispatch.IntervalMinutes <= 0 {
		return fmt.Errorf("dispatch.interval_minutes must be > 0")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be > 0")
	}
	if c.Dispatch.DocumentTimeoutMinutes < c.Dispatch.InvocationTimeoutMinutes {
		return fmt.Errorf("dispatch.document_timeout_minutes must be >= dispatch.invocation_timeout_minutes")
	}
	if c.Bus.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("bus.max_delivery_attempts must be > 0")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	switch c.Blob.Provider {
	case "memory":
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown blob.provider %q", c.Blob.Provider)
	}
	switch c.Bus.Transport {
	case "none":
	case "pubsub":
		if c.Bus.ProjectID == "" || c.Bus.TopicName == "" {
			return fmt.Errorf("bus.project_id and bus.topic_name must be set when bus.transport is pubsub")
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 || c.Bus.KafkaTopic == "" {
			return fmt.Errorf("bus.kafka_brokers and bus.kafka_topic must be set when bus.transport is kafka")
		}
	default:
		return fmt.Errorf("unknown bus.transport %q", c.Bus.Transport)
	}
	return nil
}

// DiscoveryInterval returns the feed poll interval as a duration.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalMinutes) * time.Minute
}

// DispatchInterval returns the dispatcher interval as a duration.
func (c Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatch.IntervalMinutes) * time.Minute
}

// InvocationTimeout returns the single-step parse ceiling as a duration.
func (c Config) InvocationTimeout() time.Duration {
	return time.Duration(c.Dispatch.InvocationTimeoutMinutes) * time.Minute
}

// DocumentTimeout returns the whole-document crawl ceiling as a duration.
func (c Config) DocumentTimeout() time.Duration {
	return time.Duration(c.Dispatch.DocumentTimeoutMinutes) * time.Minute
}
