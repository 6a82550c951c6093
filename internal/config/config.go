package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Feature FeatureConfig `mapstructure:"feature"`
}

type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	SetName       string `mapstructure:"set_name"`
	MaxFrameSize  int    `mapstructure:"max_frame_size"`
	Partitions    int    `mapstructure:"partitions"`
}

type StorageConfig struct {
	Driver  string `mapstructure:"driver"`
	DataDir string `mapstructure:"data_dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the HTTP listener serving /metrics and the admin
// endpoints. An empty address disables it.
type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	Topics        []string      `mapstructure:"topics"`
	GroupID       string        `mapstructure:"group_id"`
	ClientID      string        `mapstructure:"client_id"`
	WorkerCount   int           `mapstructure:"worker_count"`
	CommitMode    string        `mapstructure:"commit_mode"`
	ParseMode     string        `mapstructure:"parse_mode"`
	FetchMaxWait  time.Duration `mapstructure:"fetch_max_wait"`
	SASLUsername  string        `mapstructure:"sasl_username"`
	SASLPassword  string        `mapstructure:"sasl_password"`
	TLSEnabled    bool          `mapstructure:"tls_enabled"`
	TLSSkipVerify bool          `mapstructure:"tls_insecure_skip_verify"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
}

type FeatureConfig struct {
	AllowMultipleFeeds bool `mapstructure:"allow_multiple_feeds"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("upremu")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
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
	v.SetDefault("server.listen_address", "127.0.0.1:0")
	v.SetDefault("server.max_frame_size", 20<<20)
	v.SetDefault("server.partitions", 1024)
	v.SetDefault("storage.driver", StorageDriverSQLite)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("log.level", "info")
	v.SetDefault("feature.allow_multiple_feeds", true)
	v.SetDefault("ingest.kafka.commit_mode", "after_write")
	v.SetDefault("ingest.kafka.parse_mode", "json_envelope")
	v.SetDefault("ingest.rabbitmq.prefetch_count", 16)
	v.SetDefault("ingest.rabbitmq.workers", 2)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 64)
}

func (c Config) Validate() error {
	if c.Server.SetName == "" {
		return errors.New("server.set_name is required")
	}
	if c.Server.ListenAddress == "" {
		return errors.New("server.listen_address is required")
	}
	if c.Server.MaxFrameSize < 0 {
		return errors.New("server.max_frame_size must not be negative")
	}
	if c.Server.Partitions < 0 || c.Server.Partitions > 1<<16 {
		return fmt.Errorf("server.partitions %d out of range", c.Server.Partitions)
	}
	switch c.Storage.Driver {
	case StorageDriverSQLite:
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required for the sqlite driver")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.Ingest.Kafka.Enabled && c.Ingest.Kafka.CommitMode != "" && c.Ingest.Kafka.CommitMode != "after_write" {
		return fmt.Errorf("unsupported ingest.kafka.commit_mode %q", c.Ingest.Kafka.CommitMode)
	}
	if !c.Feature.AllowMultipleFeeds && c.Ingest.Kafka.Enabled && c.Ingest.RabbitMQ.Enabled {
		return errors.New("multiple feeds enabled while feature.allow_multiple_feeds=false")
	}
	return nil
}
