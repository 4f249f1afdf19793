package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const envPrefix = "RIB_ENGINE_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Redis     RedisConfig     `koanf:"redis"`
	Engine    EngineConfig    `koanf:"engine"`
	Cache     CacheConfig     `koanf:"cache"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Sink      SinkConfig      `koanf:"sink"`
	Retention RetentionConfig `koanf:"retention"`
	Snapshot  SnapshotConfig  `koanf:"snapshot"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type RedisConfig struct {
	// Addrs lists one store shard per address. The order fixes the event
	// routing and must not change between runs.
	Addrs         []string `koanf:"addrs"`
	DB            int      `koanf:"db"`
	PoolSize      int      `koanf:"pool_size"`
	DialTimeoutMs int      `koanf:"dial_timeout_ms"`
}

type EngineConfig struct {
	Workers              int  `koanf:"workers"`
	QueueCapacity        int  `koanf:"queue_capacity"`
	OutputCapacity       int  `koanf:"output_capacity"`
	ShardQueueCapacity   int  `koanf:"shard_queue_capacity"`
	BatchSize            int  `koanf:"batch_size"`
	FlushIntervalMs      int  `koanf:"flush_interval_ms"`
	FamineTimeoutSeconds int  `koanf:"famine_timeout_seconds"`
	Saving               bool `koanf:"saving"`
	HistoryMaxLen        int  `koanf:"history_max_len"`
	HistoryTrimEvery     int  `koanf:"history_trim_every"`
}

type CacheConfig struct {
	PathFilterCapacity    uint    `koanf:"path_filter_capacity"`
	RoutingFilterCapacity uint    `koanf:"routing_filter_capacity"`
	FilterFPRate          float64 `koanf:"filter_fp_rate"`
	PathCacheSize         int     `koanf:"path_cache_size"`
	RouteCacheSize        int     `koanf:"route_cache_size"`
}

type KafkaConfig struct {
	Brokers         []string   `koanf:"brokers"`
	ClientID        string     `koanf:"client_id"`
	GroupID         string     `koanf:"group_id"`
	Topics          []string   `koanf:"topics"`
	TLS             TLSConfig  `koanf:"tls"`
	SASL            SASLConfig `koanf:"sasl"`
	FetchMaxBytes   int32      `koanf:"fetch_max_bytes"`
	MaxPayloadBytes int        `koanf:"max_payload_bytes"` // raw BMP frames only
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	// Enabled turns on the classified-update sink.
	Enabled  bool   `koanf:"enabled"`
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type SinkConfig struct {
	BatchSize       int `koanf:"batch_size"`
	FlushIntervalMs int `koanf:"flush_interval_ms"`
}

type RetentionConfig struct {
	Days                 int    `koanf:"days"`
	Timezone             string `koanf:"timezone"`
	MaintenanceIntervalS int    `koanf:"maintenance_interval_seconds"`
}

type SnapshotConfig struct {
	// Path is empty when periodic snapshots are off.
	Path            string `koanf:"path"`
	IntervalSeconds int    `koanf:"interval_seconds"`
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "rib-engine-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Redis: RedisConfig{
			PoolSize:      16,
			DialTimeoutMs: 5000,
		},
		Engine: EngineConfig{
			Workers:              8,
			QueueCapacity:        65536,
			OutputCapacity:       4096,
			ShardQueueCapacity:   125000,
			BatchSize:            1000,
			FlushIntervalMs:      1000,
			FamineTimeoutSeconds: 0,
			Saving:               true,
			HistoryMaxLen:        1000,
			HistoryTrimEvery:     100,
		},
		Cache: CacheConfig{
			PathFilterCapacity:    10_000_000,
			RoutingFilterCapacity: 50_000_000,
			FilterFPRate:          0.001,
			PathCacheSize:         1_000_000,
			RouteCacheSize:        2_000_000,
		},
		Kafka: KafkaConfig{
			ClientID:        "rib-engine",
			GroupID:         "rib-engine",
			FetchMaxBytes:   52428800,
			MaxPayloadBytes: 16777216,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Sink: SinkConfig{
			BatchSize:       1000,
			FlushIntervalMs: 500,
		},
		Retention: RetentionConfig{
			Days:                 30,
			Timezone:             "UTC",
			MaintenanceIntervalS: 3600,
		},
		Snapshot: SnapshotConfig{
			IntervalSeconds: 3600,
		},
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// RIB_ENGINE_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Env values arrive as one comma-separated string.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Kafka.Topics = splitList(cfg.Kafka.Topics)
	cfg.Redis.Addrs = splitList(cfg.Redis.Addrs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(v []string) []string {
	if len(v) == 1 && strings.Contains(v[0], ",") {
		return strings.Split(v[0], ",")
	}
	return v
}

func (c *Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("config: redis.addrs is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("config: kafka.topics is required")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Kafka.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: kafka.max_payload_bytes must be > 0 (got %d)", c.Kafka.MaxPayloadBytes)
	}
	if int32(c.Kafka.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
		return fmt.Errorf("config: kafka.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d)",
			c.Kafka.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine.workers must be > 0 (got %d)", c.Engine.Workers)
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("config: engine.queue_capacity must be > 0 (got %d)", c.Engine.QueueCapacity)
	}
	if c.Engine.OutputCapacity <= 0 {
		return fmt.Errorf("config: engine.output_capacity must be > 0 (got %d)", c.Engine.OutputCapacity)
	}
	if c.Engine.ShardQueueCapacity <= 0 {
		return fmt.Errorf("config: engine.shard_queue_capacity must be > 0 (got %d)", c.Engine.ShardQueueCapacity)
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("config: engine.batch_size must be > 0 (got %d)", c.Engine.BatchSize)
	}
	if c.Engine.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: engine.flush_interval_ms must be > 0 (got %d)", c.Engine.FlushIntervalMs)
	}
	if c.Engine.FamineTimeoutSeconds < 0 {
		return fmt.Errorf("config: engine.famine_timeout_seconds must be >= 0 (got %d)", c.Engine.FamineTimeoutSeconds)
	}
	if c.Engine.HistoryTrimEvery < 0 || c.Engine.HistoryMaxLen < 0 {
		return fmt.Errorf("config: engine history bounds must be >= 0")
	}
	if c.Engine.HistoryTrimEvery > 0 && c.Engine.HistoryMaxLen == 0 {
		return fmt.Errorf("config: engine.history_max_len must be > 0 when trimming is on")
	}
	if c.Cache.PathFilterCapacity == 0 || c.Cache.RoutingFilterCapacity == 0 {
		return fmt.Errorf("config: cache filter capacities must be > 0")
	}
	if c.Cache.FilterFPRate <= 0 || c.Cache.FilterFPRate >= 1 {
		return fmt.Errorf("config: cache.filter_fp_rate must be in (0, 1) (got %g)", c.Cache.FilterFPRate)
	}
	if c.Cache.PathCacheSize <= 0 || c.Cache.RouteCacheSize <= 0 {
		return fmt.Errorf("config: cache sizes must be > 0")
	}
	if c.Postgres.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when postgres.enabled")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Sink.BatchSize <= 0 {
			return fmt.Errorf("config: sink.batch_size must be > 0 (got %d)", c.Sink.BatchSize)
		}
		if c.Sink.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: sink.flush_interval_ms must be > 0 (got %d)", c.Sink.FlushIntervalMs)
		}
		if c.Retention.Days <= 0 {
			return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
		}
		if c.Retention.MaintenanceIntervalS <= 0 {
			return fmt.Errorf("config: retention.maintenance_interval_seconds must be > 0 (got %d)", c.Retention.MaintenanceIntervalS)
		}
		if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
			return fmt.Errorf("config: retention.timezone is invalid: %w", err)
		}
	}
	if c.Snapshot.Path != "" && c.Snapshot.IntervalSeconds <= 0 {
		return fmt.Errorf("config: snapshot.interval_seconds must be > 0 (got %d)", c.Snapshot.IntervalSeconds)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism returns nil if SASL is disabled or the mechanism is
// not supported.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
