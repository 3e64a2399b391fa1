// Package config loads runtime configuration for the OPC UA server.
// Grounded on go-server-3/internal/config/config.go's viper+mapstructure
// layering, combined with ws/config.go's godotenv preload so a local .env
// file can seed values before environment variables and viper defaults
// take over.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable of the server (spec.md §6 configurable
// knobs plus the ambient stack SPEC_FULL.md §10 adds).
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Session     SessionConfig     `mapstructure:"session"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Resource    ResourceConfig    `mapstructure:"resource"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	AddressSpace AddressSpaceConfig `mapstructure:"addrspace"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// ServerConfig is network-level listener configuration (component A).
type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	ShardCount      int    `mapstructure:"shard_count"`
	MaxConnections  int    `mapstructure:"max_connections"`
	SendQueueSize   int    `mapstructure:"send_queue_size"`
	HighWatermarkBytes int64 `mapstructure:"high_watermark_bytes"`
}

// ChannelConfig tunes the UACP/Secure Channel layer (components A, B).
type ChannelConfig struct {
	ReceiveBufferSize uint32        `mapstructure:"receive_buffer_size"`
	SendBufferSize    uint32        `mapstructure:"send_buffer_size"`
	MaxMessageSize    uint32        `mapstructure:"max_message_size"`
	MaxChunkCount     uint32        `mapstructure:"max_chunk_count"`
	TokenLifetime     time.Duration `mapstructure:"token_lifetime"`
	SecurityPolicy    string        `mapstructure:"security_policy"`
}

// SessionConfig tunes the Session Manager (component D).
type SessionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxSessions    int           `mapstructure:"max_sessions"`
}

// SubscriptionConfig tunes the Subscription Engine (component E).
type SubscriptionConfig struct {
	MinPublishingInterval time.Duration `mapstructure:"min_publishing_interval"`
	MaxPublishingInterval time.Duration `mapstructure:"max_publishing_interval"`
	RetransmissionQueueSize int         `mapstructure:"retransmission_queue_size"`
}

// ResourceConfig tunes the Resource Guard (component J).
type ResourceConfig struct {
	CPURejectThreshold float64 `mapstructure:"cpu_reject_threshold"`
	CPUPauseThreshold  float64 `mapstructure:"cpu_pause_threshold"`
	MaxGoroutines      int     `mapstructure:"max_goroutines"`
	MaxConnectRate     float64 `mapstructure:"max_connect_rate"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AddressSpaceConfig selects and configures the AddressSpace Facade's
// DataFeed backend (component P: NATS or Kafka reference adapters).
type AddressSpaceConfig struct {
	Backend      string `mapstructure:"backend"` // "nats" or "kafka"
	NATSURL      string `mapstructure:"nats_url"`
	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic"`
	KafkaGroup   string `mapstructure:"kafka_group"`
}

// AuthConfig configures the optional IssuedIdentityToken validator
// (SPEC_FULL.md §3 EXPANSION). Empty Secret disables issued-token
// ActivateSession support; Anonymous stays registered either way.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Load reads configuration from an optional .env file, then environment
// variables (prefix OPCUA_), then a config file, falling back to
// defaults at every level that isn't set.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("server.listen_addr", "0.0.0.0:4840")
	v.SetDefault("server.shard_count", 0) // values <= 0 are raised to 1 below
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.send_queue_size", 256)
	v.SetDefault("server.high_watermark_bytes", 16<<20)

	v.SetDefault("channel.receive_buffer_size", 65536)
	v.SetDefault("channel.send_buffer_size", 65536)
	v.SetDefault("channel.max_message_size", 16<<20)
	v.SetDefault("channel.max_chunk_count", 5000)
	v.SetDefault("channel.token_lifetime", 60*time.Minute)
	v.SetDefault("channel.security_policy", "http://opcfoundation.org/UA/SecurityPolicy#None")

	v.SetDefault("session.default_timeout", 10*time.Minute)
	v.SetDefault("session.max_sessions", 1000)

	v.SetDefault("subscription.min_publishing_interval", 100*time.Millisecond)
	v.SetDefault("subscription.max_publishing_interval", 60*time.Second)
	v.SetDefault("subscription.retransmission_queue_size", 100)

	v.SetDefault("resource.cpu_reject_threshold", 85.0)
	v.SetDefault("resource.cpu_pause_threshold", 90.0)
	v.SetDefault("resource.max_goroutines", 50000)
	v.SetDefault("resource.max_connect_rate", 500.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("addrspace.backend", "nats")
	v.SetDefault("addrspace.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("addrspace.kafka_brokers", "localhost:9092")
	v.SetDefault("addrspace.kafka_topic", "opcua.addrspace.changes")
	v.SetDefault("addrspace.kafka_group", "opcua-server")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "opcua-server")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetConfigName("opcua-server")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("OPCUA")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Server.ShardCount <= 0 {
		cfg.Server.ShardCount = 1
	}
	if cfg.Subscription.MaxPublishingInterval < cfg.Subscription.MinPublishingInterval {
		cfg.Subscription.MaxPublishingInterval = cfg.Subscription.MinPublishingInterval
	}

	return cfg, nil
}
