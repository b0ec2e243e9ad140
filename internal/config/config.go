package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/meeting-sync/pkg/config"
	"github.com/weiawesome/meeting-sync/pkg/database"
	"github.com/weiawesome/meeting-sync/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	PubSub    pubsub.Config
	Sync      SyncConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Meetings  MeetingsConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	InstanceID      string        `mapstructure:"instance_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects the state store backend: "redis" or "memory".
type StoreConfig struct {
	Driver string
}

type SyncConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
}

type MeetingsConfig struct {
	RequireRegistered bool            `mapstructure:"require_registered"`
	AutoMigrate       bool            `mapstructure:"auto_migrate"`
	AccessCacheTTL    time.Duration   `mapstructure:"access_cache_ttl"`
	Database          database.Config `mapstructure:"database"`
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "meeting-sync")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("pubsub.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("pubsub.nats.max_reconnects", -1)
	v.SetDefault("pubsub.nats.reconnect_wait", "2s")
	v.SetDefault("sync.tick_interval", "250ms")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("meetings.require_registered", false)
	v.SetDefault("meetings.auto_migrate", false)
	v.SetDefault("meetings.access_cache_ttl", "5m")
	v.SetDefault("meetings.database.driver", "sqlite")
	v.SetDefault("meetings.database.file_path", "meetings.db")
	v.SetDefault("meetings.database.port", 5432)
	v.SetDefault("meetings.database.sslmode", "disable")
	v.SetDefault("meetings.database.max_open_conns", 10)
	v.SetDefault("meetings.database.max_idle_conns", 5)
	v.SetDefault("meetings.database.log_level", "warn")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "INSTANCE_ID")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("pubsub.nats.url", "NATS_URL")
	v.BindEnv("auth.enabled", "AUTH_ENABLED")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("meetings.require_registered", "MEETINGS_REQUIRE_REGISTERED")
	v.BindEnv("meetings.database.driver", "DB_DRIVER")
	v.BindEnv("meetings.database.host", "DB_HOST")
	v.BindEnv("meetings.database.port", "DB_PORT")
	v.BindEnv("meetings.database.user", "DB_USER")
	v.BindEnv("meetings.database.password", "DB_PASSWORD")
	v.BindEnv("meetings.database.dbname", "DB_NAME")
	v.BindEnv("meetings.database.file_path", "DB_FILE_PATH")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 30*time.Second)
	cfg.Redis.DialTimeout = parseDuration(v, "redis.dial_timeout", 5*time.Second)
	cfg.Redis.ReadTimeout = parseDuration(v, "redis.read_timeout", 3*time.Second)
	cfg.Redis.WriteTimeout = parseDuration(v, "redis.write_timeout", 3*time.Second)
	cfg.PubSub.NATS.ReconnectWait = parseDuration(v, "pubsub.nats.reconnect_wait", 2*time.Second)
	cfg.Sync.TickInterval = parseDuration(v, "sync.tick_interval", 250*time.Millisecond)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Meetings.AccessCacheTTL = parseDuration(v, "meetings.access_cache_ttl", 5*time.Minute)
	cfg.Meetings.Database.ConnMaxLifetime = parseDuration(v, "meetings.database.conn_max_lifetime", time.Hour)

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = defaultInstanceID()
	}

	// The pubsub redis connection follows the state store's.
	cfg.PubSub.Redis = pubsub.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}
	// Every instance has to see every event, so Kafka consumer groups are per instance.
	cfg.PubSub.Kafka.GroupID = fmt.Sprintf("%s-%s", cfg.PubSub.Kafka.GroupID, cfg.Server.InstanceID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Sync.TickInterval <= 0 {
		return fmt.Errorf("sync.tick_interval must be positive, got %s", c.Sync.TickInterval)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.enabled is true")
	}
	switch c.Store.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "memory" && c.PubSub.Driver != pubsub.DriverMemory {
		return fmt.Errorf("store.driver memory only works with pubsub.driver memory")
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "meeting-sync"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
