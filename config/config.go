package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Follower  FollowerConfig  `mapstructure:"follower"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StreamConfig 事件流（Redis Streams）配置
type StreamConfig struct {
	Prefix     string        `mapstructure:"prefix"`
	Shards     int           `mapstructure:"shards"`
	Group      string        `mapstructure:"group"`
	Consumer   string        `mapstructure:"consumer"`
	BatchSize  int64         `mapstructure:"batch_size"`
	Block      time.Duration `mapstructure:"block"`
	MaxLen     int64         `mapstructure:"max_len"`
	DeadLetter string        `mapstructure:"dead_letter"`
}

// PipelineConfig 消费流水线配置
type PipelineConfig struct {
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ContentLength int           `mapstructure:"content_length"`
}

type FollowerConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	PageSize int           `mapstructure:"page_size"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "notification.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stream.prefix", "notifications:events")
	v.SetDefault("stream.shards", 4)
	v.SetDefault("stream.group", "notification-service")
	v.SetDefault("stream.consumer", "notifyd")
	v.SetDefault("stream.batch_size", 32)
	v.SetDefault("stream.block", 2*time.Second)
	v.SetDefault("stream.max_len", 0)
	v.SetDefault("stream.dead_letter", "")

	v.SetDefault("pipeline.retry_initial", 200*time.Millisecond)
	v.SetDefault("pipeline.retry_max", 30*time.Second)
	v.SetDefault("pipeline.write_timeout", 5*time.Second)
	v.SetDefault("pipeline.content_length", 140)

	v.SetDefault("follower.cache_ttl", 10*time.Minute)
	v.SetDefault("follower.page_size", 1000)

	v.SetDefault("jwt.secret", "dev-secret-key")

	v.SetDefault("rate_limit.rps", 100)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "notification-service")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load 读取 ./config/config.yaml（可选）并叠加 NOTIFY_* 环境变量
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom 从指定文件加载配置；path 为空时按默认路径查找
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Stream.Shards <= 0 {
		return fmt.Errorf("stream.shards must be positive, got %d", c.Stream.Shards)
	}
	if c.Stream.Group == "" {
		return errors.New("stream.group is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

// DeadLetterStream 死信流名称，未配置时为 <prefix>:dlq
func (c StreamConfig) DeadLetterStream() string {
	if c.DeadLetter != "" {
		return c.DeadLetter
	}
	return c.Prefix + ":dlq"
}
