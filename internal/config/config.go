package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Session    SessionConfig    `mapstructure:"session"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig configures the block cache. An empty URL selects the in-memory cache.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BlockTTL     time.Duration `mapstructure:"block_ttl"`
}

// RabbitMQConfig configures event publishing. An empty URL disables it.
type RabbitMQConfig struct {
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	QueuePrefix   string `mapstructure:"queue_prefix"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
}

type EthereumConfig struct {
	RPCURLs             []string      `mapstructure:"rpc_urls"`
	WSURL               string        `mapstructure:"ws_url"`
	Confirmations       int           `mapstructure:"confirmations"`
	HistoryBlocks       int           `mapstructure:"history_blocks"`
	MaxConcurrentBlocks int           `mapstructure:"max_concurrent_blocks"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// SessionConfig holds the defaults of the session options
type SessionConfig struct {
	Network                 string `mapstructure:"network"`
	FetchTransactionHistory bool   `mapstructure:"fetch_transaction_history"`
}

type MonitoringConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	MetricsPort   int           `mapstructure:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml from ./config or the working directory, applies
// defaults and environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	overrideWithEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Ethereum.HistoryBlocks <= 0 {
		return fmt.Errorf("ethereum.history_blocks must be positive, got %d", c.Ethereum.HistoryBlocks)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.block_ttl", "10m")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "ledger.events")
	v.SetDefault("rabbitmq.queue_prefix", "ledgerwatch")
	v.SetDefault("rabbitmq.prefetch_count", 100)

	v.SetDefault("ethereum.rpc_urls", []string{"http://localhost:8545"})
	v.SetDefault("ethereum.ws_url", "")
	v.SetDefault("ethereum.confirmations", 5)
	v.SetDefault("ethereum.history_blocks", 1000)
	v.SetDefault("ethereum.max_concurrent_blocks", 5)
	v.SetDefault("ethereum.requests_per_second", 10)
	v.SetDefault("ethereum.rpc_timeout", "30s")
	v.SetDefault("ethereum.retry_attempts", 3)
	v.SetDefault("ethereum.retry_delay", "2s")
	v.SetDefault("ethereum.poll_interval", "12s")
	v.SetDefault("ethereum.health_check_interval", "30s")

	v.SetDefault("session.network", "main")
	v.SetDefault("session.fetch_transaction_history", true)

	v.SetDefault("monitoring.stats_interval", "1s")
	v.SetDefault("monitoring.metrics_port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func overrideWithEnv(v *viper.Viper) {
	if urls := os.Getenv("ETH_RPC_URLS"); urls != "" {
		v.Set("ethereum.rpc_urls", strings.Split(urls, ","))
	}
	if wsURL := os.Getenv("ETH_WS_URL"); wsURL != "" {
		v.Set("ethereum.ws_url", wsURL)
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		v.Set("redis.url", redisURL)
	}
	if rabbitURL := os.Getenv("RABBITMQ_URL"); rabbitURL != "" {
		v.Set("rabbitmq.url", rabbitURL)
	}
	if network := os.Getenv("LEDGER_NETWORK"); network != "" {
		v.Set("session.network", network)
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		v.Set("logging.level", logLevel)
	}
}
