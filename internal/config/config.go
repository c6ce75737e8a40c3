// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Mode selects internal/app's dispatch target. Only "api" is handled
	// today: the aggregator runs as its own Lambda entrypoint
	// (cmd/aggregator) with no HTTP server alongside it, so it never goes
	// through this field. Kept as an explicit field rather than removed so
	// a future in-process aggregator mode has a place to plug in.
	Mode string `env:"LIMITER_MODE" envDefault:"api"`

	// Server
	Host string `env:"LIMITER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"LIMITER_PORT" envDefault:"8080"`

	// DynamoDB
	TableName      string `env:"LIMITER_TABLE_NAME" envDefault:"ratelimits"`
	DynamoEndpoint string `env:"LIMITER_DYNAMO_ENDPOINT"` // local/dynamodb-local override; empty uses the default AWS resolver
	AWSRegion      string `env:"AWS_REGION" envDefault:"us-east-1"`

	// Admission behavior
	OnUnavailable   string `env:"LIMITER_ON_UNAVAILABLE" envDefault:"block"` // "block" or "allow"
	ConcurrencyMode string `env:"LIMITER_CONCURRENCY_MODE" envDefault:"auto"`
	EntityCacheTTL  string `env:"LIMITER_ENTITY_CACHE_TTL" envDefault:"60s"`
	ConfigCacheTTL  string `env:"LIMITER_CONFIG_CACHE_TTL" envDefault:"60s"`

	// Aggregator
	WCUProactiveThreshold float64 `env:"LIMITER_WCU_PROACTIVE_THRESHOLD" envDefault:"0.8"`
	ShardWarningThreshold int     `env:"LIMITER_SHARD_WARNING_THRESHOLD" envDefault:"32"`
	WCUStreakThreshold    int     `env:"LIMITER_WCU_STREAK_THRESHOLD" envDefault:"3"`
	UsageWindow           string  `env:"LIMITER_USAGE_WINDOW" envDefault:"hourly"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// Slack (optional — if not set, alert notifications are a no-op)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"` // e.g. "#alerts" or channel ID

	// Redis backs a shared entity/config cache across API replicas; unset
	// falls back to the in-process default cache.
	RedisURL string `env:"REDIS_URL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
