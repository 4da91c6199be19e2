package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables. It is shared by cmd/edged (the per-node decision API) and
// cmd/configd (the central control-plane API).
type Config struct {
	// NodeID identifies this process in cluster events, audit entries,
	// and synchronizer status.
	NodeID string `env:"NODE_ID" envDefault:"node-1"`

	// Server
	Host    string `env:"HOST" envDefault:"0.0.0.0"`
	APIPort int    `env:"API_PORT" envDefault:"8080"`

	// Hot KV (Redis)
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Cold KV (etcd)
	EtcdHost string `env:"ETCD_HOST" envDefault:"localhost"`
	EtcdPort int    `env:"ETCD_PORT" envDefault:"2379"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Backend call budgets (spec §5: 500ms per call, 2s per request).
	// Loaded but not read elsewhere: the decision engine uses its own fixed
	// 2s request budget and sets no per-call deadline.
	BackendCallTimeout    time.Duration `env:"BACKEND_CALL_TIMEOUT" envDefault:"500ms"`
	RequestOverallTimeout time.Duration `env:"REQUEST_OVERALL_TIMEOUT" envDefault:"2s"`

	// FailClosed switches the engine's total-failure behavior from the
	// default fail-open (allow) to fail-closed (block). See spec §7.
	FailClosed bool `env:"DEFENSE_FAIL_CLOSED" envDefault:"false"`

	// WatchDegradedAfter is loaded but not read elsewhere: the synchronizer
	// marks the node degraded after its fixed nodesync.DegradedAfter (30s).
	WatchDegradedAfter time.Duration `env:"WATCH_DEGRADED_AFTER" envDefault:"30s"`
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
	return fmt.Sprintf("%s:%d", c.Host, c.APIPort)
}

// RedisAddr returns the host:port address of the Hot KV backend.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// EtcdEndpoint returns the host:port endpoint of the Cold KV backend.
func (c *Config) EtcdEndpoint() string {
	return fmt.Sprintf("%s:%d", c.EtcdHost, c.EtcdPort)
}
