package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default node id",
			check:  func(c *Config) bool { return c.NodeID == "node-1" },
			expect: "node-1",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.APIPort == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default redis addr",
			check:  func(c *Config) bool { return c.RedisAddr() == "localhost:6379" },
			expect: "localhost:6379",
		},
		{
			name:   "default etcd endpoint",
			check:  func(c *Config) bool { return c.EtcdEndpoint() == "localhost:2379" },
			expect: "localhost:2379",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default fail mode is fail-open",
			check:  func(c *Config) bool { return !c.FailClosed },
			expect: "false",
		},
		{
			name:   "default backend call timeout",
			check:  func(c *Config) bool { return c.BackendCallTimeout == 500*time.Millisecond },
			expect: "500ms",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
