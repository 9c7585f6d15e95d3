package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is broker",
			check:  func(c *Config) bool { return c.Mode == "broker" },
			expect: "broker",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
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
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default instance max instances",
			check:  func(c *Config) bool { return c.Instance.MaxInstances == 1024 },
			expect: "1024",
		},
		{
			name:   "default integrity generation",
			check:  func(c *Config) bool { return c.Integrity.Generation == 0 },
			expect: "0",
		},
		{
			name:   "default delivery long poll",
			check:  func(c *Config) bool { return c.Delivery.LongPollMs == 20000 },
			expect: "20000",
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
