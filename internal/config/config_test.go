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
			name:   "default mode is serve",
			check:  func(c *Config) bool { return c.Mode == "serve" },
			expect: "serve",
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
			name:   "default worker lease seconds is 30",
			check:  func(c *Config) bool { return c.WorkerLeaseSeconds == 30 },
			expect: "30",
		},
		{
			name:   "default scheduler tick is 5000ms",
			check:  func(c *Config) bool { return c.SchedulerTickMs == 5000 },
			expect: "5000",
		},
		{
			name:   "worker count defaults to NumCPU when unset",
			check:  func(c *Config) bool { return c.WorkerCount > 0 },
			expect: ">0",
		},
		{
			name:   "default max recoveries is 3",
			check:  func(c *Config) bool { return c.MaxRecoveries == 3 },
			expect: "3",
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
			name:   "default notion api base",
			check:  func(c *Config) bool { return c.NotionAPIBase == "https://api.notion.com/v1" },
			expect: "https://api.notion.com/v1",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
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
