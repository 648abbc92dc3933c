package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected host %s, got %s", DefaultHost, cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Server.Protocol != "pop3" {
		t.Errorf("Expected protocol pop3, got %s", cfg.Server.Protocol)
	}

	if len(cfg.Destinations.Static) != 1 {
		t.Errorf("Expected 1 default destination, got %d", len(cfg.Destinations.Static))
	}
	if cfg.Destinations.Static[0].SSL != "none" {
		t.Errorf("Expected default destination ssl 'none', got %s", cfg.Destinations.Static[0].SSL)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected log level 'info', got %s", cfg.Logging.Level)
	}

	if cfg.Proxy.MaxReconnects != 0 {
		t.Errorf("Expected MaxReconnects 0 by default, got %d", cfg.Proxy.MaxReconnects)
	}
	if cfg.Proxy.IdleTimeout != 2*time.Second {
		t.Errorf("Expected IdleTimeout 2s, got %v", cfg.Proxy.IdleTimeout)
	}

	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("Expected metrics enabled by default")
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
}

func TestLoadConfigWithEnvironmentVariables(t *testing.T) {
	testEnvVars := map[string]string{
		"LOGINPROXY_SERVER_PORT":  "1110",
		"LOGINPROXY_SERVER_HOST":  "127.0.0.1",
		"LOGINPROXY_LOGGING_LEVEL": "debug",
	}

	for key, value := range testEnvVars {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range testEnvVars {
			os.Unsetenv(key)
		}
	}()

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load with env vars failed: %v", err)
	}

	if cfg.Server.Port != 1110 {
		t.Errorf("Expected port 1110 from env var, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1 from env var, got %s", cfg.Server.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Logging.Level)
	}
}

func TestConfigValidateDefaultIsValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Errorf("Validate(DefaultConfig()) returned unexpected error: %v", err)
	}
}

func TestConfigValidateRejectsBadFields(t *testing.T) {
	testCases := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{
			name:        "port zero",
			modify:      func(c *Config) { c.Server.Port = 0 },
			errContains: "server.port",
		},
		{
			name:        "port above 65535",
			modify:      func(c *Config) { c.Server.Port = 99999 },
			errContains: "server.port",
		},
		{
			name:        "no destinations",
			modify:      func(c *Config) { c.Destinations.Static = nil },
			errContains: "destinations.static",
		},
		{
			name: "destination missing host",
			modify: func(c *Config) {
				c.Destinations.Static = []DestinationConfig{{Name: "bad", Port: 110}}
			},
			errContains: "host",
		},
		{
			name: "destination invalid ssl mode",
			modify: func(c *Config) {
				c.Destinations.Static = []DestinationConfig{{Name: "bad", Host: "10.0.0.1", Port: 110, SSL: "maybe"}}
			},
			errContains: "ssl",
		},
		{
			name:        "negative max reconnects",
			modify:      func(c *Config) { c.Proxy.MaxReconnects = -1 },
			errContains: "max_reconnects",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tc.errContains)
			}
			if !contains(err.Error(), tc.errContains) {
				t.Errorf("Expected error containing %q, got: %v", tc.errContains, err)
			}
		})
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return substr == ""
}
