package config

import "time"

// Config holds all configuration for the login proxy daemon.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Server       ServerConfig       `yaml:"server"`
	Destinations DestinationsConfig `yaml:"destinations"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Sasl         SaslConfig         `yaml:"sasl"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds the accept-side listener configuration: the address
// the proxy listens on for incoming mail client connections.
type ServerConfig struct {
	Protocol        string        `yaml:"protocol"` // "pop3" today
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DestinationsConfig mirrors the teacher's static-discovery shape, but names
// backend mail servers rather than LLM inference endpoints.
type DestinationsConfig struct {
	Static []DestinationConfig `yaml:"static"`
}

// DestinationConfig describes one backend mail server a session may be
// proxied to.
type DestinationConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSL      string `yaml:"ssl"` // "none", "yes", "starttls"
	AnyCert  bool   `yaml:"any_cert"`
	Priority int    `yaml:"priority"`
}

// ProxyConfig holds the per-session timing and retry knobs.
type ProxyConfig struct {
	ConnectTimeout            time.Duration `yaml:"connect_timeout"`
	NotifyRefreshInterval     time.Duration `yaml:"notify_refresh_interval"`
	HostImmediateFailureAfter time.Duration `yaml:"host_immediate_failure_after"`
	MaxDisconnectDelay        time.Duration `yaml:"max_disconnect_delay"`
	MaxReconnects             int           `yaml:"max_reconnects"`
	IdleTimeout               time.Duration `yaml:"idle_timeout"`
	DisconnectTick            time.Duration `yaml:"disconnect_tick"`
}

// SaslConfig selects the default backend authentication mechanism and
// whether XCLIENT may be trusted from untrusted networks.
type SaslConfig struct {
	DefaultMechanism string `yaml:"default_mechanism"` // "", "PLAIN", "LOGIN", "EXTERNAL"
	ProxyNotTrusted  bool   `yaml:"proxy_not_trusted"`

	// TrustedFrontendCIDRs lists networks (other internal proxies, load
	// balancers) allowed to prefix their connection with a "REALIP <ip>\r\n"
	// line asserting the original client's address, for chained-proxy
	// deployments where the immediate peer isn't the real mail client.
	TrustedFrontendCIDRs []string `yaml:"trusted_frontend_cidrs"`
}

// LoggingConfig holds logging configuration, matching the teacher's shape.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}

// TelemetryConfig holds the metrics and status endpoint configuration.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Status  StatusConfig  `yaml:"status"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// StatusConfig configures the JSON status endpoint loginproxy-top polls.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}
