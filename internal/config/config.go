package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 110
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults: a POP3
// listener on the standard port, proxying to a single local backend with
// no TLS and Dovecot-equivalent timing constants.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Protocol:        "pop3",
			Host:            DefaultHost,
			Port:            DefaultPort,
			ShutdownTimeout: 10 * time.Second,
		},
		Destinations: DestinationsConfig{
			Static: []DestinationConfig{
				{
					Name:     "local",
					Host:     "127.0.0.1",
					Port:     110,
					SSL:      "none",
					Priority: 100,
				},
			},
		},
		Proxy: ProxyConfig{
			ConnectTimeout:            30 * time.Second,
			NotifyRefreshInterval:     5 * time.Second,
			HostImmediateFailureAfter: 30 * time.Second,
			MaxDisconnectDelay:        0,
			MaxReconnects:             0,
			IdleTimeout:               2 * time.Second,
			DisconnectTick:            100 * time.Millisecond,
		},
		Sasl: SaslConfig{
			DefaultMechanism:     "",
			ProxyNotTrusted:      false,
			TrustedFrontendCIDRs: nil,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			PrettyLogs: true,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Address: ":9191",
			},
			Status: StatusConfig{
				Enabled: true,
				Address: ":9192",
			},
		},
	}
}

// Load loads configuration from file and environment variables and starts
// watching the file. A change only calls onConfigChange (when not nil); the
// returned Config is not re-decoded, so a running proxy keeps the values it
// loaded at startup.
func Load(onConfigChange func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("LOGINPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("LOGINPROXY_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // ignore multiple rapid changes
			}
			lastReload = now

			// looks like on windows this event is triggered
			// before the file is fully written, not sure why
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return config, nil
}
