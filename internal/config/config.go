package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the linkd gateway
// daemon. All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Uplink    UplinkConfig    `yaml:"uplink"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies this gateway.
type DeviceConfig struct {
	// ID is the client identifier offered to the broker. Required.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// UplinkConfig contains broker session settings.
type UplinkConfig struct {
	Broker BrokerConfig `yaml:"broker"`
	Auth   AuthConfig   `yaml:"auth"`
	TLS    TLSConfig    `yaml:"tls"`

	// KeepAlive is the CONNECT keepalive interval in seconds.
	KeepAlive int `yaml:"keep_alive"`

	// ProtocolFallback enables the one-shot legacy-level retry.
	ProtocolFallback bool `yaml:"protocol_fallback"`

	// QoS is the level used for the daemon's own publishes.
	QoS int `yaml:"qos"`

	// StatusTopic, when set, carries a retained online marker and the
	// offline testament.
	StatusTopic string `yaml:"status_topic"`

	// Subscriptions are re-established on every accepted CONNECT.
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// BrokerConfig locates the broker endpoint. A non-empty URI wins over the
// discrete fields.
type BrokerConfig struct {
	URI       string `yaml:"uri"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Secure    bool   `yaml:"secure"`
	WebSocket bool   `yaml:"websocket"`
	Path      string `yaml:"path"`
}

// AuthConfig contains broker authentication credentials. Both fields
// empty means the session authenticates anonymously.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSConfig points at PEM files on disk. Empty paths leave the
// corresponding concern at its default.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

// SubscriptionConfig is one topic filter the daemon maintains.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   int    `yaml:"qos"`
}

// JournalConfig contains the SQLite session journal settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// TelemetryConfig contains InfluxDB metrics settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
// For example: GRAYLINK_UPLINK_PASSWORD, GRAYLINK_LOGGING_LEVEL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "Gray Logic Link",
		},
		Uplink: UplinkConfig{
			Broker: BrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			KeepAlive:        30,
			ProtocolFallback: true,
			QoS:              1,
		},
		Journal: JournalConfig{
			Enabled:     true,
			Path:        "./data/linkd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Telemetry: TelemetryConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Secrets in particular should arrive this way rather
// than living in the YAML file.
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("GRAYLINK_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	// Uplink
	if v := os.Getenv("GRAYLINK_UPLINK_URI"); v != "" {
		cfg.Uplink.Broker.URI = v
	}
	if v := os.Getenv("GRAYLINK_UPLINK_HOST"); v != "" {
		cfg.Uplink.Broker.Host = v
	}
	if v := os.Getenv("GRAYLINK_UPLINK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Uplink.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLINK_UPLINK_USERNAME"); v != "" {
		cfg.Uplink.Auth.Username = v
	}
	if v := os.Getenv("GRAYLINK_UPLINK_PASSWORD"); v != "" {
		cfg.Uplink.Auth.Password = v
	}

	// Journal
	if v := os.Getenv("GRAYLINK_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// Telemetry
	if v := os.Getenv("GRAYLINK_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLINK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required (set GRAYLINK_DEVICE_ID environment variable)")
	}

	if c.Uplink.Broker.URI == "" && c.Uplink.Broker.Host == "" {
		errs = append(errs, "uplink.broker requires a uri or a host")
	}
	if c.Uplink.Broker.Port < 0 || c.Uplink.Broker.Port > 65535 {
		errs = append(errs, "uplink.broker.port must be between 0 and 65535")
	}
	if c.Uplink.QoS < 0 || c.Uplink.QoS > 2 {
		errs = append(errs, "uplink.qos must be 0, 1, or 2")
	}
	if c.Uplink.KeepAlive < 1 {
		errs = append(errs, "uplink.keep_alive must be at least 1 second")
	}
	for i, sub := range c.Uplink.Subscriptions {
		if sub.Topic == "" {
			errs = append(errs, fmt.Sprintf("uplink.subscriptions[%d].topic is required", i))
		}
		if sub.QoS < 0 || sub.QoS > 2 {
			errs = append(errs, fmt.Sprintf("uplink.subscriptions[%d].qos must be 0, 1, or 2", i))
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when journal is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Token == "" {
			errs = append(errs, "telemetry.token is required when telemetry is enabled (set GRAYLINK_TELEMETRY_TOKEN)")
		}
		if c.Telemetry.Bucket == "" {
			errs = append(errs, "telemetry.bucket is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// KeepAliveInterval returns the uplink keepalive as a Duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Uplink.KeepAlive) * time.Second
}

// JournalBusyTimeout returns the journal busy timeout as a Duration.
func (c *Config) JournalBusyTimeout() time.Duration {
	return time.Duration(c.Journal.BusyTimeout) * time.Second
}

// TelemetryFlushInterval returns the telemetry flush interval as a
// Duration.
func (c *Config) TelemetryFlushInterval() time.Duration {
	return time.Duration(c.Telemetry.FlushInterval) * time.Second
}
