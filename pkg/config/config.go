// Package config provides configuration handling for the tcpmetrics command.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tcpmetrics/pkg/logging"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tcpmetrics configuration.
type Config struct {
	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics controls how totals are reported.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Dial controls the instrumented connection factories.
	Dial DialConfig `json:"dial" yaml:"dial"`

	// Demo describes the traffic the command generates.
	Demo DemoConfig `json:"demo" yaml:"demo"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path. Empty logs to stdout only.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig contains configuration for the totals reporter and the HTTP
// endpoint.
type MetricsConfig struct {
	// Interval between two totals reports, as a Go duration. "0s" disables
	// periodic reports.
	Interval string `json:"interval" yaml:"interval"`

	// Format of the reports: text or json.
	Format string `json:"format" yaml:"format"`

	// Sockets adds one line per live socket to text reports.
	Sockets bool `json:"sockets" yaml:"sockets"`

	// ListenAddr serves /health and /metrics. Empty disables the endpoint.
	ListenAddr string `json:"listenAddr" yaml:"listenAddr"`
}

// DialConfig contains configuration for the instrumented dialers and
// listeners.
type DialConfig struct {
	// Timeout bounds outbound dials, as a Go duration.
	Timeout string `json:"timeout" yaml:"timeout"`

	// ProxyFromEnv routes outbound dials through ALL_PROXY/NO_PROXY.
	ProxyFromEnv bool `json:"proxyFromEnv" yaml:"proxyFromEnv"`

	// HookHTTP instruments http.DefaultTransport.
	HookHTTP bool `json:"hookHTTP" yaml:"hookHTTP"`

	// MaxInbound caps simultaneously accepted connections (0 = unlimited).
	MaxInbound int `json:"maxInbound" yaml:"maxInbound"`
}

// DemoConfig contains configuration for the generated traffic.
type DemoConfig struct {
	// Connections is the number of echo round trips to perform.
	Connections int `json:"connections" yaml:"connections"`

	// PayloadBytes is the size of the document written on each connection.
	PayloadBytes int `json:"payloadBytes" yaml:"payloadBytes"`

	// TLSAddr, when set, is a host:port contacted over TLS after the echo
	// round trips.
	TLSAddr string `json:"tlsAddr" yaml:"tlsAddr"`

	// Hold keeps the process alive after the workload, as a Go duration.
	Hold string `json:"hold" yaml:"hold"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Interval:   "10s",
			Format:     "text",
			ListenAddr: ":8080",
		},
		Dial: DialConfig{
			Timeout:  "10s",
			HookHTTP: true,
		},
		Demo: DemoConfig{
			Connections:  2,
			PayloadBytes: 15 * 1024 * 1024,
			Hold:         "0s",
		},
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// LoadFromEnv overrides configuration from environment variables.
func LoadFromEnv(config *Config) {
	setString(&config.Logging.Level, "LOGGING_LEVEL")
	setString(&config.Logging.File, "LOGGING_FILE")
	setInt(&config.Logging.MaxSize, "LOGGING_MAX_SIZE")
	setInt(&config.Logging.MaxBackups, "LOGGING_MAX_BACKUPS")
	setInt(&config.Logging.MaxAge, "LOGGING_MAX_AGE")

	setString(&config.Metrics.Interval, "METRICS_INTERVAL")
	setString(&config.Metrics.Format, "METRICS_FORMAT")
	setBool(&config.Metrics.Sockets, "METRICS_SOCKETS")
	if val, ok := os.LookupEnv("METRICS_ADDR"); ok {
		// An explicitly empty value disables the endpoint.
		config.Metrics.ListenAddr = strings.TrimSpace(val)
	}

	setString(&config.Dial.Timeout, "DIAL_TIMEOUT")
	setBool(&config.Dial.ProxyFromEnv, "DIAL_PROXY_FROM_ENV")
	setBool(&config.Dial.HookHTTP, "DIAL_HOOK_HTTP")
	setInt(&config.Dial.MaxInbound, "DIAL_MAX_INBOUND")

	setInt(&config.Demo.Connections, "DEMO_CONNECTIONS")
	setInt(&config.Demo.PayloadBytes, "DEMO_PAYLOAD_BYTES")
	setString(&config.Demo.TLSAddr, "DEMO_TLS_ADDR")
	setString(&config.Demo.Hold, "DEMO_HOLD")

	// DEBUG wins over LOGGING_LEVEL.
	if Truthy(os.Getenv("DEBUG")) {
		config.Logging.Level = "debug"
	}
}

// Truthy parses the boolean spellings accepted in environment variables.
func Truthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = Truthy(val)
	}
}

// Validate validates the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Logging.File != "" && c.Logging.MaxSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid log file max size: %d", c.Logging.MaxSize))
	}

	if d, err := time.ParseDuration(c.Metrics.Interval); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid metrics interval: %w", err))
	} else if d < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid metrics interval: %s", c.Metrics.Interval))
	}
	switch c.Metrics.Format {
	case "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid metrics format: %s", c.Metrics.Format))
	}
	if c.Metrics.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid metrics listen address: %w", err))
		}
	}

	if d, err := time.ParseDuration(c.Dial.Timeout); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid dial timeout: %w", err))
	} else if d < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid dial timeout: %s", c.Dial.Timeout))
	}
	if c.Dial.MaxInbound < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid max inbound connections: %d", c.Dial.MaxInbound))
	}

	if c.Demo.Connections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid demo connections: %d", c.Demo.Connections))
	}
	if c.Demo.PayloadBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid demo payload size: %d", c.Demo.PayloadBytes))
	}
	if c.Demo.TLSAddr != "" {
		if _, _, err := net.SplitHostPort(c.Demo.TLSAddr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid demo TLS address: %w", err))
		}
	}
	if _, err := time.ParseDuration(c.Demo.Hold); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid demo hold: %w", err))
	}

	return errs
}

// MetricsInterval returns the parsed report interval. Call Validate first.
func (c *Config) MetricsInterval() time.Duration {
	d, _ := time.ParseDuration(c.Metrics.Interval)
	return d
}

// DialTimeout returns the parsed dial timeout. Call Validate first.
func (c *Config) DialTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Dial.Timeout)
	return d
}

// DemoHold returns the parsed hold duration. Call Validate first.
func (c *Config) DemoHold() time.Duration {
	d, _ := time.ParseDuration(c.Demo.Hold)
	return d
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		if err := logging.EnableFileLogging(c.Logging.File, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}

// SaveToFile saves the configuration to a .json, .yaml or .yml file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
