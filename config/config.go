package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"go.uber.org/multierr"

	pkgerrors "github.com/European-XFEL/Karabo-sub009/errors"
)

// Broker URL schemes understood by broker.New.
var brokerSchemes = []string{"mem", "nats", "tls", "mqtt", "mqtts"}

// ServerConfig is the resolved configuration of a device server process.
type ServerConfig struct {
	// ServerID is generated and persisted in ServerIDFile when empty.
	ServerID     string `yaml:"serverId"`
	ServerIDFile string `yaml:"serverIdFile"`
	// Broker is a URL; the scheme selects the transport.
	Broker string `yaml:"broker"`
	// Topic defaults to the user name.
	Topic              string        `yaml:"topic"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	Visibility         int32         `yaml:"visibility"`
	PluginScanInterval time.Duration `yaml:"pluginScanInterval"`
	// DeviceClasses restricts the offered classes. Empty offers all.
	DeviceClasses []string `yaml:"deviceClasses"`
	TimeServerID  string   `yaml:"timeServerId"`
	// Init is a JSON object {deviceId: {classId, ...properties}}.
	Init        string        `yaml:"init"`
	KillTimeout time.Duration `yaml:"killTimeout"`
	LogLevel    string        `yaml:"logLevel"`
	LogFormat   string        `yaml:"logFormat"`
	// MetricsPort serves /metrics when positive.
	MetricsPort int `yaml:"metricsPort"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *ServerConfig {
	return &ServerConfig{
		ServerIDFile:       "serverId.xml",
		Broker:             "nats://localhost:4222",
		HeartbeatInterval:  20 * time.Second,
		Visibility:         4,
		PluginScanInterval: 3 * time.Second,
		KillTimeout:        10 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate reports every problem of the configuration at once.
func (c *ServerConfig) Validate() error {
	var errs error

	if c.ServerID != "" && !isValidSubjectPart(c.ServerID) {
		errs = multierr.Append(errs, fmt.Errorf("serverId %q must be alphanumeric with dots, dashes, underscores", c.ServerID))
	}
	if c.Topic == "" || !isValidSubjectPart(c.Topic) {
		errs = multierr.Append(errs, fmt.Errorf("topic %q is not usable as a broker subject", c.Topic))
	}
	if err := validateBrokerURL(c.Broker); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.HeartbeatInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("heartbeatInterval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.PluginScanInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pluginScanInterval must be positive, got %s", c.PluginScanInterval))
	}
	if c.KillTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("killTimeout must be positive, got %s", c.KillTimeout))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logLevel %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logFormat %q is not json or text", c.LogFormat))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("metricsPort %d out of range", c.MetricsPort))
	}
	if c.Init != "" {
		if _, err := ParseInit(c.Init); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return pkgerrors.WrapInvalid(errs, "ServerConfig", "Validate", "check configuration")
	}
	return nil
}

func validateBrokerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("broker URL is empty")
	}
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("broker URL %q: %w", part, err)
		}
		if !slices.Contains(brokerSchemes, u.Scheme) {
			return fmt.Errorf("broker URL %q has unsupported scheme %q", part, u.Scheme)
		}
	}
	return nil
}

// isValidSubjectPart checks if a string is valid for use in broker subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
