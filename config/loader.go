package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/European-XFEL/Karabo-sub009/broker"
	pkgerrors "github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

// KeyConfigFile names the YAML file among the command line arguments.
const KeyConfigFile = "config"

// Environment variables read by the loader besides the broker ones.
const (
	EnvLogLevel  = "KARABO_LOG_LEVEL"
	EnvLogFormat = "KARABO_LOG_FORMAT"
)

// Arg is one key=value pair from the command line.
type Arg struct {
	Key   string
	Value string
}

// ParseArgs splits key=value arguments, keeping their order.
func ParseArgs(args []string) ([]Arg, error) {
	out := make([]Arg, 0, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, pkgerrors.WrapInvalid(fmt.Errorf("argument %q is not key=value", a), "Loader", "ParseArgs", "split argument")
		}
		out = append(out, Arg{Key: k, Value: v})
	}
	return out, nil
}

// Loader resolves a ServerConfig from defaults, a YAML file, the
// environment and command line arguments, in that order.
type Loader struct {
	lookupEnv func(string) (string, bool)
}

// NewLoader returns a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// WithEnv replaces the environment lookup.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load resolves the configuration for args. The returned Hash projects
// every argument as a dotted path and is the server's runtime
// configuration.
func (l *Loader) Load(args []string) (*ServerConfig, *hash.Hash, error) {
	pairs, err := ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	cfg := Defaults()
	for _, p := range pairs {
		if p.Key == KeyConfigFile {
			if err := loadYAML(p.Value, cfg); err != nil {
				return nil, nil, err
			}
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, nil, err
	}

	runtime := &hash.Hash{}
	for _, p := range pairs {
		if p.Key == KeyConfigFile {
			continue
		}
		if err := applyArg(cfg, p); err != nil {
			return nil, nil, err
		}
		if _, err := runtime.TrySet(p.Key, p.Value); err != nil {
			return nil, nil, pkgerrors.WrapInvalid(err, "Loader", "Load", "project "+p.Key)
		}
	}

	if cfg.Topic == "" {
		cfg.Topic = broker.TopicFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, runtime, nil
}

func loadYAML(path string, cfg *ServerConfig) error {
	data, err := safeReadFile(path)
	if err != nil {
		return pkgerrors.WrapInvalid(err, "Loader", "Load", "read "+path)
	}
	// Fields absent from the file keep their current values.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return pkgerrors.WrapInvalid(err, "Loader", "Load", "parse "+path)
	}
	return nil
}

func (l *Loader) applyEnvOverrides(cfg *ServerConfig) error {
	for _, e := range []struct {
		name   string
		target *string
	}{
		{broker.EnvBroker, &cfg.Broker},
		{broker.EnvTopic, &cfg.Topic},
		{EnvLogLevel, &cfg.LogLevel},
		{EnvLogFormat, &cfg.LogFormat},
	} {
		val, ok := l.lookupEnv(e.name)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(e.name, val); err != nil {
			return pkgerrors.WrapInvalid(err, "Loader", "Load", "read environment")
		}
		*e.target = val
	}
	return nil
}

// applyArg sets the ServerConfig field named by a command line key.
// Unknown keys only reach the runtime Hash.
func applyArg(cfg *ServerConfig, a Arg) error {
	var err error
	switch a.Key {
	case "serverId":
		cfg.ServerID = a.Value
	case "serverIdFile":
		cfg.ServerIDFile = a.Value
	case "broker":
		cfg.Broker = a.Value
	case "topic":
		cfg.Topic = a.Value
	case "heartbeatInterval":
		cfg.HeartbeatInterval, err = parseSeconds(a.Value)
	case "visibility":
		var v int64
		v, err = strconv.ParseInt(a.Value, 10, 32)
		cfg.Visibility = int32(v)
	case "pluginScanInterval":
		cfg.PluginScanInterval, err = parseSeconds(a.Value)
	case "deviceClasses":
		cfg.DeviceClasses = splitList(a.Value)
	case "timeServerId":
		cfg.TimeServerID = a.Value
	case "init":
		cfg.Init = a.Value
	case "killTimeout":
		cfg.KillTimeout, err = parseSeconds(a.Value)
	case "logLevel", "Logger.priority":
		cfg.LogLevel = a.Value
	case "logFormat":
		cfg.LogFormat = a.Value
	case "metricsPort":
		cfg.MetricsPort, err = strconv.Atoi(a.Value)
	}
	if err != nil {
		return pkgerrors.WrapInvalid(fmt.Errorf("%s=%s: %w", a.Key, a.Value, err), "Loader", "Load", "apply argument")
	}
	return nil
}

// parseSeconds accepts a Go duration or a plain number of seconds.
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
