package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/European-XFEL/Karabo-sub009/config"
)

// CLIConfig holds the dash flags. Everything else on the command line is a
// key=value argument handed to the config loader.
type CLIConfig struct {
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
	// Args are the key=value arguments, flag overrides appended last.
	Args []string
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: "+config.EnvLogLevel+")")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: "+config.EnvLogFormat+")")
	fs.BoolVar(&cfg.Debug, "debug", false, "Shorthand for --log-level=debug")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ShowHelp {
		fs.Usage()
		return cfg, nil
	}

	cfg.Args = append(cfg.Args, fs.Args()...)
	for _, a := range cfg.Args {
		if strings.HasPrefix(a, "-") {
			return nil, fmt.Errorf("flag %s must come before key=value arguments", a)
		}
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.LogLevel != "" {
		cfg.Args = append(cfg.Args, "logLevel="+cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		cfg.Args = append(cfg.Args, "logFormat="+cfg.LogFormat)
	}
	return cfg, nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - Karabo device server

Usage: %s [options] [key=value ...]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Keys:
  serverId, serverIdFile, broker, topic, heartbeatInterval, visibility,
  pluginScanInterval, deviceClasses, timeServerId, init, killTimeout,
  logLevel (or Logger.priority), logFormat, metricsPort, config=<file.yaml>

Examples:
  # Start a server hosting a generator and a sink
  %s serverId=dataServer init='{"gen": {"classId": "DataGenerator"}, "sink": {"classId": "DataSink", "input": {"connectedOutputChannels": ["gen:output"]}}}'

  # Use an in-process broker with debug logging
  %s --debug broker=mem:// serverId=local

  # Environment
  export %s=nats://broker:4222
  export %s=beamline
  %s serverId=dataServer

Version: %s
Build: %s
`, appName, appName, "KARABO_BROKER", "KARABO_BROKER_TOPIC", appName, Version, BuildTime)
}
