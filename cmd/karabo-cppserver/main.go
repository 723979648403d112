// Package main implements karabo-cppserver, the device server process. It
// joins a broker topic, offers the built-in device classes and starts the
// devices named by init.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/config"
	"github.com/European-XFEL/Karabo-sub009/devices"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/server"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "karabo-cppserver"
)

// Exit codes
const (
	exitOK       = 0
	exitConfig   = 1
	exitLoad     = 2
	exitSignaled = 130
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

// exitError carries the process exit code of a failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitLoad)
		}
	}()

	os.Exit(exitCode(run(os.Args[1:], os.Stdout, os.Stderr)))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code != exitSignaled {
			slog.Error("Server failed", "error", ee.err, "exit_code", ee.code)
		}
		return ee.code
	}
	slog.Error("Server failed", "error", err, "exit_code", exitConfig)
	return exitConfig
}

func run(args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fail(exitConfig, "invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		return nil
	}

	cfg, runtimeCfg, err := config.NewLoader().Load(cli.Args)
	if err != nil {
		return fail(exitConfig, "load config: %w", err)
	}

	logger, levelVar := setupLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	host, _ := os.Hostname()
	serverID, err := config.ResolveServerID(cfg, host)
	if err != nil {
		return fail(exitConfig, "resolve server id: %w", err)
	}
	initDevices, err := config.ParseInit(cfg.Init)
	if err != nil {
		return fail(exitConfig, "parse init: %w", err)
	}

	slog.Info("Starting device server",
		"version", Version,
		"build_time", BuildTime,
		"server_id", serverID,
		"broker", cfg.Broker,
		"topic", cfg.Topic)
	slog.Debug("Runtime configuration", "keys", runtimeCfg.Keys())

	if cli.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	if err := devices.Register(server.DefaultRegistry()); err != nil {
		return fail(exitLoad, "register device classes: %w", err)
	}

	ctx := context.Background()
	metricsRegistry := metric.NewMetricsRegistry()
	transport, err := connectBroker(ctx, cfg, serverID, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := transport.Close(closeCtx); err != nil {
			slog.Warn("Closing broker connection failed", "error", err)
		}
	}()

	if cfg.MetricsPort > 0 {
		ms := metric.NewServer(cfg.MetricsPort, "", metricsRegistry)
		if err := ms.Start(); err != nil {
			return fail(exitLoad, "start metrics server: %w", err)
		}
		defer func() { _ = ms.Stop() }()
		slog.Info("Metrics available", "address", ms.Address())
	}

	srv, err := server.New(transport, server.Config{
		ServerID:          serverID,
		Topic:             cfg.Topic,
		HostName:          host,
		Visibility:        cfg.Visibility,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DeviceClasses:     cfg.DeviceClasses,
		ScanInterval:      cfg.PluginScanInterval,
		TimeServerID:      cfg.TimeServerID,
		Init:              deviceSpecs(initDevices),
		KillTimeout:       cfg.KillTimeout,
		LogLevel:          levelVar,
		Logger:            logger,
		Metrics:           metricsRegistry.CoreMetrics(),
	})
	if err != nil {
		return fail(exitConfig, "create server: %w", err)
	}

	return runWithSignalHandling(ctx, srv, cfg.KillTimeout)
}

func connectBroker(
	ctx context.Context,
	cfg *config.ServerConfig,
	serverID string,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (broker.Transport, error) {
	transport, err := broker.New(cfg.Broker, broker.Options{
		Logger:   logger,
		Registry: registry,
		Name:     serverID,
	})
	if err != nil {
		return nil, fail(exitConfig, "create broker transport: %w", err)
	}

	slog.Info("Connecting to broker", "url", cfg.Broker)
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := transport.Connect(connCtx); err != nil {
		return nil, fail(exitLoad, "connect to broker: %w", err)
	}
	return transport, nil
}

func deviceSpecs(in []config.DeviceInit) []server.DeviceSpec {
	specs := make([]server.DeviceSpec, 0, len(in))
	for _, d := range in {
		specs = append(specs, server.DeviceSpec{
			ClassID:  d.ClassID,
			DeviceID: d.DeviceID,
			Config:   d.Config,
		})
	}
	return specs
}

// runWithSignalHandling serves until a signal arrives or the server is
// killed over the broker.
func runWithSignalHandling(ctx context.Context, srv *server.Server, killTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := srv.Start(signalCtx); err != nil {
		return fail(exitLoad, "start server: %w", err)
	}
	slog.Info("Device server started", "server_id", srv.ID(), "devices", srv.Devices())

	select {
	case <-srv.Done():
		slog.Info("Device server killed remotely")
		return nil
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	}

	timeout := shutdownTimeout
	if killTimeout > 0 && killTimeout < timeout {
		timeout = killTimeout + time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("Error stopping server", "error", err)
	}
	slog.Info("Device server shutdown complete")
	return &exitError{code: exitSignaled, err: errors.New("interrupted")}
}
