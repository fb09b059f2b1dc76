// Package main runs the astrobuf data server: the client listeners, the
// chunkers that feed them, and the metrics and health endpoint.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/component"
	"github.com/c360/astrobuf/componentregistry"
	"github.com/c360/astrobuf/config"
	"github.com/c360/astrobuf/health"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/server"
)

const (
	Version = "0.1.0"
	appName = "astrobuf-server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, format := effectiveLog(cli, cfg)
	logger := setupLogger(stdout, level, format)
	slog.SetDefault(logger)

	if cli.Validate {
		// Chunker options are checked against the buffers they feed.
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		_ = a.server.Close(cli.ShutdownTimeout)
		logger.Info("Configuration is valid", "config_path", cli.ConfigPath,
			"chunkers", cfg.ChunkerNames())
		return nil
	}

	logger.Info("Starting astrobuf data server", "version", Version, "config_path", cli.ConfigPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx, cli.ShutdownTimeout); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := a.stop(cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("astrobuf shutdown complete")
	return nil
}

// effectiveLog prefers explicit flags over the config file, which already
// carries the ASTROBUF_LOG_* overrides.
func effectiveLog(cli *CLIConfig, cfg *config.Config) (string, string) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if cli.set["log-level"] {
		level = cli.LogLevel
	}
	if cli.set["log-format"] {
		format = cli.LogFormat
	}
	return level, format
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(cli.ConfigPath)
	for _, layer := range cli.Layers {
		loader.AddLayer(layer)
	}
	return loader.Load()
}

// app is a wired server ready to start.
type app struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	server   *server.Server
	runners  []*chunker.Runner
	group    *component.Group
	monitor  *health.Monitor
	metrics  *metric.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := metric.NewMetricsRegistry()

	srv, err := server.New(cfg.ToServerConfig(), server.Deps{
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	chunkers := chunker.NewRegistry()
	if err := componentregistry.RegisterAll(chunkers); err != nil {
		_ = srv.Close(time.Second)
		return nil, fmt.Errorf("register chunkers: %w", err)
	}
	logger.Debug("Chunker types registered", "types", chunkers.Types())

	a := &app{
		logger:   logger,
		registry: registry,
		server:   srv,
		group:    component.NewGroup(logger, registry),
		monitor:  health.NewMonitor(),
	}
	if err := a.add(srv); err != nil {
		return nil, err
	}

	for _, name := range cfg.ChunkerNames() {
		cc := cfg.Chunkers[name]
		runner, err := chunkers.NewRunner(chunker.Config{
			Name:     name,
			Type:     cc.Type,
			DataType: cc.DataType,
			Options:  cc.Options,
		}, chunker.Deps{
			Writer:          srv.Manager(),
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err != nil {
			_ = srv.Close(time.Second)
			return nil, fmt.Errorf("create chunker %s: %w", name, err)
		}
		if err := a.add(runner); err != nil {
			_ = srv.Close(time.Second)
			return nil, err
		}
		a.runners = append(a.runners, runner)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, registry)
		a.metrics.SetHealthHandler(health.Handler(a.monitor, appName))
	}
	return a, nil
}

func (a *app) add(c component.LifecycleComponent) error {
	if err := a.group.Add(c); err != nil {
		return fmt.Errorf("add %s: %w", c.Meta().Name, err)
	}
	a.monitor.Watch(c)
	return nil
}

// start brings up the server before the chunkers, then the HTTP endpoint.
func (a *app) start(ctx context.Context, stopTimeout time.Duration) error {
	if err := a.group.Start(ctx, stopTimeout); err != nil {
		_ = a.server.Close(stopTimeout)
		return fmt.Errorf("start components: %w", err)
	}
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			_ = a.group.Stop(stopTimeout)
			_ = a.server.Close(stopTimeout)
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.logger.Info("Metrics endpoint listening", "address", a.metrics.Address())
	}

	a.logger.Info("astrobuf started", "listeners", a.server.Addrs(), "chunkers", len(a.runners))
	return nil
}

func (a *app) stop(timeout time.Duration) error {
	var errs []error
	if a.metrics != nil {
		if err := a.metrics.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.group.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := a.server.Close(timeout); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
