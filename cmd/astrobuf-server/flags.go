package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Layers          []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool

	// set records which flags were given explicitly.
	set map[string]bool
}

type layerFlag []string

func (l *layerFlag) String() string     { return fmt.Sprint(*l) }
func (l *layerFlag) Set(v string) error { *l = append(*l, v); return nil }

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("ASTROBUF_CONFIG", ""),
		"Path to configuration file (env: ASTROBUF_CONFIG)")
	fs.Var((*layerFlag)(&cfg.Layers), "layer",
		"Additional configuration file merged over the first; repeatable")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("ASTROBUF_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: ASTROBUF_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("ASTROBUF_LOG_FORMAT", "json"),
		"Log format: json, text (env: ASTROBUF_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("ASTROBUF_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: ASTROBUF_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })

	// positional config path wins over the flag
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("expected at most one config path, got %v", fs.Args())
	}
	if fs.NArg() == 1 {
		cfg.ConfigPath = fs.Arg(0)
		cfg.set["config"] = true
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if cfg.ConfigPath == "" {
		return fmt.Errorf("no configuration file given")
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - telescope data server

Usage: %s [options] <config.yaml>

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file
  %s /etc/astrobuf/server.yaml

  # Debug logging in text format
  %s --log-level=debug --log-format=text server.yaml

  # Site overrides on top of a base file
  %s --layer site.yaml base.yaml

  # Validate configuration only
  %s --validate server.yaml

Version: %s
`, appName, appName, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
