// Package main is a command-line client for astrobuf servers: it sends one request and
// prints the response as JSON.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/astrobuf/client"
	"github.com/c360/astrobuf/pkg/retry"
	"github.com/c360/astrobuf/protocol"
	"github.com/c360/astrobuf/storage"
)

const (
	Version = "0.1.0"
	appName = "astrobuf-client"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

type options struct {
	address  string
	codec    string
	timeout  time.Duration
	retries  int
	logLevel string
	streams  string
	services string
	version  string
	message  string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.address, "address", envOr("ASTROBUF_ADDRESS", "localhost:6969"), "Server address (env: ASTROBUF_ADDRESS)")
	fs.StringVar(&opts.codec, "codec", "", "Wire codec; empty selects binary")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	fs.IntVar(&opts.retries, "retries", 1, "Dial attempts")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.streams, "streams", "", "Comma-separated stream types; '|' separates alternatives")
	fs.StringVar(&opts.services, "services", "", "Comma-separated service types; '|' separates alternatives")
	fs.StringVar(&opts.version, "version", "", "Service version to ask for (service command)")
	fs.StringVar(&opts.message, "message", "", "Acknowledge message")
	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one command, got %d", fs.NArg())
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(opts.logLevel)}))

	cfg := client.DefaultConfig()
	cfg.Address = opts.address
	cfg.Codec = opts.codec
	cfg.Timeout = opts.timeout
	cfg.Retry = retry.Config{MaxAttempts: opts.retries, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	c, err := client.New(cfg, client.Deps{Logger: logger})
	if err != nil {
		return err
	}

	result, err := execute(ctx, c, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func execute(ctx context.Context, c *client.Client, command string, opts options) (any, error) {
	switch command {
	case "ack":
		msg, err := c.Acknowledge(ctx, opts.message)
		if err != nil {
			return nil, err
		}
		return map[string]string{"message": msg}, nil
	case "support":
		return c.DataSupport(ctx)
	case "stream":
		alts, err := alternatives(opts.streams, opts.services)
		if err != nil {
			return nil, err
		}
		resp, err := c.StreamData(ctx, alts...)
		if err != nil {
			return nil, err
		}
		return blockView{Streams: view(resp.Streams), Services: view(resp.Services), Associates: resp.Associates}, nil
	case "service":
		names := splitNames(opts.services)
		if len(names) == 0 {
			return nil, fmt.Errorf("service: --services is required")
		}
		req := make([]protocol.ServiceVersion, 0, len(names))
		for _, n := range names {
			req = append(req, protocol.ServiceVersion{Name: n, Version: opts.version})
		}
		resp, err := c.ServiceData(ctx, req...)
		if err != nil {
			return nil, err
		}
		return blockView{Services: view(resp.Services)}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// alternatives pairs the i-th stream group with the i-th service group.
func alternatives(streams, services string) ([]storage.DataRequirements, error) {
	sg := strings.Split(streams, "|")
	vg := strings.Split(services, "|")
	if streams == "" {
		return nil, fmt.Errorf("stream: --streams is required")
	}
	if services != "" && len(vg) != len(sg) {
		return nil, fmt.Errorf("stream: %d stream alternatives but %d service alternatives", len(sg), len(vg))
	}
	alts := make([]storage.DataRequirements, len(sg))
	for i := range sg {
		var svc []string
		if services != "" {
			svc = splitNames(vg[i])
		}
		alts[i] = storage.NewRequirements(splitNames(sg[i]), svc)
	}
	return alts, nil
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type block struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int    `json:"size"`
	Data    []byte `json:"data"`
}

type blockView struct {
	Streams    []block                   `json:"streams,omitempty"`
	Services   []block                   `json:"services,omitempty"`
	Associates []protocol.ServiceVersion `json:"associates,omitempty"`
}

func view(blocks []protocol.Block) []block {
	out := make([]block, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, block{Name: b.Name, Version: b.Version, Size: len(b.Data), Data: b.Data})
	}
	return out
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return l
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - query an astrobuf data server

Usage: %s [options] <ack|support|stream|service>

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  %s support
  %s --streams Vis --services Pos stream
  %s --streams 'Vis|Spec' stream
  %s --services Pos --version 3 service

Version: %s
`, appName, appName, appName, appName, Version)
}
