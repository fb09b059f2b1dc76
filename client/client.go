package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/pkg/retry"
	"github.com/c360/astrobuf/protocol"
	"github.com/c360/astrobuf/storage"
)

// Config holds client settings.
type Config struct {
	// Address of the server, host:port.
	Address string
	// Codec names the wire codec; empty selects the binary codec.
	Codec       string
	DialTimeout time.Duration
	// Timeout bounds one request from dial to response when the context
	// has no earlier deadline.
	Timeout time.Duration
	// Retry applies to dial failures only. The zero value dials once.
	Retry retry.Config
}

func DefaultConfig() Config {
	return Config{
		Address:     "localhost:6969",
		DialTimeout: 5 * time.Second,
		Timeout:     30 * time.Second,
		Retry:       retry.Config{MaxAttempts: 1},
	}
}

// Deps are the optional collaborators of a Client.
type Deps struct {
	Codecs *protocol.Registry // nil selects a registry with the binary codec
	Logger *slog.Logger
}

// ServerError is an Error response returned by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// Client issues requests to a data server. Every request uses its own
// connection, as the server serves one request per session. A Client is
// safe for concurrent use.
type Client struct {
	cfg    Config
	codec  protocol.Codec
	logger *slog.Logger
}

func New(cfg Config, deps Deps) (*Client, error) {
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, errors.ConfigError("client", "address", "%q: %v", cfg.Address, err)
	}
	if cfg.DialTimeout <= 0 {
		return nil, errors.ConfigError("client", "dial_timeout", "must be > 0, got %v", cfg.DialTimeout)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.ConfigError("client", "timeout", "must be > 0, got %v", cfg.Timeout)
	}

	codecs := deps.Codecs
	if codecs == nil {
		codecs = protocol.NewRegistry()
	}
	codec, err := codecs.New(cfg.Codec)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		codec:  codec,
		logger: logger.With("component", "client", "server", cfg.Address),
	}, nil
}

// Do sends req on a fresh connection and returns the response. An Error
// response is returned as a response, not an error.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if ctx == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil context"), "Client", "Do", "validate context")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.codec.WriteRequest(conn, req); err != nil {
		return nil, errors.Wrap(err, "Client", "Do", "send "+req.Kind().String())
	}
	resp, err := c.codec.ReadResponse(conn)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Do", "read response to "+req.Kind().String())
	}
	c.logger.Debug("Request served", "request", req.Kind().String(), "response", resp.Kind().String())
	return resp, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	cfg := c.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("Dial failed, retrying", "attempt", attempt, "error", err, "retry_in", delay)
	}
	return retry.DoWithResult(ctx, cfg, func() (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"Client", "dial", "connect "+c.cfg.Address)
		}
		return conn, nil
	})
}

// Acknowledge sends a keep-alive and returns the server's reply.
func (c *Client) Acknowledge(ctx context.Context, message string) (string, error) {
	resp, err := c.Do(ctx, protocol.AcknowledgeRequest{Message: message})
	if err != nil {
		return "", err
	}
	msg, err := expect[protocol.PlainMessage](resp)
	if err != nil {
		return "", err
	}
	return msg.Message, nil
}

// StreamData asks for one snapshot satisfying the first satisfiable of the
// alternatives.
func (c *Client) StreamData(ctx context.Context, alternatives ...storage.DataRequirements) (protocol.StreamDataResponse, error) {
	resp, err := c.Do(ctx, protocol.StreamDataRequest{Alternatives: alternatives})
	if err != nil {
		return protocol.StreamDataResponse{}, err
	}
	return expect[protocol.StreamDataResponse](resp)
}

// ServiceData asks for the named service chunks.
func (c *Client) ServiceData(ctx context.Context, services ...protocol.ServiceVersion) (protocol.ServiceDataResponse, error) {
	resp, err := c.Do(ctx, protocol.ServiceDataRequest{Services: services})
	if err != nil {
		return protocol.ServiceDataResponse{}, err
	}
	return expect[protocol.ServiceDataResponse](resp)
}

// DataSupport asks which data types the server offers.
func (c *Client) DataSupport(ctx context.Context) (protocol.DataSupportResponse, error) {
	resp, err := c.Do(ctx, protocol.DataSupportRequest{})
	if err != nil {
		return protocol.DataSupportResponse{}, err
	}
	return expect[protocol.DataSupportResponse](resp)
}

// expect converts resp to T. An Error response becomes a *ServerError.
func expect[T protocol.Response](resp protocol.Response) (T, error) {
	var zero T
	switch r := resp.(type) {
	case T:
		return r, nil
	case protocol.ErrorResponse:
		return zero, &ServerError{Message: r.Message}
	default:
		return zero, errors.WrapInvalid(
			fmt.Errorf("%w: expected %s response, got %s", errors.ErrProtocol, zero.Kind(), resp.Kind()),
			"Client", "expect", "check response kind")
	}
}
