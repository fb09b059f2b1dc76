package websocket

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/errors"
	"github.com/gorilla/websocket"
)

// Type is the registry name of the WebSocket chunker.
const Type = "websocket"

// Config holds the WebSocket chunker options.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	MaxMessage       int64
	// BinaryOnly skips text messages.
	BinaryOnly bool
	// Auth is "none", "bearer" or "basic". Credentials come from the
	// environment variables named below.
	Auth             string
	BearerTokenEnv   string
	BasicUsernameEnv string
	BasicPasswordEnv string
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      100 * time.Millisecond,
		MaxMessage:       16 * 1024 * 1024,
		Auth:             "none",
	}
}

func (c Config) Validate(name string) error {
	component := "chunker:" + name
	u, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		return errors.ConfigError(component, "url", "invalid url %q", c.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.ConfigError(component, "url", "scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.ConfigError(component, "handshake_timeout", "must be > 0, got %v", c.HandshakeTimeout)
	}
	if c.ReadTimeout <= 0 {
		return errors.ConfigError(component, "read_timeout", "must be > 0, got %v", c.ReadTimeout)
	}
	switch c.Auth {
	case "none", "":
	case "bearer":
		if c.BearerTokenEnv == "" {
			return errors.ConfigError(component, "bearer_token_env", "required for bearer auth")
		}
	case "basic":
		if c.BasicUsernameEnv == "" || c.BasicPasswordEnv == "" {
			return errors.ConfigError(component, "basic_username_env", "username and password variables required for basic auth")
		}
	default:
		return errors.ConfigError(component, "auth", "unknown auth type %q", c.Auth)
	}
	return nil
}

func (c Config) headers() http.Header {
	headers := http.Header{}
	switch c.Auth {
	case "bearer":
		if token := os.Getenv(c.BearerTokenEnv); token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	case "basic":
		username := os.Getenv(c.BasicUsernameEnv)
		password := os.Getenv(c.BasicPasswordEnv)
		if username != "" && password != "" {
			encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
			headers.Set("Authorization", "Basic "+encoded)
		}
	}
	return headers
}

// device pumps messages from one connection into msgs. gorilla connections
// cannot be read again after a deadline expires, so reads happen on their
// own goroutine and Next waits on the channel instead.
type device struct {
	conn *websocket.Conn
	msgs chan []byte
	done chan struct{}
	err  error // set before msgs is closed

	closeOnce sync.Once
}

func newDevice(conn *websocket.Conn, binaryOnly bool) *device {
	d := &device{conn: conn, msgs: make(chan []byte), done: make(chan struct{})}
	go d.read(binaryOnly)
	return d
}

func (d *device) read(binaryOnly bool) {
	defer close(d.msgs)
	for {
		typ, data, err := d.conn.ReadMessage()
		if err != nil {
			d.err = err
			return
		}
		if binaryOnly && typ != websocket.BinaryMessage {
			continue
		}
		select {
		case d.msgs <- data:
		case <-d.done:
			return
		}
	}
}

func (d *device) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = d.conn.Close()
	})
	return nil
}

// Chunker dials a WebSocket endpoint and writes each message as one chunk.
type Chunker struct {
	*chunker.Base
	cfg    Config
	dialer *websocket.Dialer
}

var _ chunker.Chunker = (*Chunker)(nil)

// New builds a WebSocket chunker. Options: url, handshake_timeout,
// read_timeout, max_message, binary_only, auth, bearer_token_env,
// basic_username_env, basic_password_env.
func New(cfg chunker.Config, deps chunker.Deps) (chunker.Chunker, error) {
	return NewChunker(cfg, deps)
}

func NewChunker(cfg chunker.Config, deps chunker.Deps) (*Chunker, error) {
	base, err := chunker.NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}

	c := DefaultConfig()
	o := cfg.Options
	c.URL = o.GetString("url", c.URL)
	c.HandshakeTimeout = o.GetDuration("handshake_timeout", c.HandshakeTimeout)
	c.ReadTimeout = o.GetDuration("read_timeout", c.ReadTimeout)
	c.MaxMessage = o.GetInt64("max_message", c.MaxMessage)
	c.BinaryOnly = o.GetBool("binary_only", c.BinaryOnly)
	c.Auth = o.GetString("auth", c.Auth)
	c.BearerTokenEnv = o.GetString("bearer_token_env", c.BearerTokenEnv)
	c.BasicUsernameEnv = o.GetString("basic_username_env", c.BasicUsernameEnv)
	c.BasicPasswordEnv = o.GetString("basic_password_env", c.BasicPasswordEnv)
	if err := c.Validate(cfg.Name); err != nil {
		return nil, err
	}

	return &Chunker{
		Base:   base,
		cfg:    c,
		dialer: &websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout},
	}, nil
}

// NewDevice dials the endpoint. A rejected handshake with a 401 or 403 is
// fatal; everything else is retried.
func (c *Chunker) NewDevice(ctx context.Context) (chunker.Device, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.headers())
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.WrapFatal(fmt.Errorf("%w: handshake rejected with %s", errors.ErrInvalidConfig, resp.Status),
				"websocket-chunker", "NewDevice", "dial "+c.cfg.URL)
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"websocket-chunker", "NewDevice", "dial "+c.cfg.URL)
	}
	if c.cfg.MaxMessage > 0 {
		conn.SetReadLimit(c.cfg.MaxMessage)
	}
	c.Logger().Info("WebSocket chunker connected", "url", c.cfg.URL)
	return newDevice(conn, c.cfg.BinaryOnly), nil
}

// Next writes the next message as a chunk.
func (c *Chunker) Next(ctx context.Context, dev chunker.Device) (int, error) {
	d, ok := dev.(*device)
	if !ok {
		return 0, errors.WrapFatal(fmt.Errorf("unexpected device %T", dev), "websocket-chunker", "Next", "check device")
	}

	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-d.msgs:
		if !ok {
			if ctx.Err() != nil {
				return 0, nil
			}
			return 0, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, d.err),
				"websocket-chunker", "Next", "read message")
		}
		n := len(data)
		if n > 0 && !c.Write(data) {
			c.Dropped(n)
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, nil
	}
}
