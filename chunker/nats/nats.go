package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/errors"
	"github.com/nats-io/nats.go"
)

// Type is the registry name of the NATS chunker.
const Type = "nats"

// Config holds the NATS chunker options.
type Config struct {
	URL     string
	Subject string
	// Queue, when set, joins a queue group so several servers share a
	// subject.
	Queue string

	ClientName    string
	Username      string
	Password      string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	Timeout       time.Duration
	ReadTimeout   time.Duration
	// Pending is the depth of the delivery channel.
	Pending int
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
		PingInterval:  20 * time.Second,
		Timeout:       2 * time.Second,
		ReadTimeout:   100 * time.Millisecond,
		Pending:       1024,
	}
}

func (c Config) Validate(name string) error {
	component := "chunker:" + name
	if c.URL == "" {
		return errors.ConfigError(component, "url", "must not be empty")
	}
	if c.Subject == "" {
		return errors.ConfigError(component, "subject", "must not be empty")
	}
	if c.Timeout <= 0 {
		return errors.ConfigError(component, "timeout", "must be > 0, got %v", c.Timeout)
	}
	if c.ReadTimeout <= 0 {
		return errors.ConfigError(component, "read_timeout", "must be > 0, got %v", c.ReadTimeout)
	}
	if c.Pending <= 0 {
		return errors.ConfigError(component, "pending", "must be > 0, got %d", c.Pending)
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.ConfigError(component, "username", "username and password must be set together")
	}
	return nil
}

// device is one connection with its subscription.
type device struct {
	conn *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

func (d *device) Close() error {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	if d.conn != nil {
		d.conn.Close()
	}
	return nil
}

func (d *device) closed() bool {
	return d.conn != nil && d.conn.IsClosed()
}

// Chunker subscribes to a subject and writes each message payload as one
// chunk.
type Chunker struct {
	*chunker.Base
	cfg Config
}

var _ chunker.Chunker = (*Chunker)(nil)

// New builds a NATS chunker. Options: url, subject, queue, name, username,
// password, token, max_reconnects, reconnect_wait, ping_interval, timeout,
// read_timeout, pending.
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
	c.Subject = o.GetString("subject", c.Subject)
	c.Queue = o.GetString("queue", c.Queue)
	c.ClientName = o.GetString("name", "astrobuf-"+cfg.Name)
	c.Username = o.GetString("username", c.Username)
	c.Password = o.GetString("password", c.Password)
	c.Token = o.GetString("token", c.Token)
	c.MaxReconnects = o.GetInt("max_reconnects", c.MaxReconnects)
	c.ReconnectWait = o.GetDuration("reconnect_wait", c.ReconnectWait)
	c.PingInterval = o.GetDuration("ping_interval", c.PingInterval)
	c.Timeout = o.GetDuration("timeout", c.Timeout)
	c.ReadTimeout = o.GetDuration("read_timeout", c.ReadTimeout)
	c.Pending = o.GetInt("pending", c.Pending)
	if err := c.Validate(cfg.Name); err != nil {
		return nil, err
	}
	return &Chunker{Base: base, cfg: c}, nil
}

func (c *Chunker) connectionOptions() []nats.Option {
	logger := c.Logger()
	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.PingInterval(c.cfg.PingInterval),
		nats.Timeout(c.cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	}
	if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

// NewDevice connects and subscribes. Connection failures are transient;
// an invalid subject is fatal.
func (c *Chunker) NewDevice(ctx context.Context) (chunker.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "nats-chunker", "NewDevice", "check context")
	}

	conn, err := nats.Connect(c.cfg.URL, c.connectionOptions()...)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"nats-chunker", "NewDevice", "connect "+c.cfg.URL)
	}

	d := &device{conn: conn, msgs: make(chan *nats.Msg, c.cfg.Pending)}
	if c.cfg.Queue != "" {
		d.sub, err = conn.ChanQueueSubscribe(c.cfg.Subject, c.cfg.Queue, d.msgs)
	} else {
		d.sub, err = conn.ChanSubscribe(c.cfg.Subject, d.msgs)
	}
	if err != nil {
		conn.Close()
		if err == nats.ErrBadSubject {
			return nil, errors.WrapFatal(err, "nats-chunker", "NewDevice", "subscribe "+c.cfg.Subject)
		}
		return nil, errors.WrapTransient(err, "nats-chunker", "NewDevice", "subscribe "+c.cfg.Subject)
	}

	c.Logger().Info("NATS chunker subscribed", "url", conn.ConnectedUrl(),
		"subject", c.cfg.Subject, "queue", c.cfg.Queue)
	return d, nil
}

// Next writes the next message as a chunk. Empty messages are skipped.
func (c *Chunker) Next(ctx context.Context, dev chunker.Device) (int, error) {
	d, ok := dev.(*device)
	if !ok {
		return 0, errors.WrapFatal(fmt.Errorf("unexpected device %T", dev), "nats-chunker", "Next", "check device")
	}

	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case msg := <-d.msgs:
		n := len(msg.Data)
		if n > 0 && !c.Write(msg.Data) {
			c.Dropped(n)
		}
		return n, nil
	case <-timer.C:
		if d.closed() {
			return 0, errors.WrapTransient(fmt.Errorf("%w: nats connection closed", errors.ErrConnectionLost),
				"nats-chunker", "Next", "receive message")
		}
		return 0, nil
	case <-ctx.Done():
		return 0, nil
	}
}
