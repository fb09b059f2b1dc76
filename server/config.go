package server

import (
	"net"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/storage"
)

// ListenerConfig binds one listening socket to a wire codec.
type ListenerConfig struct {
	Address string `yaml:"address"`
	Codec   string `yaml:"codec"`
}

// Config holds server settings.
type Config struct {
	Listeners []ListenerConfig

	// ReadTimeout bounds the wait for a complete request.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response.
	WriteTimeout time.Duration
	// DataWait is how long a stream request may wait for data to arrive
	// before it is answered with an error. Zero answers immediately.
	DataWait time.Duration
	// MaxSessions caps concurrent sessions; zero means no cap.
	MaxSessions int

	Data storage.ManagerConfig
}

// DefaultConfig returns a single listener on the default port.
func DefaultConfig() Config {
	return Config{
		Listeners:    []ListenerConfig{{Address: ":6969"}},
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Validate checks the server settings. Buffer definitions are checked when
// the data manager is built.
func (c Config) Validate() error {
	if len(c.Listeners) == 0 {
		return errors.ConfigError("server", "listeners", "at least one listener is required")
	}
	seen := make(map[string]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			return errors.ConfigError("server", "listeners.address", "%q: %v", l.Address, err)
		}
		if seen[l.Address] && !hasEphemeralPort(l.Address) {
			return errors.ConfigError("server", "listeners.address", "%q configured twice", l.Address)
		}
		seen[l.Address] = true
	}
	if c.ReadTimeout <= 0 {
		return errors.ConfigError("server", "read_timeout", "must be > 0, got %v", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return errors.ConfigError("server", "write_timeout", "must be > 0, got %v", c.WriteTimeout)
	}
	if c.DataWait < 0 {
		return errors.ConfigError("server", "data_wait", "must be >= 0, got %v", c.DataWait)
	}
	if c.MaxSessions < 0 {
		return errors.ConfigError("server", "max_sessions", "must be >= 0, got %d", c.MaxSessions)
	}
	return nil
}

func hasEphemeralPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && (port == "0" || port == "")
}
