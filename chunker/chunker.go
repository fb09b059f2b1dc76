package chunker

import (
	"context"
	"log/slog"

	"github.com/c360/astrobuf/config"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/storage"
)

// Device is an open transport a chunker reads from. Close must unblock a
// pending read.
type Device interface {
	Close() error
}

// Chunker turns the byte stream of one transport into chunks of one data
// type.
type Chunker interface {
	// NewDevice opens and connects the transport. It may block. Errors
	// classified as fatal stop the runner; anything else is retried.
	NewDevice(ctx context.Context) (Device, error)

	// Next reads one logical unit from dev into storage and returns the
	// number of bytes taken off the device, dropped data included. It
	// returns 0 and no error when a read deadline passed without data.
	// When storage is unavailable the data is read and discarded. A
	// non-nil error closes the device and triggers a reconnect.
	Next(ctx context.Context, dev Device) (int, error)
}

// Writer is the part of the data manager a chunker writes through.
type Writer interface {
	GetWritableData(name string, size int) *storage.WritableData
}

// ChunkLimiter is implemented by writers that know the largest chunk each
// data type accepts.
type ChunkLimiter interface {
	MaxChunkSize(name string) (int, bool)
}

var (
	_ Writer       = (*storage.Manager)(nil)
	_ ChunkLimiter = (*storage.Manager)(nil)
)

// Config identifies one chunker instance.
type Config struct {
	Name     string
	Type     string
	DataType string
	Options  config.Options
}

// Deps holds runtime dependencies for chunkers and runners.
type Deps struct {
	Writer          Writer                  // required
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Factory constructs a chunker from its configuration.
type Factory func(cfg Config, deps Deps) (Chunker, error)

// StatsProvider is implemented by chunkers embedding Base.
type StatsProvider interface {
	Stats() Stats
}
