package testutil

import (
	"testing"
	"time"

	"github.com/c360/astrobuf/storage"
	"github.com/stretchr/testify/require"
)

// NewManager returns a data manager with one stream buffer per name, each
// holding cells chunks of chunkSize bytes. It is closed when the test ends.
func NewManager(t testing.TB, chunkSize, cells int, streams ...string) *storage.Manager {
	t.Helper()

	cfg := storage.ManagerConfig{}
	for _, name := range streams {
		cfg.Streams = append(cfg.Streams, storage.BufferConfig{
			Name:         name,
			Kind:         storage.Stream,
			MaxSize:      int64(chunkSize * cells),
			MaxChunkSize: chunkSize,
		})
	}
	m, err := storage.NewManager(cfg, storage.ManagerDeps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(time.Second) })
	return m
}

// NextChunk waits for the next chunk of a stream and returns a copy of its
// bytes. The chunk is consumed.
func NextChunk(t testing.TB, m *storage.Manager, stream string, timeout time.Duration) []byte {
	t.Helper()

	req := storage.NewRequirements([]string{stream}, nil)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		changed := m.Changed()
		if snap := m.GetLockedData(req); snap != nil {
			out := append([]byte(nil), snap.Stream(stream).Bytes()...)
			snap.Release()
			return out
		}
		select {
		case <-changed:
		case <-deadline.C:
			t.Fatalf("timeout waiting for a %s chunk", stream)
			return nil
		}
	}
}

// NoChunk asserts that no chunk of stream arrives within wait.
func NoChunk(t testing.TB, m *storage.Manager, stream string, wait time.Duration) {
	t.Helper()

	time.Sleep(wait)
	if snap := m.GetLockedData(storage.NewRequirements([]string{stream}, nil)); snap != nil {
		size := snap.Stream(stream).Size()
		snap.Release()
		t.Fatalf("unexpected %s chunk of %d bytes", stream, size)
	}
}

// Eventually polls cond every 5ms until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
