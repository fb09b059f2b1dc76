package tcp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/c360/astrobuf/chunker"
	"github.com/c360/astrobuf/config"
	cerrors "github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emitter accepts connections and hands each to the test.
type emitter struct {
	ln    net.Listener
	conns chan net.Conn
}

func newEmitter(t *testing.T) *emitter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e := &emitter{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			e.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return e
}

func (e *emitter) addr() string { return e.ln.Addr().String() }

func (e *emitter) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-e.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(time.Second):
		t.Fatal("no connection from chunker")
		return nil
	}
}

func frame(p string) []byte {
	out := make([]byte, lengthHeaderSize+len(p))
	binary.BigEndian.PutUint32(out, uint32(len(p)))
	copy(out[lengthHeaderSize:], p)
	return out
}

func newChunker(t *testing.T, w chunker.Writer, opts config.Options) *Chunker {
	t.Helper()
	c, err := NewChunker(chunker.Config{Name: "vis-tcp", Type: Type, DataType: "Vis", Options: opts},
		chunker.Deps{Writer: w})
	require.NoError(t, err)
	return c
}

func connect(t *testing.T, c *Chunker) net.Conn {
	t.Helper()
	dev, err := c.NewDevice(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev.(net.Conn)
}

func TestConfigValidation(t *testing.T) {
	m := testutil.NewManager(t, 10, 1, "Vis")
	tests := []struct {
		name  string
		opts  config.Options
		field string
	}{
		{"missing address", config.Options{}, "address"},
		{"bad framing", config.Options{"address": "h:1", "framing": "lines"}, "framing"},
		{"zero chunk", config.Options{"address": "h:1", "chunk_size": 0}, "chunk_size"},
		{"zero max frame", config.Options{"address": "h:1", "framing": "length", "max_frame": 0}, "max_frame"},
		{"bad dial timeout", config.Options{"address": "h:1", "dial_timeout": "0s"}, "dial_timeout"},
		{"stall shorter than read", config.Options{"address": "h:1", "chunk_size": 10, "stall_timeout": "1ms"}, "stall_timeout"},
		{"chunk larger than buffer", config.Options{"address": "h:1", "chunk_size": 11}, "max_chunk_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(chunker.Config{Name: "t", Type: Type, DataType: "Vis", Options: tt.opts},
				chunker.Deps{Writer: m})
			require.Error(t, err)
			assert.ErrorIs(t, err, cerrors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestFixedFraming(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 4, 4, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "chunk_size": 4})
	conn := connect(t, c)
	src := e.accept(t)

	_, err := src.Write([]byte("abcdefgh"))
	require.NoError(t, err)

	for _, want := range []string{"abcd", "efgh"} {
		n, err := c.Next(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, want, string(testutil.NextChunk(t, m, "Vis", time.Second)))
	}

	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err, "idle stream is not an error")
	assert.Zero(t, n)
}

func TestFixedFramingSplitWrites(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 6, 2, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "chunk_size": 6, "read_timeout": "10ms"})
	conn := connect(t, c)
	src := e.accept(t)

	go func() {
		_, _ = src.Write([]byte("abc"))
		time.Sleep(50 * time.Millisecond)
		_, _ = src.Write([]byte("def"))
	}()

	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcdef", string(testutil.NextChunk(t, m, "Vis", time.Second)))
}

func TestLengthFraming(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 100, 4, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "framing": "length", "max_frame": 100})
	conn := connect(t, c)
	src := e.accept(t)

	_, err := src.Write(append(frame("short"), frame("a longer frame")...))
	require.NoError(t, err)

	_, err = c.Next(context.Background(), conn)
	require.NoError(t, err)
	_, err = c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "short", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	assert.Equal(t, "a longer frame", string(testutil.NextChunk(t, m, "Vis", time.Second)))
}

func TestLengthFramingDrainsWhenFull(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 100, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "framing": "length"})
	conn := connect(t, c)
	src := e.accept(t)

	_, err := src.Write(append(append(frame("first"), frame("dropped")...), frame("third")...))
	require.NoError(t, err)

	_, err = c.Next(context.Background(), conn)
	require.NoError(t, err)
	n, err := c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, lengthHeaderSize+7, n)

	assert.Equal(t, "first", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	_, err = c.Next(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "third", string(testutil.NextChunk(t, m, "Vis", time.Second)), "stream stays in sync after a drop")

	assert.Equal(t, int64(1), c.Stats().Dropped)
	assert.Equal(t, int64(7), c.Stats().DroppedBytes)
}

func TestLengthFramingRejectsOversizedFrame(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 100, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "framing": "length", "max_frame": 8})
	conn := connect(t, c)
	src := e.accept(t)

	_, err := src.Write(frame("far too long"))
	require.NoError(t, err)

	_, err = c.Next(context.Background(), conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrProtocol)
	assert.False(t, cerrors.IsFatal(err))
}

func TestEmitterCloseIsConnectionLost(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 10, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "chunk_size": 10})
	conn := connect(t, c)
	require.NoError(t, e.accept(t).Close())

	_, err := c.Next(context.Background(), conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrConnectionLost)
	assert.True(t, cerrors.IsTransient(err))
}

func TestDialFailureIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := testutil.NewManager(t, 10, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": addr, "chunk_size": 10, "dial_timeout": "200ms"})
	_, err = c.NewDevice(context.Background())
	require.Error(t, err)
	assert.True(t, cerrors.IsTransient(err))
}

func TestRunnerReconnectsToEmitter(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 5, 4, "Vis")
	reg := chunker.NewRegistry()
	require.NoError(t, reg.Register(Type, New))

	runner, err := reg.NewRunner(chunker.Config{
		Name: "vis-tcp", Type: Type, DataType: "Vis",
		Options: config.Options{"address": e.addr(), "chunk_size": 5, "read_timeout": "10ms"},
	}, chunker.Deps{Writer: m})
	require.NoError(t, err)
	runner.Reconnect.InitialDelay = 5 * time.Millisecond
	runner.Reconnect.MaxDelay = 20 * time.Millisecond

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(time.Second)

	first := e.accept(t)
	_, err = first.Write([]byte("one.."))
	require.NoError(t, err)
	assert.Equal(t, "one..", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	require.NoError(t, first.Close())

	second := e.accept(t)
	_, err = second.Write([]byte("two.."))
	require.NoError(t, err)
	assert.Equal(t, "two..", string(testutil.NextChunk(t, m, "Vis", time.Second)))
	assert.GreaterOrEqual(t, runner.Reconnects(), int64(1))
}

func TestLengthFramingIgnoresChunkSize(t *testing.T) {
	m := testutil.NewManager(t, 10, 1, "Vis")
	_, err := NewChunker(chunker.Config{
		Name: "vis-tcp", Type: Type, DataType: "Vis",
		Options: config.Options{"address": "h:1", "framing": "length"},
	}, chunker.Deps{Writer: m})
	assert.NoError(t, err, "frames are sized per message")
}

func TestFixedFramingIdleWithFullStorageDropsNothing(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 4, 1, "Vis")
	c := newChunker(t, m, config.Options{"address": e.addr(), "chunk_size": 4, "read_timeout": "5ms"})
	conn := connect(t, c)
	e.accept(t)

	w := m.GetWritableData("Vis", 4)
	require.True(t, w.IsValid())
	defer w.Discard()

	for i := 0; i < 5; i++ {
		n, err := c.Next(context.Background(), conn)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Zero(t, c.Stats().Dropped)
}

func TestFixedFramingStallMidChunk(t *testing.T) {
	e := newEmitter(t)
	m := testutil.NewManager(t, 8, 2, "Vis")
	c := newChunker(t, m, config.Options{
		"address": e.addr(), "chunk_size": 8, "read_timeout": "10ms", "stall_timeout": "50ms",
	})
	conn := connect(t, c)
	src := e.accept(t)

	_, err := src.Write([]byte("abc"))
	require.NoError(t, err)

	start := time.Now()
	n, err := c.Next(context.Background(), conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrTimeout)
	assert.True(t, cerrors.IsTransient(err))
	assert.Equal(t, 3, n)
	assert.Less(t, time.Since(start), time.Second)

	testutil.NoChunk(t, m, "Vis", 20*time.Millisecond)
	buf, ok := m.Buffer("Vis")
	require.True(t, ok)
	assert.Zero(t, buf.Stats().Locked, "partial chunk released")
}
