package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/c360/astrobuf/server"
	"github.com/c360/astrobuf/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Listeners = []server.ListenerConfig{{Address: "127.0.0.1:0"}}
	cfg.Data = storage.ManagerConfig{
		Streams:  []storage.BufferConfig{{Name: "Vis", MaxSize: 2048, MaxChunkSize: 512}},
		Services: []storage.BufferConfig{{Name: "Pos", MaxSize: 64, MaxChunkSize: 32}},
	}
	s, err := server.New(cfg, server.Deps{})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(2 * time.Second) })
	return s
}

func commit(t *testing.T, s *server.Server, name, payload string) {
	t.Helper()
	w := s.Manager().GetWritableData(name, len(payload))
	require.True(t, w.IsValid())
	copy(w.Data(), payload)
	w.Commit(len(payload))
}

func runJSON(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out, io.Discard))
	var v map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	return v
}

func TestCommands(t *testing.T) {
	s := startServer(t)
	addr := "--address=" + s.Addrs()[0].String()

	assert.Equal(t, "ACK", runJSON(t, addr, "ack")["message"])

	support := runJSON(t, addr, "support")
	assert.Equal(t, []any{"Vis"}, support["Streams"])
	assert.Equal(t, []any{"Pos"}, support["Services"])

	commit(t, s, "Pos", "az=1")
	commit(t, s, "Vis", "vis")
	stream := runJSON(t, addr, "--streams", "Vis", "--services", "Pos", "stream")
	streams := stream["streams"].([]any)
	require.Len(t, streams, 1)
	assert.Equal(t, "Vis", streams[0].(map[string]any)["name"])
	assert.EqualValues(t, 3, streams[0].(map[string]any)["size"])

	svc := runJSON(t, addr, "--services", "Pos", "service")
	require.Len(t, svc["services"].([]any), 1)
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "expected one command"},
		{"unknown command", []string{"--address=127.0.0.1:1", "nope"}, "unknown command"},
		{"stream without streams", []string{"--address=127.0.0.1:1", "stream"}, "--streams is required"},
		{"mismatched alternatives", []string{"--address=127.0.0.1:1", "--streams", "A|B", "--services", "P", "stream"}, "alternatives"},
		{"bad address", []string{"--address=nohost", "ack"}, "address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, io.Discard, io.Discard)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAlternatives(t *testing.T) {
	alts, err := alternatives("Vis, Spec|Vis", "Pos|")
	require.NoError(t, err)
	require.Len(t, alts, 2)
	assert.Equal(t, []string{"Spec", "Vis"}, alts[0].Streams())
	assert.Equal(t, []string{"Pos"}, alts[0].Services())
	assert.Empty(t, alts[1].Services())
}
