package metric

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/astrobuf/errors"
)

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordCommit("Vis")

	srv := NewServer("127.0.0.1:0", "", registry)
	require.NoError(t, srv.Start())
	defer srv.Stop(time.Second)

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `astrobuf_storage_chunks_committed_total{data_type="Vis"} 1`)

	healthURL := strings.TrimSuffix(srv.Address(), "/metrics") + "/health"
	resp, err = http.Get(healthURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CustomHealthHandler(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/m", NewMetricsRegistry())
	srv.SetHealthHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	require.NoError(t, srv.Start())
	defer srv.Stop(time.Second)

	resp, err := http.Get(strings.TrimSuffix(srv.Address(), "/m") + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ln.Addr().String(), "", NewMetricsRegistry())
	err = srv.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrAddressInUse)
}

func TestServer_DoubleStartAndStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "", NewMetricsRegistry())
	require.NoError(t, srv.Start())

	err := srv.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second))
	assert.Equal(t, "", srv.Address())
}
