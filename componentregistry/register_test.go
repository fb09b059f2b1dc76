package componentregistry

import (
	"testing"

	"github.com/c360/astrobuf/chunker"
	pkgerrors "github.com/c360/astrobuf/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAll(t *testing.T) {
	reg := chunker.NewRegistry()
	require.NoError(t, RegisterAll(reg))
	assert.Equal(t, []string{"nats", "tcp", "udp", "websocket"}, reg.Types())

	err := RegisterAll(reg)
	require.Error(t, err, "second registration collides")
	assert.True(t, pkgerrors.IsInvalid(err))
}

func TestRegisterAllNilRegistry(t *testing.T) {
	err := RegisterAll(nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsFatal(err))
}
