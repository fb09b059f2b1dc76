// Package componentregistry registers the chunker types built into astrobuf.
package componentregistry

import (
	"errors"

	"github.com/c360/astrobuf/chunker"
	natschunker "github.com/c360/astrobuf/chunker/nats"
	"github.com/c360/astrobuf/chunker/tcp"
	"github.com/c360/astrobuf/chunker/udp"
	wschunker "github.com/c360/astrobuf/chunker/websocket"
	pkgerrors "github.com/c360/astrobuf/errors"
)

// RegisterAll registers every built-in chunker type:
//   - udp: datagrams from a bound socket
//   - tcp: fixed-size or length-prefixed chunks from a dialed emitter
//   - nats: messages from a NATS subject
//   - websocket: messages from a WebSocket endpoint
func RegisterAll(registry *chunker.Registry) error {
	// Nil registry is a programming error
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "RegisterAll", "registry validation")
	}

	factories := []struct {
		typ     string
		factory chunker.Factory
	}{
		{udp.Type, udp.New},
		{tcp.Type, tcp.New},
		{natschunker.Type, natschunker.New},
		{wschunker.Type, wschunker.New},
	}
	for _, f := range factories {
		if err := registry.Register(f.typ, f.factory); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "RegisterAll", f.typ+" chunker registration")
		}
	}
	return nil
}
