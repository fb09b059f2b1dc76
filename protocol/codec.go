package protocol

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/c360/astrobuf/errors"
)

// Codec reads and writes framed requests and responses on a stream.
//
// ReadRequest returns an error only for transport failures (EOF, timeout,
// lost connection). Anything that arrives but cannot be decoded comes back
// as an ErrorRequest so the caller can answer it.
type Codec interface {
	Name() string
	ReadRequest(r io.Reader) (Request, error)
	WriteRequest(w io.Writer, req Request) error
	ReadResponse(r io.Reader) (Response, error)
	WriteResponse(w io.Writer, resp Response) error
}

// DefaultCodec is the name of the built-in binary codec.
const DefaultCodec = "binary"

// BinaryCodec implements the uint16 length-prefixed big-endian wire format.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return DefaultCodec }

func (BinaryCodec) ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeRequest(payload), nil
}

func (BinaryCodec) WriteRequest(w io.Writer, req Request) error {
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func (BinaryCodec) ReadResponse(r io.Reader) (Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	resp, err := decodeResponse(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "BinaryCodec", "ReadResponse", "decode response")
	}
	return resp, nil
}

// WriteResponse fails with ErrPayloadTooLarge, before writing anything, when
// the encoded response does not fit in one frame.
func (BinaryCodec) WriteResponse(w io.Writer, resp Response) error {
	payload, err := encodeResponse(resp)
	if err != nil {
		return errors.WrapInvalid(err, "BinaryCodec", "WriteResponse", "encode "+resp.Kind().String())
	}
	return WriteFrame(w, payload)
}

// Factory constructs a codec.
type Factory func() Codec

// Registry maps codec names to factories. It is populated at startup and
// passed to whatever needs to pick a codec by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the binary codec.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register(DefaultCodec, func() Codec { return BinaryCodec{} })
	return r
}

// Register adds a codec factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "protocol.Registry", "Register", "validate codec")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: codec %q already registered", errors.ErrInvalidConfig, name),
			"protocol.Registry", "Register", "add codec")
	}
	r.factories[name] = f
	return nil
}

// New constructs the named codec. An empty name selects the default.
func (r *Registry) New(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodec
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.ConfigError("protocol", "codec", "unknown codec %q (have %v)", name, r.Names())
	}
	return f(), nil
}

// Names lists registered codecs, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
