package protocol

import (
	"fmt"
	"sort"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/storage"
)

// ResponseKind is the one-byte discriminant leading every response payload.
type ResponseKind uint8

const (
	ResponsePlainMessage ResponseKind = iota + 1
	ResponseError
	ResponseStreamData
	ResponseServiceData
	ResponseDataSupport
)

func (k ResponseKind) String() string {
	switch k {
	case ResponsePlainMessage:
		return "plain_message"
	case ResponseError:
		return "error"
	case ResponseStreamData:
		return "stream_data"
	case ResponseServiceData:
		return "service_data"
	case ResponseDataSupport:
		return "data_support"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Response is a server reply.
type Response interface {
	Kind() ResponseKind
}

// Block is one chunk on the wire. On the server Data aliases locked cell
// memory and must be encoded before the lock is released; decoded blocks own
// their bytes.
type Block struct {
	Name    string
	Version string
	Data    []byte
}

type PlainMessage struct {
	Message string
}

// ErrorResponse carries a human-readable failure. Its kind byte is the error
// sentinel that tells it apart from a PlainMessage.
type ErrorResponse struct {
	Message string
}

// StreamDataResponse carries one stream chunk per required stream type, the
// service versions recorded with those chunks, and the service chunks that
// were locked alongside them.
type StreamDataResponse struct {
	Streams    []Block
	Associates []ServiceVersion
	Services   []Block
}

type ServiceDataResponse struct {
	Services []Block
}

// DataSupportResponse lists the data types a server offers.
type DataSupportResponse struct {
	Streams  []string
	Services []string
}

func (PlainMessage) Kind() ResponseKind        { return ResponsePlainMessage }
func (ErrorResponse) Kind() ResponseKind       { return ResponseError }
func (StreamDataResponse) Kind() ResponseKind  { return ResponseStreamData }
func (ServiceDataResponse) Kind() ResponseKind { return ResponseServiceData }
func (DataSupportResponse) Kind() ResponseKind { return ResponseDataSupport }

func (r ErrorResponse) Error() string { return r.Message }

// Stream returns the named stream block, or nil.
func (r StreamDataResponse) Stream(name string) *Block {
	return findBlock(r.Streams, name)
}

// Service returns the named service block, or nil.
func (r StreamDataResponse) Service(name string) *Block {
	return findBlock(r.Services, name)
}

// Service returns the named service block, or nil.
func (r ServiceDataResponse) Service(name string) *Block {
	return findBlock(r.Services, name)
}

func findBlock(blocks []Block, name string) *Block {
	for i := range blocks {
		if blocks[i].Name == name {
			return &blocks[i]
		}
	}
	return nil
}

// NewStreamDataResponse builds a response over the locked chunks of snap
// without copying them. Encode it before releasing snap.
func NewStreamDataResponse(snap *storage.Snapshot) StreamDataResponse {
	r := StreamDataResponse{
		Streams:  blocks(snap.Streams),
		Services: blocks(snap.Services),
	}
	assoc := snap.Associates()
	names := make([]string, 0, len(assoc))
	for name := range assoc {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.Associates = append(r.Associates, ServiceVersion{Name: name, Version: assoc[name]})
	}
	return r
}

// NewServiceDataResponse builds a response over the locked service chunks of
// snap. Encode it before releasing snap.
func NewServiceDataResponse(snap *storage.Snapshot) ServiceDataResponse {
	return ServiceDataResponse{Services: blocks(snap.Services)}
}

func blocks(locked []*storage.LockedData) []Block {
	if len(locked) == 0 {
		return nil
	}
	out := make([]Block, 0, len(locked))
	for _, l := range locked {
		out = append(out, Block{Name: l.Name(), Version: l.Version(), Data: l.Bytes()})
	}
	return out
}

func encodeResponse(resp Response) ([]byte, error) {
	if resp == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "protocol", "encodeResponse", "nil response")
	}

	e := &encoder{}
	e.u8(uint8(resp.Kind()))

	switch r := resp.(type) {
	case PlainMessage:
		e.raw([]byte(r.Message))
	case ErrorResponse:
		e.raw([]byte(r.Message))
	case StreamDataResponse:
		e.u16(len(r.Streams))
		for _, b := range r.Streams {
			e.block(b)
		}
		e.u16(len(r.Associates))
		for _, a := range r.Associates {
			e.str(a.Name)
			e.str(a.Version)
		}
		e.u16(len(r.Services))
		for _, b := range r.Services {
			e.block(b)
		}
	case ServiceDataResponse:
		e.u16(len(r.Services))
		for _, b := range r.Services {
			e.block(b)
		}
	case DataSupportResponse:
		e.u16(len(r.Streams))
		for _, s := range r.Streams {
			e.str(s)
		}
		e.u16(len(r.Services))
		for _, s := range r.Services {
			e.str(s)
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: response type %T", errors.ErrProtocol, resp),
			"protocol", "encodeResponse", "select encoding")
	}

	return e.bytes()
}

func decodeResponse(payload []byte) (Response, error) {
	d := &decoder{buf: payload}
	kind := ResponseKind(d.u8("response kind"))
	if d.err != nil {
		return nil, d.err
	}

	var resp Response
	switch kind {
	case ResponsePlainMessage:
		resp = PlainMessage{Message: string(d.rest())}
	case ResponseError:
		resp = ErrorResponse{Message: string(d.rest())}
	case ResponseStreamData:
		r := StreamDataResponse{}
		r.Streams = d.blocks()
		n := d.u16("associate count")
		for i := 0; i < n && d.err == nil; i++ {
			r.Associates = append(r.Associates, ServiceVersion{
				Name:    d.str("associate name"),
				Version: d.str("associate version"),
			})
		}
		r.Services = d.blocks()
		resp = r
	case ResponseServiceData:
		resp = ServiceDataResponse{Services: d.blocks()}
	case ResponseDataSupport:
		resp = DataSupportResponse{
			Streams:  d.names("stream"),
			Services: d.names("service"),
		}
	default:
		return nil, fmt.Errorf("%w: unknown response kind %d", errors.ErrProtocol, uint8(kind))
	}

	if err := d.done(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *decoder) blocks() []Block {
	n := d.u16("block count")
	var out []Block
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.block())
	}
	return out
}
