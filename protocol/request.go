package protocol

import (
	"fmt"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/storage"
)

// RequestKind is the uint16 discriminant leading every request payload.
type RequestKind uint16

const (
	RequestError RequestKind = iota
	RequestAcknowledge
	RequestStreamData
	RequestServiceData
	RequestDataSupport
)

func (k RequestKind) String() string {
	switch k {
	case RequestError:
		return "error"
	case RequestAcknowledge:
		return "acknowledge"
	case RequestStreamData:
		return "stream_data"
	case RequestServiceData:
		return "service_data"
	case RequestDataSupport:
		return "data_support"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Request is a decoded client request.
type Request interface {
	Kind() RequestKind
}

// ErrorRequest stands in for a request that could not be decoded. It is
// produced by the codec, never sent deliberately by a well-behaved client.
type ErrorRequest struct {
	Message string
}

// AcknowledgeRequest is a keep-alive. An empty frame decodes to one.
type AcknowledgeRequest struct {
	Message string
}

// StreamDataRequest asks for one snapshot satisfying the first satisfiable
// requirement set, tried in order.
type StreamDataRequest struct {
	Alternatives []storage.DataRequirements
}

// ServiceVersion names a service and, optionally, the version wanted. An
// empty version means the current one.
type ServiceVersion struct {
	Name    string
	Version string
}

// ServiceDataRequest asks for the named services.
type ServiceDataRequest struct {
	Services []ServiceVersion
}

// DataSupportRequest asks which data types the server offers.
type DataSupportRequest struct{}

func (ErrorRequest) Kind() RequestKind       { return RequestError }
func (AcknowledgeRequest) Kind() RequestKind { return RequestAcknowledge }
func (StreamDataRequest) Kind() RequestKind  { return RequestStreamData }
func (ServiceDataRequest) Kind() RequestKind { return RequestServiceData }
func (DataSupportRequest) Kind() RequestKind { return RequestDataSupport }

// Versions returns the request as a name to version map.
func (r ServiceDataRequest) Versions() map[string]string {
	out := make(map[string]string, len(r.Services))
	for _, s := range r.Services {
		out[s.Name] = s.Version
	}
	return out
}

func encodeRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "protocol", "encodeRequest", "nil request")
	}

	e := &encoder{}
	e.u16(int(req.Kind()))

	switch r := req.(type) {
	case ErrorRequest:
		if r.Message != "" {
			e.str(r.Message)
		}
	case AcknowledgeRequest:
		if r.Message != "" {
			e.str(r.Message)
		}
	case StreamDataRequest:
		e.u16(len(r.Alternatives))
		for _, alt := range r.Alternatives {
			streams, services := alt.Streams(), alt.Services()
			e.u16(len(streams))
			for _, s := range streams {
				e.str(s)
			}
			e.u16(len(services))
			for _, s := range services {
				e.str(s)
			}
		}
	case ServiceDataRequest:
		e.u16(len(r.Services))
		for _, s := range r.Services {
			e.str(s.Name)
			e.str(s.Version)
		}
	case DataSupportRequest:
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: request type %T", errors.ErrProtocol, req),
			"protocol", "encodeRequest", "select encoding")
	}

	return e.bytes()
}

// decodeRequest never fails: malformed payloads become an ErrorRequest
// describing the problem.
func decodeRequest(payload []byte) Request {
	if len(payload) == 0 {
		return AcknowledgeRequest{}
	}

	d := &decoder{buf: payload}
	kind := RequestKind(d.u16("request kind"))
	if d.err != nil {
		return ErrorRequest{Message: d.err.Error()}
	}

	var req Request
	dup := ""
	switch kind {
	case RequestError:
		r := ErrorRequest{}
		if d.off < len(d.buf) {
			r.Message = d.str("message")
		}
		req = r
	case RequestAcknowledge:
		r := AcknowledgeRequest{}
		if d.off < len(d.buf) {
			r.Message = d.str("message")
		}
		req = r
	case RequestStreamData:
		n := d.u16("alternative count")
		r := StreamDataRequest{}
		for i := 0; i < n && d.err == nil; i++ {
			streams := d.names("stream")
			services := d.names("service")
			r.Alternatives = append(r.Alternatives, storage.NewRequirements(streams, services))
		}
		req = r
	case RequestServiceData:
		n := d.u16("service count")
		r := ServiceDataRequest{}
		seen := make(map[string]bool, n)
		for i := 0; i < n && d.err == nil; i++ {
			sv := ServiceVersion{
				Name:    d.str("service name"),
				Version: d.str("service version"),
			}
			if seen[sv.Name] && dup == "" {
				dup = sv.Name
			}
			seen[sv.Name] = true
			r.Services = append(r.Services, sv)
		}
		req = r
	case RequestDataSupport:
		req = DataSupportRequest{}
	default:
		return ErrorRequest{Message: fmt.Sprintf("%v: unknown request kind %d", errors.ErrProtocol, uint16(kind))}
	}

	if err := d.done(); err != nil {
		return ErrorRequest{Message: fmt.Sprintf("malformed %s request: %v", kind, err)}
	}
	if dup != "" {
		return ErrorRequest{Message: "duplicate service " + dup}
	}
	return req
}

func (d *decoder) names(what string) []string {
	n := d.u16(what + " count")
	var out []string
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str(what+" name"))
	}
	return out
}
