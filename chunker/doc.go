// Package chunker defines how ingest transports feed the data manager.
//
// A Chunker owns one transport (a UDP socket, a TCP connection, a NATS
// subscription, a WebSocket) and cuts its byte stream into chunks of a
// single data type:
//
//	type Chunker interface {
//		NewDevice(ctx context.Context) (Device, error)
//		Next(ctx context.Context, dev Device) (int, error)
//	}
//
// A Runner drives a Chunker on its own goroutine and implements
// component.LifecycleComponent:
//
//	Idle -> Connected -> Receiving -> (Receiving | Idle)
//	          ^                |
//	          |           read error
//	          |                v
//	          +---------- Reconnecting   (pkg/retry backoff, forever)
//
// Start opens the device once synchronously, so a fatal setup error such as
// a port already in use fails startup. Transient failures are retried in the
// background until Stop.
//
// Storage is never waited for. When the buffer of the data type has no free
// cell, Base.Acquire returns nil and the chunker must still read the data
// off its device and discard it, so that a slow consumer never backs up the
// kernel receive buffer. Drops are counted and logged at most every few
// seconds.
//
// Implementations embed *Base for the storage plumbing and register a
// Factory under their type name:
//
//	reg := chunker.NewRegistry()
//	componentregistry.RegisterAll(reg)
//	runner, err := reg.NewRunner(chunker.Config{
//		Name:     "vis-udp",
//		Type:     "udp",
//		DataType: "Vis",
//		Options:  opts,
//	}, chunker.Deps{Writer: srv.Manager(), Logger: logger})
package chunker
