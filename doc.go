// Package astrobuf is a data server for radio telescope backends. It sits
// between the instruments that emit raw data and the processing pipelines
// that consume it.
//
// # Data flow
//
// Chunkers read from a device (UDP socket, TCP stream, NATS subject or
// WebSocket feed) and commit each chunk into a DataBuffer owned by the
// storage.Manager. Pipelines connect over TCP, send one framed request per
// session, and receive either the data they asked for or an Error response:
//
//	telescope --> chunker --> storage.Manager --> server.Session --> pipeline
//
// Stream buffers hand each chunk to exactly one consumer, oldest first.
// Service buffers keep the latest chunk of slowly changing context data,
// such as antenna positions, and serve it to every request until a newer one
// is committed.
//
// # Storage never blocks the instrument
//
// All cells are allocated up front. When a buffer has no free cell the write
// is dropped and counted; chunkers keep draining their device so that the
// kernel socket buffer never fills up.
//
// # Packages
//
//   - storage: cells, stream and service buffers, the manager
//   - protocol: request and response types and the framed binary codec
//   - server: listeners and sessions
//   - chunker and its subpackages: the ingest side
//   - client: the pipeline side of the wire protocol
//   - config, errors, metric, health, component: shared infrastructure
//
// The cmd/astrobuf-server and cmd/astrobuf-client executables wire these
// together.
package astrobuf
