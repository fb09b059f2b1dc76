// Package errors provides the error taxonomy shared by astrobuf components.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, lost emitters, busy cells. Retry or wait for new data.
//   - Invalid: malformed frames, unknown data types, oversize payloads. Answer
//     the client with an Error response and keep the session alive.
//   - Fatal: bad configuration or a listen address already in use. Stop.
//
// Classification works on sentinel values through errors.Is, on
// *ClassifiedError through errors.As, and falls back to matching the message
// for errors produced by the net package.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// WrapTransient, WrapInvalid and WrapFatal attach a class while keeping the
// chain intact:
//
//	if err := ln.Listen(); err != nil {
//	    return errors.WrapFatal(err, "Server", "Start", "bind listener")
//	}
//
// ConfigError is the shorthand used by constructors rejecting a config field:
//
//	if cfg.ChunkSize <= 0 {
//	    return nil, errors.ConfigError("udp-chunker", "chunk_size", "must be > 0")
//	}
//
// # Buffer errors
//
// ErrCellBusy, ErrCellInvalid and ErrDataUnavailable describe
// hot-path outcomes in the storage package. Those paths report failure with an
// invalid handle instead of an error value; the sentinels show up in logs and
// in the text of Error responses sent to clients.
//
// # Retry
//
// This package only classifies. Backoff lives in pkg/retry: chunker runners
// reconnect with retry.Reconnect() and stop retrying once IsFatal reports
// true.
package errors
