package protocol

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/c360/astrobuf/errors"
)

const (
	frameHeaderSize = 2
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 1<<16 - 1
)

// WriteFrame writes a uint16 big-endian length followed by payload, looping
// over short writes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return transportError("write frame", err)
		}
		if n == 0 {
			return transportError("write frame", io.ErrShortWrite)
		}
		buf = buf[n:]
	}
	return nil
}

// ReadFrame reads one frame, blocking until the full payload has arrived or
// the reader fails. A clean EOF before any header byte is returned as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, transportError("read header", err)
	}

	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, transportError("read payload", err)
	}
	return payload, nil
}

// transportError maps I/O failures onto ErrTimeout or ErrConnectionLost so
// callers can tell an idle peer from a dead one.
func transportError(action string, err error) error {
	var ne net.Error
	if stderrors.Is(err, os.ErrDeadlineExceeded) || (stderrors.As(err, &ne) && ne.Timeout()) {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrTimeout, err), "protocol", "frame", action)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "protocol", "frame", action)
}

// IsTimeout reports whether err came from a read or write deadline.
func IsTimeout(err error) bool {
	return stderrors.Is(err, errors.ErrTimeout)
}
