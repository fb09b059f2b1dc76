package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/astrobuf/errors"
)

// encoder appends big-endian fields to a payload.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v int) {
	if e.err != nil {
		return
	}
	if v < 0 || v > math.MaxUint16 {
		e.err = fmt.Errorf("%w: count %d does not fit in uint16", errors.ErrPayloadTooLarge, v)
		return
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
}

func (e *encoder) u32(v int) {
	if e.err != nil {
		return
	}
	if v < 0 || int64(v) > math.MaxUint32 {
		e.err = fmt.Errorf("%w: size %d does not fit in uint32", errors.ErrPayloadTooLarge, v)
		return
	}
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) str(s string) {
	e.u16(len(s))
	e.buf = append(e.buf, s...)
}

func (e *encoder) raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) block(b Block) {
	e.str(b.Name)
	e.str(b.Version)
	e.u32(len(b.Data))
	e.raw(b.Data)
}

func (e *encoder) bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.buf) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, len(e.buf), MaxPayload)
	}
	return e.buf, nil
}

// decoder consumes big-endian fields. The first short read sticks.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: truncated %s at offset %d", errors.ErrProtocol, what, d.off)
		return false
	}
	return true
}

func (d *decoder) u8(what string) uint8 {
	if !d.need(1, what) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u16(what string) int {
	if !d.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return int(v)
}

func (d *decoder) u32(what string) int {
	if !d.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return int(v)
}

func (d *decoder) str(what string) string {
	n := d.u16(what)
	if !d.need(n, what) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

// raw returns a copy of the next n bytes.
func (d *decoder) raw(n int, what string) []byte {
	if !d.need(n, what) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out
}

func (d *decoder) rest() []byte {
	if d.err != nil || d.off >= len(d.buf) {
		return nil
	}
	return d.raw(len(d.buf)-d.off, "rest")
}

func (d *decoder) block() Block {
	var b Block
	b.Name = d.str("block name")
	b.Version = d.str("block version")
	b.Data = d.raw(d.u32("block size"), "block data")
	return b
}

// done reports trailing bytes as a protocol error.
func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", errors.ErrProtocol, len(d.buf)-d.off)
	}
	return nil
}
