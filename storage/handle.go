package storage

import (
	"strconv"
	"sync/atomic"
)

func formatVersion(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// WritableData grants exclusive write access to one cell. It must not be
// shared: exactly one of Commit or Discard ends it. A nil *WritableData is
// the invalid handle returned when no storage is available.
type WritableData struct {
	cell *Cell
	data []byte
	done atomic.Bool
}

// IsValid reports whether the handle still holds its write lock.
func (w *WritableData) IsValid() bool {
	return w != nil && w.cell != nil && !w.done.Load()
}

// Name returns the data type of the underlying cell.
func (w *WritableData) Name() string {
	if w == nil || w.cell == nil {
		return ""
	}
	return w.cell.name
}

// Data returns the writable region. Its length is the size requested.
func (w *WritableData) Data() []byte {
	if !w.IsValid() {
		return nil
	}
	return w.data
}

// Commit publishes the first n bytes as a completed chunk and releases the
// write lock. n is clamped to the writable length; n <= 0 discards.
func (w *WritableData) Commit(n int) {
	if !w.IsValid() || !w.done.CompareAndSwap(false, true) {
		return
	}
	if n > len(w.data) {
		n = len(w.data)
	}
	if n <= 0 {
		w.release()
		return
	}

	c := w.cell
	if c.owner != nil {
		c.owner.commit(c, n)
		return
	}
	c.releaseWrite(n, 0, nil)
}

// Discard releases the write lock without publishing anything.
func (w *WritableData) Discard() {
	if !w.IsValid() || !w.done.CompareAndSwap(false, true) {
		return
	}
	w.release()
}

func (w *WritableData) release() {
	c := w.cell
	if c.owner != nil {
		c.owner.discard(c)
		return
	}
	c.releaseWrite(0, 0, nil)
}

// LockedData is one read lock on a completed chunk. The bytes stay valid and
// unchanged until Release. Clone takes an additional lock for another owner;
// every handle is released independently. A nil *LockedData is the invalid
// handle.
type LockedData struct {
	cell       *Cell
	name       string
	version    string
	data       []byte
	associates map[string]string
	released   atomic.Bool
}

// IsValid reports whether the handle still holds its lock.
func (l *LockedData) IsValid() bool {
	return l != nil && l.cell != nil && !l.released.Load()
}

func (l *LockedData) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Version identifies the completed write this chunk came from. Versions
// increase per buffer.
func (l *LockedData) Version() string {
	if l == nil {
		return ""
	}
	return l.version
}

// Bytes returns the chunk. Do not retain the slice past Release.
func (l *LockedData) Bytes() []byte {
	if !l.IsValid() {
		return nil
	}
	return l.data
}

func (l *LockedData) Size() int {
	if !l.IsValid() {
		return 0
	}
	return len(l.data)
}

// Associates returns the service versions current when this chunk was
// committed, keyed by service type name.
func (l *LockedData) Associates() map[string]string {
	if l == nil || len(l.associates) == 0 {
		return nil
	}
	out := make(map[string]string, len(l.associates))
	for k, v := range l.associates {
		out[k] = v
	}
	return out
}

// Clone returns a second handle holding its own read lock.
func (l *LockedData) Clone() *LockedData {
	if !l.IsValid() {
		return nil
	}
	l.cell.addRead()
	return &LockedData{
		cell:       l.cell,
		name:       l.name,
		version:    l.version,
		data:       l.data,
		associates: l.associates,
	}
}

// Release drops the read lock. Further calls are no-ops.
func (l *LockedData) Release() {
	if !l.IsValid() || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.cell.releaseRead()
}
