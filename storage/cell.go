package storage

import (
	"sync"

	"github.com/c360/astrobuf/errors"
)

// cellOwner is notified of lock transitions on cells it manages. Calls are
// made without the cell mutex held.
type cellOwner interface {
	commit(c *Cell, size int)
	discard(c *Cell)
	unlocked(c *Cell)
}

// Cell is one reusable memory slot. It carries a reference-counted read lock
// and a single write lock. A cell with any lock outstanding is never reused.
type Cell struct {
	mu          sync.Mutex
	name        string
	buf         []byte
	size        int
	readLocks   int
	writeLocked bool
	version     uint64
	associates  map[string]string

	// set once at creation
	owner cellOwner

	// Owned by the DataBuffer and guarded by its mutex.
	lastUsed uint64
	queued   bool
}

// NewCell allocates a standalone cell of the given capacity. Cells created by
// a DataBuffer are wired to it instead; see DataBuffer.GetWritable.
func NewCell(name string, capacity int) *Cell {
	var buf []byte
	if capacity > 0 {
		buf = make([]byte, capacity)
	}
	return &Cell{name: name, buf: buf}
}

func (c *Cell) Name() string { return c.name }

// IsValid reports whether the cell holds readable data. It does not depend on
// lock state.
func (c *Cell) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

func (c *Cell) validLocked() bool {
	return c.size > 0 && c.buf != nil
}

// Size returns the occupied size in bytes.
func (c *Cell) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity returns the allocated size in bytes.
func (c *Cell) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (c *Cell) ReadLocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocks
}

func (c *Cell) WriteLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked
}

// free reports whether the cell has no lock of either kind.
func (c *Cell) free() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocks == 0 && !c.writeLocked
}

// AcquireWrite takes the write lock and returns exclusive access to size
// bytes, reallocating when size exceeds the capacity. It fails with
// ErrCellBusy, without blocking, while any lock is held.
func (c *Cell) AcquireWrite(size int) (*WritableData, error) {
	if size <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Cell", "AcquireWrite", "check size")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeLocked || c.readLocks > 0 {
		return nil, errors.ErrCellBusy
	}
	if size > len(c.buf) {
		c.buf = make([]byte, size)
	}

	c.writeLocked = true
	c.size = 0
	c.associates = nil
	return &WritableData{cell: c, data: c.buf[:size]}, nil
}

// releaseWrite records the final size and clears the write lock. A size of
// zero leaves the cell invalid. A zero version means the next one.
func (c *Cell) releaseWrite(size int, version uint64, associates map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > len(c.buf) {
		size = len(c.buf)
	}
	if size < 0 {
		size = 0
	}
	c.size = size
	c.writeLocked = false
	if size > 0 {
		if version == 0 {
			version = c.version + 1
		}
		c.version = version
		c.associates = associates
	}
}

// AcquireRead increments the read lock and returns a handle to the data. It
// fails with ErrCellInvalid when there is nothing to read and with
// ErrCellBusy while a writer holds the cell.
func (c *Cell) AcquireRead() (*LockedData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeLocked {
		return nil, errors.ErrCellBusy
	}
	if !c.validLocked() {
		return nil, errors.ErrCellInvalid
	}

	c.readLocks++
	return &LockedData{
		cell:       c,
		name:       c.name,
		version:    formatVersion(c.version),
		data:       c.buf[:c.size],
		associates: c.associates,
	}, nil
}

// addRead takes one more read lock on a cell already read-locked by the caller.
func (c *Cell) addRead() {
	c.mu.Lock()
	c.readLocks++
	c.mu.Unlock()
}

// releaseRead drops one read lock and tells the owner when the last one goes.
func (c *Cell) releaseRead() {
	c.mu.Lock()
	if c.readLocks > 0 {
		c.readLocks--
	}
	last := c.readLocks == 0
	owner := c.owner
	c.mu.Unlock()

	if last && owner != nil {
		owner.unlocked(c)
	}
}
