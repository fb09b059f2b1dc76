package buffer

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends an item at the back. When the buffer is full the
	// overflow policy decides which item is dropped.
	Write(item T) error

	// Unread puts an item back at the front so the next Read returns it.
	// It reports false, and hands the item to the drop callback, when the
	// buffer has no room left.
	Unread(item T) bool

	// Read removes and returns the item at the front.
	Read() (T, bool)

	// ReadBatch removes up to max items from the front.
	ReadBatch(max int) []T

	// Peek returns the item at the front without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items, passing each to the drop callback.
	Clear()

	Stats() *Statistics

	// Close rejects further writes. Items already queued stay readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item the buffer discards. It runs in the
// goroutine that caused the drop, after the buffer's own lock is released,
// so it must not call back into a lock the caller already holds.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer holding up to capacity items.
// It fails only when metrics were requested and could not be registered.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
