// Package buffer provides a generic, thread-safe circular FIFO with an
// overflow policy, a drop callback and always-on statistics.
//
// The storage package uses it as the consume-once queue of committed stream
// chunks: new chunks are written at the back, the oldest is dropped when the
// queue is full, and a chunk that could not be handed out is put back at the
// front with Unread.
//
//	q, err := buffer.NewCircularBuffer[*Cell](maxChunks,
//		buffer.WithOverflowPolicy[*Cell](buffer.DropOldest),
//		buffer.WithDropCallback[*Cell](func(c *Cell) { c.dequeue() }),
//		buffer.WithMetrics[*Cell](registry, "Vis"),
//	)
//
// # Overflow policies
//
//   - DropOldest: remove the item at the front to make room (default)
//   - DropNewest: discard the incoming item
//
// Unread never evicts: a full buffer drops the returned item instead.
//
// # Observability
//
// Stats() is always available. WithMetrics additionally exports writes,
// reads, drops, size and utilization under the astrobuf_queue_* names,
// labelled with data_type.
package buffer
