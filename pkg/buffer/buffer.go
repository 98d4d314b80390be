// Package buffer provides the byte queues backing per-connection I/O state.
package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// compactThreshold is the consumed-prefix size above which Advance reclaims
// space by sliding the unread tail to the front of the backing array.
const compactThreshold = 4096

// Queue is a FIFO byte buffer: producers append at the tail, the event loop
// consumes from the head. Storage comes from a shared bytebufferpool so
// short-lived connections do not churn the allocator.
//
// A Queue is owned by exactly one goroutine (the event loop) and is not safe
// for concurrent use.
type Queue struct {
	bb  *bytebufferpool.ByteBuffer
	off int
}

// NewQueue returns an empty queue with pooled backing storage.
func NewQueue() *Queue {
	return &Queue{bb: bytebufferpool.Get()}
}

// Append adds p to the tail of the queue.
func (q *Queue) Append(p []byte) {
	q.bb.B = append(q.bb.B, p...)
}

// AppendString adds s to the tail of the queue.
func (q *Queue) AppendString(s string) {
	q.bb.B = append(q.bb.B, s...)
}

// Bytes returns the unconsumed portion of the queue. The slice is only valid
// until the next Append or Advance.
func (q *Queue) Bytes() []byte {
	return q.bb.B[q.off:]
}

// Len returns the number of unconsumed bytes.
func (q *Queue) Len() int {
	return len(q.bb.B) - q.off
}

// Advance consumes n bytes from the head. Advancing past the end empties the
// queue.
func (q *Queue) Advance(n int) {
	if n >= q.Len() {
		q.bb.B = q.bb.B[:0]
		q.off = 0
		return
	}
	q.off += n
	if q.off > compactThreshold && q.off > len(q.bb.B)/2 {
		n := copy(q.bb.B, q.bb.B[q.off:])
		q.bb.B = q.bb.B[:n]
		q.off = 0
	}
}

// Reset empties the queue, keeping the backing storage.
func (q *Queue) Reset() {
	q.bb.B = q.bb.B[:0]
	q.off = 0
}

// Release empties the queue and returns its storage to the pool. The queue
// must not be used afterwards.
func (q *Queue) Release() {
	if q.bb == nil {
		return
	}
	bytebufferpool.Put(q.bb)
	q.bb = nil
	q.off = 0
}
