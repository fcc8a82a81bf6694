package yamux

import (
	"errors"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
)

// ErrWriteQueueOverflow is returned by Push when accepting the chunk would
// exceed the queue's byte budget; the caller must suspend (apply
// backpressure) until space frees up (§4.2, §7 WriteQueueOverflow).
var ErrWriteQueueOverflow = errors.New("yamux: write queue overflow")

// ErrWriteQueueClosed is returned by Push once the owning session has shut
// the queue down.
var ErrWriteQueueClosed = errors.New("yamux: write queue closed")

// DefaultWriteQueueCap is the default per-connection write-queue byte
// budget (§4.2: "a per-connection cap (default a few MiB)").
const DefaultWriteQueueCap = 4 << 20

// chunk is one outbound frame: its encoded bytes (header + payload, pooled)
// plus the callback to invoke once it has been handed to the pipe.
type chunk struct {
	data       []byte
	onComplete func(error)
}

// writeQueue is a bounded, strictly-FIFO queue of outbound byte chunks. A
// single writer goroutine (owned by the Session) drains it head-first; Push
// is rejected once the queued byte total would exceed the cap, so that
// backpressure propagates back to whichever Stream tried to write (§4.2).
//
// Grounded on the teacher's shaperLoop/sendLoop split (session.go): there,
// a priority heap sits in front of a single consuming goroutine that owns
// the wire. Yamux itself has no priority classes, so the heap collapses to
// a plain FIFO slice, but the single-writer-goroutine discipline and the
// byte-budget backpressure check are carried over unchanged.
type writeQueue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	items    []chunk
	bytes    int
	maxBytes int
	closed   bool
}

func newWriteQueue(maxBytes int) *writeQueue {
	if maxBytes <= 0 {
		maxBytes = DefaultWriteQueueCap
	}
	q := &writeQueue{maxBytes: maxBytes}
	q.notEmpty.L = &q.mu
	return q
}

// Push enqueues a chunk for transmission. onComplete (if non-nil) fires
// exactly once, after the writer goroutine hands the bytes to the pipe
// (successfully or not).
func (q *writeQueue) Push(data []byte, onComplete func(error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrWriteQueueClosed
	}
	if q.bytes+len(data) > q.maxBytes {
		return ErrWriteQueueOverflow
	}
	q.items = append(q.items, chunk{data: data, onComplete: onComplete})
	q.bytes += len(data)
	q.notEmpty.Signal()
	return nil
}

// Pop blocks until a chunk is available or the queue is closed and drained,
// in which case ok is false.
func (q *writeQueue) Pop() (c chunk, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return chunk{}, false
	}
	c = q.items[0]
	q.items = q.items[1:]
	q.bytes -= len(c.data)
	return c, true
}

// Complete must be called by the writer goroutine after the pipe Write for
// c returns, exactly once, releasing the pooled buffer and invoking the
// caller's completion callback.
func (q *writeQueue) Complete(c chunk, err error) {
	if c.onComplete != nil {
		c.onComplete(err)
	}
	pool.Put(c.data)
}

// Close marks the queue closed: further Push calls fail, and Pop returns
// ok=false once the remaining backlog has drained.
func (q *writeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}

// QueuedBytes reports the current backlog, for diagnostics/tests.
func (q *writeQueue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
