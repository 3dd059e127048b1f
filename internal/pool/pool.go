// Package pool holds the relay's read buffers and the chunk queue that hands
// data from the tunnel's read loop to per-channel writers.
package pool

import "sync"

// BufferSize is the size of a relay read buffer.
const BufferSize = 32 * 1024

var buffers = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// GetBuffer returns a BufferSize read buffer. Its contents must be copied out
// (encryption does this) before PutBuffer.
func GetBuffer() *[]byte {
	return buffers.Get().(*[]byte)
}

func PutBuffer(b *[]byte) {
	if b == nil || cap(*b) < BufferSize {
		return
	}
	*b = (*b)[:BufferSize]
	buffers.Put(b)
}

// Queue is an unbounded FIFO of byte chunks with a single consumer. Push never
// blocks, so it can be called from a read loop that serves other channels.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends b. It reports false once the queue is closed.
func (q *Queue) Push(b []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.notify()
	return true
}

// Close stops accepting chunks. Chunks already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Discard closes the queue and drops everything still queued.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notify()
}

// Pop blocks until a chunk is available. It returns false when the queue is
// closed and drained.
func (q *Queue) Pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
