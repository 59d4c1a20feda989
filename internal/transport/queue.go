package transport

import "sync"

// byteQueue is a mutex-protected byte FIFO. It is the only structure in the
// protocol stack shared between threads: a link's reader goroutine (or a
// simulated device) pushes on one side while the single-owner handler
// thread drains the other. Pop always copies out, never shares references.
type byteQueue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *byteQueue) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, data...)
}

// Pop drains and returns all pending bytes, or nil when empty.
func (q *byteQueue) Pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := make([]byte, len(q.buf))
	copy(out, q.buf)
	q.buf = q.buf[:0]

	return out
}

func (q *byteQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = q.buf[:0]
}
