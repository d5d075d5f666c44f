package logrouter

import (
	"fmt"
	"sync"
)

// Policy selects what happens when a queue is full.
type Policy string

const (
	// DropOldest discards the oldest queued line to admit the new one.
	DropOldest Policy = "drop-oldest"
	// Block makes the producer wait, which back-pressures the child's pipe.
	Block Policy = "block"
)

// DefaultQueueSize is the number of lines buffered per queue.
const DefaultQueueSize = 1024

// ParsePolicy validates a policy name; empty selects DropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	}
	return "", fmt.Errorf("unknown log queue policy %q (want %q or %q)", s, DropOldest, Block)
}

// queue is a bounded FIFO of encoded lines.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      [][]byte
	head     int
	size     int
	policy   Policy
	closed   bool
	dropped  uint64
}

func newQueue(capacity int, policy Policy) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	q := &queue{buf: make([][]byte, capacity), policy: policy}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push enqueues line and reports how many lines were dropped to make room.
func (q *queue) push(line []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	dropped := 0
	for q.size == len(q.buf) {
		if q.policy == Block {
			q.notFull.Wait()
			if q.closed {
				return 0
			}
			continue
		}
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = line
	q.size++
	q.notEmpty.Signal()
	return dropped
}

// drain blocks until at least one line is queued and returns everything
// queued. ok is false once the queue is closed and empty.
func (q *queue) drain(into [][]byte) ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		return into, false
	}
	for q.size > 0 {
		into = append(into, q.buf[q.head])
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	q.notFull.Broadcast()
	return into, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
