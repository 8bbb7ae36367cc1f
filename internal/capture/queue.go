package capture

import (
	"sync"
	"sync/atomic"
)

// Frame is one captured chunk of PCM. Seq is assigned at capture time and
// travels to the server as the chunk id.
type Frame struct {
	Seq  int64
	Data []byte
}

// PendingQueue holds frames captured while the transport cannot send. It is
// bounded: pushing onto a full queue evicts the oldest frame.
type PendingQueue struct {
	max    int
	onDrop func()

	mu    sync.Mutex
	items []Frame
	head  int

	dropped atomic.Uint64
}

func NewPendingQueue(max int, onDrop func()) *PendingQueue {
	if max < 1 {
		max = 1
	}
	return &PendingQueue{max: max, onDrop: onDrop}
}

func (q *PendingQueue) drop() {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}

func (q *PendingQueue) lenLocked() int { return len(q.items) - q.head }

// PushBack enqueues f behind every pending frame. It reports whether an older
// frame was evicted to make room.
func (q *PendingQueue) PushBack(f Frame) bool {
	q.mu.Lock()
	evicted := false
	if q.lenLocked() >= q.max {
		q.items[q.head] = Frame{}
		q.head++
		evicted = true
	}
	q.items = append(q.items, f)
	q.compactLocked()
	q.mu.Unlock()

	if evicted {
		q.drop()
	}
	return evicted
}

// PushFront returns a frame whose send failed to the head of the queue. The
// frame is older than everything queued, so on a full queue it is the one
// dropped.
func (q *PendingQueue) PushFront(f Frame) bool {
	q.mu.Lock()
	if q.lenLocked() >= q.max {
		q.mu.Unlock()
		q.drop()
		return false
	}
	if q.head > 0 {
		q.head--
		q.items[q.head] = f
	} else {
		q.items = append([]Frame{f}, q.items...)
	}
	q.mu.Unlock()
	return true
}

func (q *PendingQueue) PopFront() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		return Frame{}, false
	}
	f := q.items[q.head]
	q.items[q.head] = Frame{}
	q.head++
	q.compactLocked()
	return f, true
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped is the number of frames evicted since the queue was created.
func (q *PendingQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *PendingQueue) compactLocked() {
	if q.head == 0 {
		return
	}
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}
