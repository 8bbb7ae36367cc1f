package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seva-arogya/livescribe/internal/metrics"
)

var (
	ErrNotConnected  = errors.New("capture: transport not connected")
	ErrFlushInFlight = errors.New("capture: flush already running")
)

type TransportState int

const (
	StateBuffering TransportState = iota
	StateConnected
)

func (s TransportState) String() string {
	switch s {
	case StateBuffering:
		return "BUFFERING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("TransportState(%d)", int(s))
	}
}

// Sender hands one frame to the network. A nil error means the frame left
// this process.
type Sender interface {
	SendFrame(f Frame) error
}

// Transport is the client send pipeline. Submit only queues; while CONNECTED
// a single sender goroutine per connection drains the queue in order. Only
// Connected starts a drain.
type Transport struct {
	queue   *PendingQueue
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    TransportState
	sender   Sender
	flushing bool
	inflight int
	seq      int64
	wake     chan struct{}
	stop     chan struct{}
	changed  chan struct{}
}

// NewTransport starts in BUFFERING with room for queueSize frames. m may be
// nil.
func NewTransport(queueSize int, m *metrics.Metrics) *Transport {
	t := &Transport{metrics: m, changed: make(chan struct{})}
	t.queue = NewPendingQueue(queueSize, func() {
		if m != nil {
			m.CaptureFramesDropped.Inc()
		}
	})
	return t
}

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Pending() int { return t.queue.Len() }

// Dropped is the number of frames evicted by backpressure.
func (t *Transport) Dropped() uint64 { return t.queue.Dropped() }

func (t *Transport) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

func (t *Transport) setDepthLocked() {
	if t.metrics != nil {
		t.metrics.CaptureQueueDepth.Set(float64(t.queue.Len()))
	}
}

func (t *Transport) sent() {
	if t.metrics != nil {
		t.metrics.CaptureFramesSent.Inc()
	}
}

// notifyLocked wakes Drain callers.
func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// retireLocked detaches the current sender and stops its goroutine.
func (t *Transport) retireLocked() {
	t.state = StateBuffering
	t.sender = nil
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.wake = nil
	t.notifyLocked()
}

// Submit takes ownership of one captured frame and returns its sequence
// number. It never touches the network, so it is safe on the audio callback.
func (t *Transport) Submit(data []byte) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	f := Frame{Seq: t.seq, Data: data}
	t.queue.PushBack(f)
	t.setDepthLocked()
	if t.state == StateConnected {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	return f.Seq
}

// Connected installs s and drains the queue through it in order. The state
// becomes CONNECTED only once the queue is empty; frames submitted during the
// drain queue behind it. After that a sender goroutine owned by s forwards
// new frames until Disconnected or a send failure. On a failure the frame
// goes back to the head and the transport stays BUFFERING.
func (t *Transport) Connected(s Sender) (int, error) {
	t.mu.Lock()
	if t.flushing {
		t.mu.Unlock()
		return 0, ErrFlushInFlight
	}
	if t.sender != nil {
		t.retireLocked()
	}
	t.sender = s
	t.flushing = true
	t.mu.Unlock()

	n, err := t.drain(s, true)

	t.mu.Lock()
	t.flushing = false
	t.mu.Unlock()
	return n, err
}

// drain sends queued frames through s until the queue is empty. With connect
// set, an empty queue flips the state to CONNECTED and starts the sender
// goroutine.
func (t *Transport) drain(s Sender, connect bool) (int, error) {
	sent := 0
	for {
		t.mu.Lock()
		if t.sender != s {
			// disconnected mid-drain
			t.mu.Unlock()
			return sent, ErrNotConnected
		}
		f, ok := t.queue.PopFront()
		if !ok {
			if connect {
				t.state = StateConnected
				t.wake = make(chan struct{}, 1)
				t.stop = make(chan struct{})
				go t.forward(s, t.wake, t.stop)
			}
			t.setDepthLocked()
			t.notifyLocked()
			t.mu.Unlock()
			return sent, nil
		}
		t.inflight++
		t.setDepthLocked()
		t.mu.Unlock()

		err := s.SendFrame(f)

		t.mu.Lock()
		t.inflight--
		if err != nil {
			t.queue.PushFront(f)
			if t.sender == s {
				t.retireLocked()
			} else if t.state == StateConnected && t.wake != nil {
				// a newer connection owns the queue now
				select {
				case t.wake <- struct{}{}:
				default:
				}
			}
			t.setDepthLocked()
			t.mu.Unlock()
			return sent, err
		}
		sent++
		t.sent()
		t.notifyLocked()
		t.mu.Unlock()
	}
}

func (t *Transport) forward(s Sender, wake, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		if _, err := t.drain(s, false); err != nil {
			return
		}
	}
}

// Drain waits until every queued frame has been handed to the current
// sender. It fails with ErrNotConnected if the transport leaves CONNECTED
// first.
func (t *Transport) Drain(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.state != StateConnected {
			t.mu.Unlock()
			return ErrNotConnected
		}
		if t.queue.Len() == 0 && t.inflight == 0 {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnected switches to BUFFERING. Subsequent frames queue until the next
// Connected.
func (t *Transport) Disconnected() {
	t.mu.Lock()
	t.retireLocked()
	t.mu.Unlock()
}
