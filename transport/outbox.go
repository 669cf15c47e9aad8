package transport

import "sync"

// Outbox is an unbounded FIFO of encoded outgoing frames paired with a one-slot wake
// signal. Producers never block; a single Pump goroutine drains it onto a Conn.
type Outbox struct {
	mu     sync.Mutex
	queue  []Frame
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func NewOutbox() *Outbox {
	return &Outbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends f and wakes the pump. It reports false once the outbox is closed.
// Frames are encoded before they are queued, so a body that cannot be encoded is
// reported to the producer instead of failing the pump.
func (o *Outbox) Push(f Frame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, f)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default: // a wake-up is already pending
	}
	return true
}

// Close stops accepting messages and releases the pump. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) take() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.queue
	o.queue = nil
	return batch
}

// Pump writes queued frames to c in order until the outbox is closed or a write
// fails. Frames still queued at close are dropped.
func (o *Outbox) Pump(c *Conn) error {
	for {
		for _, f := range o.take() {
			if err := c.WriteFrame(f); err != nil {
				return err
			}
		}

		select {
		case <-o.wake:
		case <-o.done:
			return nil
		}
	}
}
