package bus

import (
	"sync"
)

// delivery is one queued (topic, signal) pair for a subscriber.
type delivery struct {
	topic  string
	signal *Signal
}

// pushResult describes the outcome of a mailbox push.
type pushResult int

const (
	pushOK pushResult = iota
	pushDroppedBackpressure
	pushEvictedLow // accepted; an older LOW entry was evicted to make room
)

// mailbox is a bounded per-subscriber queue. Delivery order is append
// order, which preserves per-sender per-topic FIFO because emits append
// synchronously from the sender's goroutine.
//
// Above the soft threshold the mailbox is in backpressure: non-critical
// signals are rejected. Critical signals are always accepted; at the
// hard cap they evict the oldest LOW-priority entry first.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	cap    int
	soft   int
	closed bool
}

func newMailbox(hardCap, softThreshold int) *mailbox {
	m := &mailbox{cap: hardCap, soft: softThreshold}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(d delivery) pushResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return pushDroppedBackpressure
	}

	critical := d.signal.RadioCode.Critical()
	res := pushOK

	if critical {
		if len(m.queue) >= m.cap {
			if m.evictOldestLow() {
				res = pushEvictedLow
			}
		}
	} else if len(m.queue) > m.soft {
		return pushDroppedBackpressure
	}

	m.queue = append(m.queue, d)
	m.cond.Signal()
	return res
}

// evictOldestLow removes the oldest LOW-priority entry, if any.
func (m *mailbox) evictOldestLow() bool {
	for i, d := range m.queue {
		if d.signal.RadioCode.Priority() == PriorityLow {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// pop blocks until a delivery is available or the mailbox is closed.
func (m *mailbox) pop() (delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return delivery{}, false
	}
	d := m.queue[0]
	m.queue = m.queue[1:]
	return d, true
}

func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
