package diagnostics

import (
	"container/heap"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/fault"
)

// Repair queue defaults.
const (
	DefaultQueueCap  = 1000
	DefaultQueueSoft = 800

	// backpressureWarnEvery damps repeated backpressure warnings so a
	// flapping producer cannot flood the log.
	backpressureWarnEvery = 30 * time.Second
)

// queueItem is one scheduled repair. seq preserves FIFO order within a
// severity class.
type queueItem struct {
	f     *fault.Fault
	seq   uint64
	index int
}

type repairHeap []*queueItem

func (h repairHeap) Len() int { return len(h) }
func (h repairHeap) Less(i, j int) bool {
	if h[i].f.Severity != h[j].f.Severity {
		return h[i].f.Severity.Less(h[j].f.Severity)
	}
	return h[i].seq < h[j].seq
}
func (h repairHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *repairHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *repairHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type coalesceKey struct {
	code   fault.Code
	origin string
}

// repairQueue is the bounded severity-ordered repair schedule. Under
// soft-cap backpressure LOW entries are dropped and MEDIUM entries
// coalesce with a matching queued entry instead of growing the queue.
type repairQueue struct {
	mu       sync.Mutex
	heap     repairHeap
	byKey    map[coalesceKey]*queueItem
	seq      uint64
	cap      int
	soft     int
	lastWarn time.Time
	notify   chan struct{}
	closed   bool
}

func newRepairQueue(capacity, soft int) *repairQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	if soft <= 0 || soft > capacity {
		soft = DefaultQueueSoft
	}
	return &repairQueue{
		byKey:  make(map[coalesceKey]*queueItem),
		cap:    capacity,
		soft:   soft,
		notify: make(chan struct{}, 1),
	}
}

type pushOutcome int

const (
	pushQueued pushOutcome = iota
	pushCoalesced
	pushDropped
)

// push schedules a fault for repair.
func (q *repairQueue) push(f *fault.Fault) pushOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pushDropped
	}

	depth := len(q.heap)
	if depth >= q.cap {
		q.warnLocked("repair queue at hard cap, dropping fault")
		return pushDropped
	}
	if depth >= q.soft {
		switch f.Severity {
		case fault.SeverityLow:
			q.warnLocked("repair queue backpressure, dropping LOW fault")
			return pushDropped
		case fault.SeverityMedium:
			key := coalesceKey{code: f.Code, origin: f.OriginAddress}
			if existing, ok := q.byKey[key]; ok {
				existing.f.Attempts++
				return pushCoalesced
			}
		}
	}

	it := &queueItem{f: f, seq: q.seq}
	q.seq++
	heap.Push(&q.heap, it)
	key := coalesceKey{code: f.Code, origin: f.OriginAddress}
	if _, ok := q.byKey[key]; !ok {
		q.byKey[key] = it
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return pushQueued
}

// pop blocks until an item is available or the queue closes.
func (q *repairQueue) pop() (*fault.Fault, bool) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			it := heap.Pop(&q.heap).(*queueItem)
			key := coalesceKey{code: it.f.Code, origin: it.f.OriginAddress}
			if q.byKey[key] == it {
				delete(q.byKey, key)
			}
			// Re-arm the wakeup so a second waiting worker sees the
			// remaining items.
			if len(q.heap) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it.f, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		// A closed notify channel wakes immediately; the closed flag
		// above terminates the loop once the queue is drained.
		<-q.notify
	}
}

func (q *repairQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *repairQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.notify)
}

func (q *repairQueue) warnLocked(msg string) {
	now := time.Now()
	if now.Sub(q.lastWarn) < backpressureWarnEvery {
		return
	}
	q.lastWarn = now
	logger.Warn(msg, logger.KeyCount, len(q.heap))
}
