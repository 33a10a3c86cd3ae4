// Package bus implements the signal bus at address Bus-1: subscription
// management, fan-out delivery with per-sender per-topic ordering,
// request/response correlation with a deadline loop, and per-subscriber
// bounded mailboxes with backpressure.
//
// The bus owns no domain state. It delivers signals; nothing more.
package bus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/fault"
)

// Handler consumes signals delivered to a subscription. Handlers run on
// the subscriber's delivery goroutine; a slow handler backs up only its
// own mailbox.
type Handler func(ctx context.Context, topic string, sig *Signal)

// FaultSink receives faults raised by the bus (drops, timeouts,
// validation failures). The diagnostic supervisor installs itself here;
// until then faults are logged and discarded.
type FaultSink interface {
	Raise(f *fault.Fault)
}

// Metrics is the optional observability hook. A nil Metrics disables
// collection with zero overhead.
type Metrics interface {
	SignalDelivered(topic string)
	SignalDropped(topic string)
	PendingRequests(n int)
}

// Config sizes the bus.
type Config struct {
	// MailboxCap is the hard bound on a subscriber's queue. Default 1000.
	MailboxCap int

	// SoftThreshold is the backpressure trigger depth. Default 800.
	SoftThreshold int

	// DefaultTimeout applies to requests that carry no explicit timeout
	// and whose radio code has none. Default 30s.
	DefaultTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MailboxCap <= 0 {
		c.MailboxCap = 1000
	}
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = 800
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
}

// Outcome is the single terminal state of a request. Every request with
// response_expected=true finishes with exactly one of these.
type Outcome int

const (
	OutcomeResponse Outcome = iota
	OutcomeTimeout
	OutcomeCancelled
)

// Result is the terminal outcome of Request.
type Result struct {
	Outcome  Outcome
	Response *Signal
	Fault    *fault.Fault
}

type subscriber struct {
	id      int
	pattern string
	box     *mailbox
	handler Handler
}

type pendingRequest struct {
	id       string
	owner    Address
	deadline time.Time
	ch       chan Result
}

// deadlineHeap orders pending requests by earliest deadline.
type deadlineHeap []*pendingRequest

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)         { *h = append(*h, x.(*pendingRequest)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// Bus is the signal bus. Construct with New, tear down with Close.
type Bus struct {
	cfg Config

	mu      sync.RWMutex
	subs    []*subscriber
	nextSub int
	pending map[string]*pendingRequest
	heap    deadlineHeap
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	sinkMu  sync.RWMutex
	sink    FaultSink
	metrics Metrics
}

// New creates a running bus. The timeout loop starts immediately.
func New(cfg Config) *Bus {
	cfg.applyDefaults()
	b := &Bus{
		cfg:     cfg,
		pending: make(map[string]*pendingRequest),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.timeoutLoop()
	return b
}

// SetFaultSink installs the fault sink. Safe to call at any time.
func (b *Bus) SetFaultSink(s FaultSink) {
	b.sinkMu.Lock()
	b.sink = s
	b.sinkMu.Unlock()
}

// SetMetrics installs the metrics hook. A nil hook disables collection.
func (b *Bus) SetMetrics(m Metrics) {
	b.sinkMu.Lock()
	b.metrics = m
	b.sinkMu.Unlock()
}

func (b *Bus) raise(f *fault.Fault) {
	b.sinkMu.RLock()
	sink := b.sink
	b.sinkMu.RUnlock()
	if sink != nil {
		sink.Raise(f)
		return
	}
	logger.Warn("fault with no sink installed", logger.KeyFaultCode, string(f.Code), "message", f.Message)
}

func (b *Bus) observeDelivered(topic string) {
	b.sinkMu.RLock()
	m := b.metrics
	b.sinkMu.RUnlock()
	if m != nil {
		m.SignalDelivered(topic)
	}
}

func (b *Bus) observeDropped(topic string) {
	b.sinkMu.RLock()
	m := b.metrics
	b.sinkMu.RUnlock()
	if m != nil {
		m.SignalDropped(topic)
	}
}

func (b *Bus) observePending(n int) {
	b.sinkMu.RLock()
	m := b.metrics
	b.sinkMu.RUnlock()
	if m != nil {
		m.PendingRequests(n)
	}
}

// Subscribe registers a handler for an exact topic or a hierarchical
// prefix. Returns an unsubscribe handle. Delivery for this subscription
// runs on its own goroutine in mailbox order.
func (b *Bus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	sub := &subscriber{
		id:      b.nextSub,
		pattern: pattern,
		box:     newMailbox(b.cfg.MailboxCap, b.cfg.SoftThreshold),
		handler: handler,
	}
	b.nextSub++
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go b.deliverLoop(sub)

	return func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			s.box.close()
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) deliverLoop(sub *subscriber) {
	defer b.wg.Done()
	for {
		d, ok := sub.box.pop()
		if !ok {
			return
		}
		sub.handler(context.Background(), d.topic, d.signal)
	}
}

// Emit fans the signal out to every matching subscriber. Non-blocking
// from the sender's perspective: signals are queued, not handled inline.
// Envelope violations raise Bus-1-31 and the signal is not routed.
func (b *Bus) Emit(topic string, sig *Signal) {
	if f := sig.Validate(); f != nil {
		b.raise(f.WithContext("topic", topic))
		return
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, 4)
	for _, s := range b.subs {
		if MatchesTopic(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		switch s.box.push(delivery{topic: topic, signal: sig}) {
		case pushOK, pushEvictedLow:
			b.observeDelivered(topic)
		case pushDroppedBackpressure:
			b.observeDropped(topic)
			b.raise(fault.Newf(BusAddress, fault.FamilyResourceBusy, fault.SeverityMedium,
				"subscriber mailbox under backpressure, signal dropped").
				WithContext("topic", topic).
				WithContext("signal_id", sig.SignalID).
				WithContext("pattern", s.pattern))
		}
	}
}

// Request emits the signal with response_expected=true to the target
// address and blocks until exactly one terminal outcome: a response, a
// timeout fault (Bus-1-20), or cancellation. Late responses after the
// outcome are dropped silently.
func (b *Bus) Request(ctx context.Context, sig *Signal, timeout time.Duration) Result {
	sig.ResponseExpected = true
	if f := sig.Validate(); f != nil {
		b.raise(f)
		return Result{Outcome: OutcomeCancelled, Fault: f}
	}
	if timeout <= 0 {
		timeout = sig.Timeout
	}
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	target := string(sig.TargetAddress)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f := fault.New(BusAddress, fault.FamilyInvalidState, fault.SeverityMedium, "bus closed")
		return Result{Outcome: OutcomeCancelled, Fault: f}
	}
	var targets []*subscriber
	for _, s := range b.subs {
		if MatchesTopic(s.pattern, target) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		b.mu.Unlock()
		f := fault.Newf(target, fault.FamilyAddressUnknown, fault.SeverityMedium,
			"no subscriber for address %s", target).
			WithContext("signal_id", sig.SignalID)
		b.raise(f)
		return Result{Outcome: OutcomeCancelled, Fault: f}
	}

	p := &pendingRequest{
		id:       sig.SignalID,
		owner:    sig.CallerAddress,
		deadline: time.Now().Add(timeout),
		ch:       make(chan Result, 1),
	}
	b.pending[p.id] = p
	heap.Push(&b.heap, p)
	n := len(b.pending)
	b.mu.Unlock()

	b.observePending(n)
	b.wakeTimeoutLoop()

	for _, s := range targets {
		if s.box.push(delivery{topic: target, signal: sig}) == pushDroppedBackpressure {
			b.observeDropped(target)
			b.raise(fault.Newf(BusAddress, fault.FamilyResourceBusy, fault.SeverityMedium,
				"request dropped by subscriber backpressure").
				WithContext("signal_id", sig.SignalID).
				WithContext("target", target))
		} else {
			b.observeDelivered(target)
		}
	}

	select {
	case res := <-p.ch:
		return res
	case <-ctx.Done():
		if b.removePending(p.id) != nil {
			return Result{Outcome: OutcomeCancelled}
		}
		// The outcome raced ctx cancellation; it is already decided.
		return <-p.ch
	}
}

// Respond completes a pending request identified by the response's
// signal_id. Responses arriving after the terminal outcome are dropped
// silently and Respond returns false.
func (b *Bus) Respond(resp *Signal) bool {
	p := b.removePending(resp.SignalID)
	if p == nil {
		return false
	}
	p.ch <- Result{Outcome: OutcomeResponse, Response: resp}
	return true
}

// CancelOwned cancels every outstanding request whose caller address is
// in owners. Pending entries are removed, a request_cancelled event is
// emitted to each requester, and no response is delivered.
func (b *Bus) CancelOwned(owners ...Address) int {
	ownerSet := make(map[Address]struct{}, len(owners))
	for _, o := range owners {
		ownerSet[o] = struct{}{}
	}

	b.mu.Lock()
	var cancelled []*pendingRequest
	for id, p := range b.pending {
		if _, ok := ownerSet[p.owner]; ok {
			delete(b.pending, id)
			cancelled = append(cancelled, p)
		}
	}
	b.mu.Unlock()

	for _, p := range cancelled {
		p.ch <- Result{Outcome: OutcomeCancelled}
		note := NewSignal(BusAddress, p.owner, "request_cancelled", RadioAck, map[string]any{
			"signal_id": p.id,
		})
		b.Emit(string(p.owner), note)
	}
	return len(cancelled)
}

// PendingCount returns the number of outstanding requests.
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

func (b *Bus) removePending(id string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

func (b *Bus) wakeTimeoutLoop() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// timeoutLoop wakes at the earliest pending deadline, fires Bus-1-20
// for each expired entry and removes it. Entries already completed by
// Respond or CancelOwned are skipped.
func (b *Bus) timeoutLoop() {
	defer b.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		b.mu.Lock()
		// Drop heap entries whose pending record is gone.
		for len(b.heap) > 0 {
			if _, live := b.pending[b.heap[0].id]; live {
				break
			}
			heap.Pop(&b.heap)
		}
		var wait time.Duration = time.Hour
		if len(b.heap) > 0 {
			wait = time.Until(b.heap[0].deadline)
		}
		b.mu.Unlock()

		if wait <= 0 {
			b.expireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-b.done:
			return
		case <-b.wake:
		case <-timer.C:
			b.expireDue()
		}
	}
}

func (b *Bus) expireDue() {
	now := time.Now()

	b.mu.Lock()
	var expired []*pendingRequest
	for len(b.heap) > 0 && !b.heap[0].deadline.After(now) {
		p := heap.Pop(&b.heap).(*pendingRequest)
		if _, live := b.pending[p.id]; live {
			delete(b.pending, p.id)
			expired = append(expired, p)
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		f := fault.Newf(BusAddress, fault.FamilyTimeout, fault.SeverityMedium,
			"request timed out").
			WithContext("signal_id", p.id).
			WithContext("owner", string(p.owner))
		b.raise(f)
		p.ch <- Result{Outcome: OutcomeTimeout, Fault: f}
	}
}

// Close shuts the bus down: all mailboxes close, outstanding requests
// finish as cancelled, and the timeout loop exits.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	var waiting []*pendingRequest
	for id, p := range b.pending {
		delete(b.pending, id)
		waiting = append(waiting, p)
	}
	b.mu.Unlock()

	for _, p := range waiting {
		p.ch <- Result{Outcome: OutcomeCancelled}
	}
	for _, s := range subs {
		s.box.close()
	}
	close(b.done)
	b.wg.Wait()
}
