package section

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/gateway"
)

// TopicCancelled acknowledges a cancelled section run.
const TopicCancelled = "section.cancelled"

// SignalEmitter publishes pool events.
type SignalEmitter interface {
	Emit(topic string, sig *bus.Signal)
}

// FaultSink receives faults the pool raises.
type FaultSink interface {
	Raise(f *fault.Fault)
}

type registration struct {
	worker Worker
	budget time.Duration
}

// Pool executes section workers with bounded parallelism. The
// controller decides what may run; the pool only runs it.
type Pool struct {
	ctrl    *ecc.Controller
	gw      *gateway.Gateway
	emitter SignalEmitter
	sink    FaultSink

	mu      sync.Mutex
	workers map[string]registration
	sem     chan struct{}
}

// NewPool creates a pool with the given parallelism; size <= 0 uses
// the CPU count.
func NewPool(size int, ctrl *ecc.Controller, gw *gateway.Gateway, emitter SignalEmitter, sink FaultSink) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{
		ctrl:    ctrl,
		gw:      gw,
		emitter: emitter,
		sink:    sink,
		workers: make(map[string]registration),
		sem:     make(chan struct{}, size),
	}
}

// Register installs a worker. A zero budget uses the default.
func (p *Pool) Register(w Worker, budget time.Duration) {
	if budget <= 0 {
		budget = DefaultExecutionBudget
	}
	p.mu.Lock()
	p.workers[w.SectionID()] = registration{worker: w, budget: budget}
	p.mu.Unlock()
}

// RegisterCanonicalEcho installs echo workers for the full canonical
// chain, used by default deployments and tests.
func (p *Pool) RegisterCanonicalEcho(budget time.Duration) {
	for _, spec := range ecc.CanonicalSections() {
		p.Register(&EchoWorker{ID: spec.SectionID}, budget)
	}
}

// RunSection drives one section through prepare, execute and publish.
func (p *Pool) RunSection(ctx context.Context, caseID, sectionID string, evidence EvidenceSource) *fault.Fault {
	p.mu.Lock()
	reg, ok := p.workers[sectionID]
	p.mu.Unlock()
	if !ok {
		return p.raise(fault.Newf(workerAddress(sectionID), fault.FamilyAddressUnknown,
			fault.SeverityMedium, "no worker registered for section %s", sectionID))
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return fault.New(workerAddress(sectionID), fault.FamilyTimeout,
			fault.SeverityLow, "cancelled before execution slot acquired")
	}
	defer func() { <-p.sem }()

	env, f := p.gw.PrepareSection(sectionID)
	if f != nil {
		return f
	}
	if f := p.ctrl.Start(sectionID); f != nil {
		return f
	}

	out, f := p.execute(ctx, reg, caseID, sectionID, env, evidence)
	if f != nil {
		_ = p.ctrl.Fail(sectionID, f.Message)
		return f
	}

	return p.gw.Publish(gateway.PublishPayload{
		SectionID: sectionID,
		Content:   out.Content,
		Summary:   out.Summary,
	}, bus.Address(workerAddress(sectionID)))
}

// execute runs the worker under its budget and enforces the
// cancellation contract: a cancelled run must wind down within the
// grace window or a network-family fault is raised against it.
func (p *Pool) execute(ctx context.Context, reg registration, caseID, sectionID string, env *gateway.Envelope, evidence EvidenceSource) (Output, *fault.Fault) {
	runCtx, cancel := context.WithTimeout(ctx, reg.budget)
	defer cancel()

	done := make(chan execResult, 1)
	start := time.Now()
	go func() {
		out, err := reg.worker.Execute(runCtx, Input{
			CaseID:   caseID,
			Envelope: *env,
			Evidence: evidence,
		})
		done <- execResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if runCtx.Err() != nil {
				return Output{}, p.windDown(sectionID, done, true)
			}
			return Output{}, p.raise(fault.AsFault(res.err, workerAddress(sectionID)))
		}
		logger.Debug("section executed",
			logger.KeySection, sectionID,
			logger.KeyDurationMs, time.Since(start).Milliseconds())
		return res.out, nil
	case <-runCtx.Done():
		return Output{}, p.windDown(sectionID, done, false)
	}
}

type execResult struct {
	out Output
	err error
}

// windDown waits out the grace window for a cancelled or expired run.
func (p *Pool) windDown(sectionID string, done chan execResult, alreadyReturned bool) *fault.Fault {
	addr := workerAddress(sectionID)
	if !alreadyReturned {
		select {
		case <-done:
		case <-time.After(cancelGrace):
			return p.raise(fault.Newf(addr, fault.FamilyNetwork, fault.SeverityHigh,
				"section %s did not release within %s of cancellation", sectionID, cancelGrace).
				WithRemediation("restart the section worker"))
		}
	}
	p.ackCancelled(sectionID)
	return fault.Newf(addr, fault.FamilyTimeout, fault.SeverityMedium,
		"section %s run cancelled", sectionID)
}

func (p *Pool) ackCancelled(sectionID string) {
	if p.emitter == nil {
		return
	}
	sig := bus.NewSignal(bus.Address(workerAddress(sectionID)), gateway.Address,
		"cancelled", bus.RadioAck, map[string]any{"section_id": sectionID})
	p.emitter.Emit(TopicCancelled, sig)
}

// RunCase runs every eligible registered section to completion,
// repeatedly, until the chain stalls or finishes. Independent sections
// run in parallel up to the pool size.
func (p *Pool) RunCase(ctx context.Context, caseID string, evidence EvidenceSource) *fault.Fault {
	for {
		eligible := p.ctrl.Eligible()
		var runnable []string
		p.mu.Lock()
		for _, id := range eligible {
			if _, ok := p.workers[id]; ok {
				runnable = append(runnable, id)
			}
		}
		p.mu.Unlock()
		if len(runnable) == 0 {
			return nil
		}

		var (
			wg    sync.WaitGroup
			fmu   sync.Mutex
			first *fault.Fault
		)
		for _, id := range runnable {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if f := p.RunSection(ctx, caseID, id, evidence); f != nil {
					fmu.Lock()
					if first == nil {
						first = f
					}
					fmu.Unlock()
				}
			}(id)
		}
		wg.Wait()
		if first != nil {
			return first
		}
		if err := ctx.Err(); err != nil {
			return fault.New("4-0", fault.FamilyTimeout, fault.SeverityLow, "case run cancelled")
		}
	}
}

func (p *Pool) raise(f *fault.Fault) *fault.Fault {
	if p.sink != nil {
		p.sink.Raise(f)
	}
	return f
}
