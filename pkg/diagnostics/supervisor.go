// Package diagnostics implements the diagnostic supervisor: the fault
// vault, the bounded repair schedule with its worker pool, component
// liveness sweeps, and the rollcall throttle. It installs itself as the
// bus fault sink so every subsystem's faults flow through one place.
package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/fault"
)

// Address is the diagnostic supervisor's bus address.
const Address = "Diag"

// Bus topics the supervisor publishes on.
const (
	TopicSOS     = "diagnostics.sos"
	TopicMayday  = "diagnostics.mayday"
	TopicRestart = "diagnostics.restart"
)

// BusConn is the slice of the bus the supervisor drives. *bus.Bus
// satisfies it.
type BusConn interface {
	Emit(topic string, sig *bus.Signal)
	Request(ctx context.Context, sig *bus.Signal, timeout time.Duration) bus.Result
	CancelOwned(owners ...bus.Address) int
}

// RepairFunc attempts to repair one fault. A nil error closes the
// fault.
type RepairFunc func(ctx context.Context, f *fault.Fault) error

// Metrics is the optional supervision observability hook.
type Metrics interface {
	FaultRaised(code string, severity string)
	RepairOutcome(outcome string)
	QueueDepth(n int)
	MemberHealthy(addr string, healthy bool)
}

// Config tunes the supervisor.
type Config struct {
	SweepInterval     time.Duration // STATUS broadcast period
	ResponseWindow    time.Duration // per-member STATUS deadline
	MissThreshold     int           // consecutive misses before unhealthy
	Workers           int           // repair pool size
	MaxRepairAttempts int
	RollcallEvery     time.Duration // per-caller rollcall floor
	RollcallWindow    time.Duration // per-member ROLLCALL deadline
	RestartWindow     time.Duration // fatal re-fault window
	VaultSweep        time.Duration // closed-fault retention sweep period
	QueueCap          int
	QueueSoft         int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     30 * time.Second,
		ResponseWindow:    15 * time.Second,
		MissThreshold:     3,
		Workers:           4,
		MaxRepairAttempts: fault.MaxRetryAttempts,
		RollcallEvery:     30 * time.Second,
		RollcallWindow:    60 * time.Second,
		RestartWindow:     5 * time.Minute,
		VaultSweep:        time.Minute,
		QueueCap:          DefaultQueueCap,
		QueueSoft:         DefaultQueueSoft,
	}
}

// MemberHealth is the liveness view of one registered address.
type MemberHealth struct {
	Healthy  bool
	Misses   int
	Disabled bool
}

type member struct {
	misses   int
	healthy  bool
	disabled bool
}

// Supervisor owns fault bookkeeping and liveness for the whole
// process.
type Supervisor struct {
	cfg   Config
	conn  BusConn
	vault *Vault
	queue *repairQueue

	mu        sync.Mutex
	members   map[bus.Address]*member
	rollcalls map[bus.Address]time.Time
	lastFatal map[string]time.Time
	repairers map[fault.Family]RepairFunc
	metrics   Metrics
	now       func() time.Time

	wg      sync.WaitGroup
	stop    chan struct{}
	started bool
}

// New creates a supervisor over the bus connection and vault.
func New(cfg Config, conn BusConn, vault *Vault) *Supervisor {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = def.ResponseWindow
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = def.MissThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRepairAttempts <= 0 {
		cfg.MaxRepairAttempts = def.MaxRepairAttempts
	}
	if cfg.RollcallEvery <= 0 {
		cfg.RollcallEvery = def.RollcallEvery
	}
	if cfg.RollcallWindow <= 0 {
		cfg.RollcallWindow = def.RollcallWindow
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = def.RestartWindow
	}
	if cfg.VaultSweep <= 0 {
		cfg.VaultSweep = def.VaultSweep
	}
	if vault == nil {
		vault = NewVault(0, 0, nil)
	}
	return &Supervisor{
		cfg:       cfg,
		conn:      conn,
		vault:     vault,
		queue:     newRepairQueue(cfg.QueueCap, cfg.QueueSoft),
		members:   make(map[bus.Address]*member),
		rollcalls: make(map[bus.Address]time.Time),
		lastFatal: make(map[string]time.Time),
		repairers: make(map[fault.Family]RepairFunc),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// SetMetrics installs the supervision metrics hook.
func (s *Supervisor) SetMetrics(m Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Vault exposes the fault vault for read access.
func (s *Supervisor) Vault() *Vault {
	return s.vault
}

// RegisterRepairer installs the repair routine for a fault family.
func (s *Supervisor) RegisterRepairer(family fault.Family, fn RepairFunc) {
	s.mu.Lock()
	s.repairers[family] = fn
	s.mu.Unlock()
}

// Register adds an address to the liveness sweep.
func (s *Supervisor) Register(addr bus.Address) {
	s.mu.Lock()
	if _, ok := s.members[addr]; !ok {
		s.members[addr] = &member{healthy: true}
	}
	s.mu.Unlock()
}

// Raise implements the fault sink: store, then route by propagation
// policy.
func (s *Supervisor) Raise(f *fault.Fault) {
	s.vault.Put(f)

	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.FaultRaised(string(f.Code), string(f.Severity))
		m.QueueDepth(s.queue.depth())
	}

	switch f.Policy() {
	case fault.PolicyRetry:
		s.queue.push(f)
	case fault.PolicyFatal:
		s.handleFatal(f)
	default:
		logger.Warn("fault reported",
			logger.KeyFaultCode, string(f.Code),
			logger.KeySeverity, string(f.Severity),
			logger.KeyError, f.Message)
	}
}

// handleFatal implements the restart-once policy: the first fatal fault
// from an origin requests a restart; a second inside the window
// disables the component and broadcasts MAYDAY.
func (s *Supervisor) handleFatal(f *fault.Fault) {
	now := s.now()

	s.mu.Lock()
	last, seen := s.lastFatal[f.OriginAddress]
	s.lastFatal[f.OriginAddress] = now
	mem := s.members[bus.Address(f.OriginAddress)]
	refault := seen && now.Sub(last) < s.cfg.RestartWindow
	if refault && mem != nil {
		mem.disabled = true
		mem.healthy = false
	}
	s.mu.Unlock()

	if refault {
		logger.Error("component disabled after repeated fatal fault",
			logger.KeyAddress, f.OriginAddress,
			logger.KeyFaultCode, string(f.Code))
		s.broadcast(TopicMayday, bus.RadioMayday, map[string]any{
			"origin":     f.OriginAddress,
			"fault_code": string(f.Code),
			"disabled":   true,
		})
		return
	}
	s.broadcast(TopicRestart, bus.RadioSOS, map[string]any{
		"origin":     f.OriginAddress,
		"fault_code": string(f.Code),
	})
}

// Start launches the repair pool and the periodic loops.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.repairLoop()
	}
	s.wg.Add(2)
	go s.livenessLoop()
	go s.vaultSweepLoop()
}

// Stop drains the loops. Queued repairs are abandoned.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	s.queue.close()
	s.wg.Wait()
}

// Health returns the liveness snapshot.
func (s *Supervisor) Health() map[bus.Address]MemberHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[bus.Address]MemberHealth, len(s.members))
	for addr, m := range s.members {
		out[addr] = MemberHealth{Healthy: m.healthy, Misses: m.misses, Disabled: m.disabled}
	}
	return out
}

// Rollcall polls every registered member, at most once per caller per
// throttle window. Excess attempts are rejected, never queued. A member
// that stays silent past the rollcall window is tallied as a miss, the
// same ledger the STATUS sweep feeds.
func (s *Supervisor) Rollcall(ctx context.Context, caller bus.Address) (map[bus.Address]bool, *fault.Fault) {
	now := s.now()

	s.mu.Lock()
	if last, ok := s.rollcalls[caller]; ok && now.Sub(last) < s.cfg.RollcallEvery {
		s.mu.Unlock()
		logger.Warn("rollcall throttled", logger.KeyCaller, string(caller))
		return nil, fault.Newf(Address, fault.FamilyResourceBusy, fault.SeverityLow,
			"rollcall throttled for caller %s", caller)
	}
	s.rollcalls[caller] = now
	addrs := s.memberAddrsLocked()
	s.mu.Unlock()

	results := make(map[bus.Address]bool, len(addrs))
	var (
		rmu sync.Mutex
		wg  sync.WaitGroup
	)
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr bus.Address) {
			defer wg.Done()
			sig := bus.NewSignal(Address, addr, "rollcall", bus.RadioRollcall, nil)
			res := s.conn.Request(ctx, sig, s.cfg.RollcallWindow)
			responded := res.Outcome == bus.OutcomeResponse
			rmu.Lock()
			results[addr] = responded
			rmu.Unlock()
			s.recordProbe(addr, responded, s.cfg.RollcallWindow)
		}(addr)
	}
	wg.Wait()
	return results, nil
}

// CancelFor cancels all outstanding requests owned by the given
// addresses, used on case reset and on section failure.
func (s *Supervisor) CancelFor(addrs ...bus.Address) int {
	n := s.conn.CancelOwned(addrs...)
	if n > 0 {
		logger.Info("outstanding requests cancelled", logger.KeyCount, n)
	}
	return n
}

func (s *Supervisor) memberAddrsLocked() []bus.Address {
	addrs := make([]bus.Address, 0, len(s.members))
	for addr, m := range s.members {
		if !m.disabled {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (s *Supervisor) livenessLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce sends one STATUS probe to every member and tallies misses.
func (s *Supervisor) sweepOnce() {
	s.mu.Lock()
	addrs := s.memberAddrsLocked()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr bus.Address) {
			defer wg.Done()
			sig := bus.NewSignal(Address, addr, "status_probe", bus.RadioStatus, nil)
			res := s.conn.Request(context.Background(), sig, s.cfg.ResponseWindow)
			s.recordProbe(addr, res.Outcome == bus.OutcomeResponse, s.cfg.ResponseWindow)
		}(addr)
	}
	wg.Wait()
}

func (s *Supervisor) recordProbe(addr bus.Address, responded bool, window time.Duration) {
	s.mu.Lock()
	m, ok := s.members[addr]
	if !ok {
		s.mu.Unlock()
		return
	}
	var crossed bool
	if responded {
		m.misses = 0
		m.healthy = true
	} else {
		m.misses++
		crossed = m.misses == s.cfg.MissThreshold
		if crossed {
			m.healthy = false
		}
	}
	metrics := s.metrics
	misses := m.misses
	healthy := m.healthy
	s.mu.Unlock()

	if metrics != nil {
		metrics.MemberHealthy(string(addr), healthy)
	}
	if responded {
		return
	}

	// Each miss is a timeout fault at the silent component's address.
	s.Raise(fault.Newf(string(addr), fault.FamilyTimeout, fault.SeverityLow,
		"no STATUS response within %s", window).
		WithContext(logger.KeyAttempt, misses))

	if crossed {
		s.Raise(fault.Newf(string(addr), fault.FamilySignalLost, fault.SeverityHigh,
			"%d consecutive STATUS misses, component unhealthy", misses).
			WithRemediation("inspect component logs and restart if wedged"))
	}
}

func (s *Supervisor) vaultSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.VaultSweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.vault.Sweep(); n > 0 {
				logger.Debug("closed faults evicted", logger.KeyCount, n)
			}
		}
	}
}

func (s *Supervisor) repairLoop() {
	defer s.wg.Done()
	for {
		f, ok := s.queue.pop()
		if !ok {
			return
		}
		s.repair(f)
	}
}

// repair runs the registered routine for the fault's family, retrying
// with doubling backoff. Exhaustion marks the fault unrepaired and
// escalates via SOS.
func (s *Supervisor) repair(f *fault.Fault) {
	s.mu.Lock()
	fn := s.repairers[f.Code.Family()]
	metrics := s.metrics
	s.mu.Unlock()

	s.vault.SetState(f.FaultID, fault.StateInRepair, 0)

	if fn == nil {
		// Nothing can service this family; escalate straight away.
		s.vault.SetState(f.FaultID, fault.StateUnrepaired, f.Attempts)
		if metrics != nil {
			metrics.RepairOutcome("unrepairable")
		}
		s.escalate(f)
		return
	}

	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= s.cfg.MaxRepairAttempts; attempt++ {
		err := fn(context.Background(), f)
		if err == nil {
			s.vault.SetState(f.FaultID, fault.StateClosed, attempt)
			if metrics != nil {
				metrics.RepairOutcome("repaired")
			}
			logger.Info("fault repaired",
				logger.KeyFaultID, f.FaultID,
				logger.KeyFaultCode, string(f.Code),
				logger.KeyAttempt, attempt)
			return
		}
		if attempt == s.cfg.MaxRepairAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-s.stop:
			return
		}
		backoff *= 2
	}

	s.vault.SetState(f.FaultID, fault.StateUnrepaired, s.cfg.MaxRepairAttempts)
	if metrics != nil {
		metrics.RepairOutcome("unrepaired")
	}
	logger.Error("fault unrepaired after retries",
		logger.KeyFaultID, f.FaultID,
		logger.KeyFaultCode, string(f.Code))
	s.escalate(f)
}

func (s *Supervisor) escalate(f *fault.Fault) {
	s.broadcast(TopicSOS, bus.RadioSOS, map[string]any{
		"fault_id":   f.FaultID,
		"fault_code": string(f.Code),
		"origin":     f.OriginAddress,
		"severity":   string(f.Severity),
	})
}

func (s *Supervisor) broadcast(topic string, code bus.RadioCode, payload map[string]any) {
	if s.conn == nil {
		return
	}
	sig := bus.NewSignal(Address, bus.BusAddress, "diagnostics_alert", code, payload)
	sig.ResponseExpected = false
	s.conn.Emit(topic, sig)
}
