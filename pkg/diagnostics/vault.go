package diagnostics

import (
	"sort"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/jsonl"
)

// VaultRecord is one row of the durable fault history.
type VaultRecord struct {
	Fault     fault.Fault `json:"fault"`
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// Vault configuration defaults.
const (
	DefaultVaultCap        = 2000
	DefaultClosedRetention = 2 * time.Hour
)

// MirrorFunc receives HIGH-severity faults as they are stored. The
// ops API installs its alert mirror here.
type MirrorFunc func(f *fault.Fault)

// Vault is the in-memory fault table with a durable JSONL history.
// Closed faults age out; on overflow, open LOW faults are evicted
// oldest first.
type Vault struct {
	mu        sync.Mutex
	byID      map[string]*fault.Fault
	closedAt  map[string]time.Time
	order     []string // insertion order, for oldest-first eviction
	cap       int
	retention time.Duration
	log       jsonl.Persister[VaultRecord]
	mirror    MirrorFunc
	now       func() time.Time
}

// NewVault creates a vault persisting to log. A zero cap or retention
// uses the defaults.
func NewVault(cap int, retention time.Duration, log jsonl.Persister[VaultRecord]) *Vault {
	if cap <= 0 {
		cap = DefaultVaultCap
	}
	if retention <= 0 {
		retention = DefaultClosedRetention
	}
	if log == nil {
		log = jsonl.NewNull[VaultRecord]()
	}
	return &Vault{
		byID:      make(map[string]*fault.Fault),
		closedAt:  make(map[string]time.Time),
		cap:       cap,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// SetMirror installs the HIGH-severity mirror hook.
func (v *Vault) SetMirror(m MirrorFunc) {
	v.mu.Lock()
	v.mirror = m
	v.mu.Unlock()
}

// Put stores a fault and appends it to the durable history. HIGH
// faults are mirrored immediately.
func (v *Vault) Put(f *fault.Fault) {
	v.mu.Lock()
	if _, ok := v.byID[f.FaultID]; !ok {
		v.order = append(v.order, f.FaultID)
	}
	cp := *f
	v.byID[f.FaultID] = &cp
	v.evictLocked()
	mirror := v.mirror
	v.mu.Unlock()

	v.append(f, "raised")
	if mirror != nil && f.Severity == fault.SeverityHigh {
		mirror(f)
	}
}

// SetState updates a stored fault's lifecycle state.
func (v *Vault) SetState(faultID string, state fault.State, attempts int) bool {
	v.mu.Lock()
	f, ok := v.byID[faultID]
	if !ok {
		v.mu.Unlock()
		return false
	}
	f.State = state
	if attempts > 0 {
		f.Attempts = attempts
	}
	if state == fault.StateClosed {
		v.closedAt[faultID] = v.now()
	}
	cp := *f
	v.mu.Unlock()

	v.append(&cp, "state_"+string(state))
	return true
}

// Get returns a copy of the stored fault.
func (v *Vault) Get(faultID string) (*fault.Fault, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.byID[faultID]
	if !ok {
		return nil, false
	}
	cp := *f
	return &cp, true
}

// Snapshot returns copies of all stored faults, newest first.
func (v *Vault) Snapshot() []*fault.Fault {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*fault.Fault, 0, len(v.byID))
	for _, f := range v.byID {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// Len returns the number of stored faults.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byID)
}

// Sweep drops closed faults older than the retention window. Called
// periodically by the supervisor.
func (v *Vault) Sweep() int {
	cutoff := v.now().Add(-v.retention)

	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	kept := v.order[:0]
	for _, id := range v.order {
		f := v.byID[id]
		if f != nil && f.State == fault.StateClosed && v.closedAt[id].Before(cutoff) {
			delete(v.byID, id)
			delete(v.closedAt, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	v.order = kept
	return removed
}

// evictLocked enforces the table ceiling: open LOW faults go first,
// oldest first. Anything else is kept even over the ceiling.
func (v *Vault) evictLocked() {
	for len(v.byID) > v.cap {
		evicted := false
		for i, id := range v.order {
			f := v.byID[id]
			if f != nil && f.Severity == fault.SeverityLow && f.State == fault.StateOpen {
				delete(v.byID, id)
				v.order = append(v.order[:i], v.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (v *Vault) append(f *fault.Fault, event string) {
	rec := VaultRecord{Fault: *f, Event: event, Timestamp: v.now().UTC()}
	if err := v.log.Append(rec); err != nil {
		logger.Error("failed to append fault vault record",
			logger.KeyFaultID, f.FaultID,
			logger.KeyError, err)
	}
}

// Close syncs the durable history.
func (v *Vault) Close() error {
	return v.log.Close()
}
