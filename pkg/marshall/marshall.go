// Package marshall implements the evidence manager: the only path by
// which section workers obtain evidence bytes. Every handout is gated
// on the section being in active execution and recorded in the item's
// custody chain.
package marshall

import (
	"context"
	"io"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/locker"
)

// Address is the evidence manager's bus address.
const Address = "5-2"

// FaultSink receives faults the marshall raises.
type FaultSink interface {
	Raise(f *fault.Fault)
}

// Metrics is the optional custody observability hook.
type Metrics interface {
	CheckoutGranted(sectionID string)
	CheckoutDenied(sectionID string)
}

// Marshall gates evidence handouts on section state.
type Marshall struct {
	ctrl    *ecc.Controller
	locker  *locker.Locker
	sink    FaultSink
	metrics Metrics
}

// New creates a marshall over the controller and locker. Sink may be
// nil.
func New(ctrl *ecc.Controller, lk *locker.Locker, sink FaultSink) *Marshall {
	return &Marshall{ctrl: ctrl, locker: lk, sink: sink}
}

// SetMetrics installs the custody metrics hook.
func (m *Marshall) SetMetrics(mt Metrics) {
	m.metrics = mt
}

// Checkout hands evidence bytes to a section. Only sections in active
// execution may hold evidence; anything else is denied with a
// forbidden-state fault and no custody entry.
func (m *Marshall) Checkout(ctx context.Context, sectionID, evidenceID string) ([]byte, *fault.Fault) {
	st, ok := m.ctrl.State(sectionID)
	if !ok {
		return nil, m.raise(fault.Newf(Address, fault.FamilyAddressUnknown, fault.SeverityLow,
			"checkout for unknown section %s", sectionID))
	}
	if st != ecc.StateExecuting {
		if m.metrics != nil {
			m.metrics.CheckoutDenied(sectionID)
		}
		return nil, m.raise(fault.Newf(Address, fault.FamilyForbidden, fault.SeverityMedium,
			"section %s is %s, checkout requires active execution", sectionID, st).
			WithContext(logger.KeySection, sectionID).
			WithContext(logger.KeyEvidenceID, evidenceID))
	}

	_, rc, f := m.locker.Checkout(ctx, evidenceID, gatewaySectionActor(sectionID))
	if f != nil {
		return nil, f
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, m.raise(fault.New(Address, fault.FamilyDataProcessing, fault.SeverityMedium,
			"failed to read evidence bytes: "+err.Error()))
	}

	if f := m.locker.MarkDispatched(ctx, evidenceID, sectionID); f != nil {
		return nil, f
	}
	if m.metrics != nil {
		m.metrics.CheckoutGranted(sectionID)
	}
	logger.Debug("evidence checked out",
		logger.KeySection, sectionID,
		logger.KeyEvidenceID, evidenceID,
		logger.KeySize, len(data))
	return data, nil
}

// Return records that a section is done with a piece of evidence.
func (m *Marshall) Return(ctx context.Context, sectionID, evidenceID, notes string) *fault.Fault {
	if f := m.locker.AppendCustody(ctx, evidenceID, locker.CustodyEntry{
		ActorAddress: gatewaySectionActor(sectionID),
		Action:       "returned",
		Note:         notes,
	}); f != nil {
		return f
	}
	return m.locker.MarkProcessed(ctx, evidenceID, sectionID)
}

func (m *Marshall) raise(f *fault.Fault) *fault.Fault {
	if m.sink != nil {
		m.sink.Raise(f)
	}
	return f
}

// gatewaySectionActor is the custody actor recorded for a section.
func gatewaySectionActor(sectionID string) string {
	return "4-" + sectionID
}
