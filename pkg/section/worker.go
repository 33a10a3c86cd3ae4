// Package section runs report section workers: the pluggable renderers
// that consume frozen input envelopes and publish section payloads. The
// pool is sized to available CPU; each run enforces the section's
// execution budget and the case cancellation contract.
package section

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/gateway"
	"github.com/casewire/casewire/pkg/marshall"
)

// DefaultExecutionBudget bounds one section run.
const DefaultExecutionBudget = 10 * time.Minute

// cancelGrace is how long a cancelled run has to release evidence and
// acknowledge before a network-family fault is raised against it.
// Variable for tests.
var cancelGrace = 5 * time.Second

// Input is everything a worker gets for one run.
type Input struct {
	CaseID   string
	Envelope gateway.Envelope

	// Evidence checks out bytes through the marshall, which enforces
	// the custody gate.
	Evidence EvidenceSource
}

// EvidenceSource is the worker-facing slice of the marshall.
type EvidenceSource interface {
	Checkout(ctx context.Context, sectionID, evidenceID string) ([]byte, *fault.Fault)
	Return(ctx context.Context, sectionID, evidenceID, notes string) *fault.Fault
}

// Output is a worker's published result.
type Output struct {
	Content map[string]any
	Summary string
}

// Worker renders one section from its input envelope.
type Worker interface {
	// SectionID names the section this worker renders.
	SectionID() string

	// Execute consumes the envelope and produces the payload. It must
	// honor ctx: on cancellation, release checked-out evidence and
	// return ctx.Err() promptly.
	Execute(ctx context.Context, in Input) (Output, error)
}

// EchoWorker is the built-in renderer: it checks out every delivered
// evidence item, summarizes sizes, and publishes a skeleton narrative.
// Production deployments replace it per section.
type EchoWorker struct {
	ID string
}

func (w *EchoWorker) SectionID() string { return w.ID }

func (w *EchoWorker) Execute(ctx context.Context, in Input) (Output, error) {
	var (
		lines     []string
		totalSize int
	)
	for _, evidenceID := range in.Envelope.EvidenceIDs {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		data, f := in.Evidence.Checkout(ctx, w.ID, evidenceID)
		if f != nil {
			return Output{}, f
		}
		totalSize += len(data)
		lines = append(lines, fmt.Sprintf("evidence %s (%d bytes)", evidenceID, len(data)))
		if f := in.Evidence.Return(ctx, w.ID, evidenceID, "rendered"); f != nil {
			return Output{}, f
		}
	}

	return Output{
		Content: map[string]any{
			"section":        w.ID,
			"case_id":        in.CaseID,
			"revision":       in.Envelope.Revision,
			"evidence_lines": lines,
			"total_bytes":    totalSize,
		},
		Summary: fmt.Sprintf("section %s: %d evidence items", w.ID, len(in.Envelope.EvidenceIDs)),
	}, nil
}

var _ Worker = (*EchoWorker)(nil)
var _ EvidenceSource = (*marshall.Marshall)(nil)

// workerAddress is the bus address a section worker answers at.
func workerAddress(sectionID string) string {
	return "4-" + strings.TrimPrefix(sectionID, "4-")
}
