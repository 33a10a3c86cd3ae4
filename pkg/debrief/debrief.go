// Package debrief implements mission debrief: final report assembly.
// When the closing section completes, the assembler collects every
// frozen section payload in execution order, composes a signed report
// manifest, and writes the bundle to the output directory. Revisions
// that re-complete trigger a fresh assembly superseding the previous
// bundle.
package debrief

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/fault"
	"github.com/casewire/casewire/pkg/gateway"
	"github.com/casewire/casewire/pkg/locker"
)

// Address is mission debrief's bus address.
const Address = "3-1"

// TopicReportReady announces a written bundle.
const TopicReportReady = "debrief.report.ready"

// FinalSection is the section whose completion triggers assembly.
const FinalSection = "FR"

// ReportType is the case's report flavor.
type ReportType string

const (
	ReportInvestigative ReportType = "Investigative"
	ReportSurveillance  ReportType = "Surveillance"
	ReportHybrid        ReportType = "Hybrid"
)

// SectionDigest is one section's entry in the report manifest.
type SectionDigest struct {
	SectionID     string `json:"section_id"`
	PayloadHash   string `json:"payload_hash"`
	RevisionDepth int    `json:"revision_depth"`
	Summary       string `json:"summary,omitempty"`
}

// Manifest is the signed description of an assembled report.
type Manifest struct {
	CaseID        string          `json:"case_id"`
	ReportType    ReportType      `json:"report_type"`
	Assembly      int             `json:"assembly"`
	AssembledAt   time.Time       `json:"assembled_at"`
	Sections      []SectionDigest `json:"sections"`
	EvidenceCount int             `json:"evidence_count"`
}

// Bundle is the written report artifact: the manifest, the section
// payloads, and a detached signature over the manifest bytes.
type Bundle struct {
	Manifest  Manifest                  `json:"manifest"`
	Payloads  map[string]map[string]any `json:"payloads"`
	Algorithm string                    `json:"signature_algorithm"`
	Signature string                    `json:"signature"`
}

// SignalEmitter publishes debrief events.
type SignalEmitter interface {
	Emit(topic string, sig *bus.Signal)
}

// FaultSink receives faults the assembler raises.
type FaultSink interface {
	Raise(f *fault.Fault)
}

// Assembler composes and signs report bundles for one case.
type Assembler struct {
	caseID     string
	reportType ReportType
	outDir     string
	ctrl       *ecc.Controller
	gw         *gateway.Gateway
	lk         *locker.Locker
	signer     Signer
	emitter    SignalEmitter
	sink       FaultSink

	mu         sync.Mutex
	assemblies int
}

// New creates an assembler. Emitter and sink may be nil.
func New(caseID string, reportType ReportType, outDir string, ctrl *ecc.Controller, gw *gateway.Gateway, lk *locker.Locker, signer Signer, emitter SignalEmitter, sink FaultSink) *Assembler {
	return &Assembler{
		caseID:     caseID,
		reportType: reportType,
		outDir:     outDir,
		ctrl:       ctrl,
		gw:         gw,
		lk:         lk,
		signer:     signer,
		emitter:    emitter,
		sink:       sink,
	}
}

// HandleSectionComplete reacts to a completed section: assembly starts
// only when the closing section signs off.
func (a *Assembler) HandleSectionComplete(ctx context.Context, sectionID string) (*Bundle, *fault.Fault) {
	if sectionID != FinalSection {
		return nil, nil
	}
	return a.Assemble(ctx)
}

// Assemble collects every frozen payload in execution order, signs the
// manifest, and writes the bundle. Any incomplete section aborts.
func (a *Assembler) Assemble(ctx context.Context) (*Bundle, *fault.Fault) {
	order := a.ctrl.ExecutionOrder()
	digests := make([]SectionDigest, 0, len(order))
	payloads := make(map[string]map[string]any, len(order))

	for _, id := range order {
		rec, ok := a.ctrl.Snapshot(id)
		if !ok || rec.State != ecc.StateCompleted {
			return nil, a.raise(fault.Newf(Address, fault.FamilyForbidden, fault.SeverityMedium,
				"cannot assemble report: section %s is not completed", id))
		}
		digest := SectionDigest{
			SectionID:     id,
			PayloadHash:   rec.FrozenPayloadHash,
			RevisionDepth: rec.RevisionDepth,
		}
		if p, ok := a.gw.Payload(id); ok {
			payloads[id] = p.Content
			digest.Summary = p.Summary
		}
		digests = append(digests, digest)
	}

	evidenceCount := 0
	if a.lk != nil {
		items, err := a.lk.List(ctx)
		if err != nil {
			return nil, a.raise(fault.New(Address, fault.FamilyDatabase, fault.SeverityMedium,
				"failed to count evidence: "+err.Error()))
		}
		evidenceCount = len(items)
	}

	a.mu.Lock()
	a.assemblies++
	assembly := a.assemblies
	a.mu.Unlock()

	manifest := Manifest{
		CaseID:        a.caseID,
		ReportType:    a.reportType,
		Assembly:      assembly,
		AssembledAt:   time.Now().UTC(),
		Sections:      digests,
		EvidenceCount: evidenceCount,
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, a.raise(fault.New(Address, fault.FamilyDataProcessing, fault.SeverityMedium,
			"failed to encode report manifest: "+err.Error()))
	}
	sig, err := a.signer.Sign(manifestBytes)
	if err != nil {
		return nil, a.raise(fault.New(Address, fault.FamilyDataProcessing, fault.SeverityHigh,
			"failed to sign report manifest: "+err.Error()))
	}

	bundle := &Bundle{
		Manifest:  manifest,
		Payloads:  payloads,
		Algorithm: a.signer.Algorithm(),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	path, f := a.write(bundle)
	if f != nil {
		return nil, f
	}

	logger.Info("report bundle assembled",
		logger.KeyCaseID, a.caseID,
		logger.KeyPath, path,
		logger.KeyCount, len(digests))
	a.emit(path, bundle)
	return bundle, nil
}

// VerifyBundle checks a written bundle's signature.
func (a *Assembler) VerifyBundle(b *Bundle) bool {
	manifestBytes, err := json.Marshal(b.Manifest)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return false
	}
	return a.signer.Verify(manifestBytes, sig)
}

// BundlePath is where the current case bundle is written.
func (a *Assembler) BundlePath() string {
	return filepath.Join(a.outDir, fmt.Sprintf("%s-report.json", a.caseID))
}

func (a *Assembler) write(b *Bundle) (string, *fault.Fault) {
	if err := os.MkdirAll(a.outDir, 0o755); err != nil {
		return "", a.raise(fault.New(Address, fault.FamilyFileMissing, fault.SeverityHigh,
			"failed to create report output dir: "+err.Error()))
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", a.raise(fault.New(Address, fault.FamilyDataProcessing, fault.SeverityMedium,
			"failed to encode report bundle: "+err.Error()))
	}

	path := a.BundlePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", a.raise(fault.New(Address, fault.FamilyFileMissing, fault.SeverityHigh,
			"failed to write report bundle: "+err.Error()))
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", a.raise(fault.New(Address, fault.FamilyFileMissing, fault.SeverityHigh,
			"failed to finalize report bundle: "+err.Error()))
	}
	return path, nil
}

func (a *Assembler) emit(path string, b *Bundle) {
	if a.emitter == nil {
		return
	}
	sig := bus.NewSignal(Address, bus.BusAddress, "report_ready", bus.RadioComplete, map[string]any{
		"case_id":   b.Manifest.CaseID,
		"assembly":  b.Manifest.Assembly,
		"path":      path,
		"algorithm": b.Algorithm,
	})
	sig.ResponseExpected = false
	a.emitter.Emit(TopicReportReady, sig)
}

func (a *Assembler) raise(f *fault.Fault) *fault.Fault {
	if a.sink != nil {
		a.sink.Raise(f)
	}
	return f
}
