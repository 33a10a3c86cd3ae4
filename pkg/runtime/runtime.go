// Package runtime assembles the casewire fabric for one case: the
// signal bus, diagnostic supervisor, section controller, evidence
// locker, gateway, marshall, worker pool and debrief assembler, wired
// together from configuration and managed as one lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/casestore"
	"github.com/casewire/casewire/pkg/config"
	"github.com/casewire/casewire/pkg/debrief"
	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/gateway"
	"github.com/casewire/casewire/pkg/jsonl"
	"github.com/casewire/casewire/pkg/locker"
	"github.com/casewire/casewire/pkg/marshall"
	"github.com/casewire/casewire/pkg/metrics"
	prommetrics "github.com/casewire/casewire/pkg/metrics/prometheus"
	"github.com/casewire/casewire/pkg/section"
)

// DefaultShutdownTimeout bounds graceful shutdown when the config
// leaves it unset.
const DefaultShutdownTimeout = 30 * time.Second

// topicSectionComplete is the controller's completion announcement.
const topicSectionComplete = "gateway.section.complete"

// topicSectionState carries every controller state transition.
const topicSectionState = "ecc.section.state"

// AuxiliaryServer is an HTTP server (API, metrics) managed alongside
// the fabric.
type AuxiliaryServer interface {
	// Start starts the HTTP server and blocks until context is cancelled or error.
	Start(ctx context.Context) error
	// Stop initiates graceful shutdown.
	Stop(ctx context.Context) error
	// Port returns the TCP port the server is listening on.
	Port() int
}

// Runtime owns every fabric component of one case and their shutdown
// order. Build it with New, attach auxiliary servers, then call Serve.
type Runtime struct {
	cfg *config.Config

	bus        *bus.Bus
	vault      *diagnostics.Vault
	supervisor *diagnostics.Supervisor
	ctrl       *ecc.Controller
	cases      *casestore.Store
	index      *locker.Index
	locker     *locker.Locker
	gateway    *gateway.Gateway
	marshall   *marshall.Marshall
	assembler  *debrief.Assembler
	pool       *section.Pool

	unsubs []func()

	apiServer     AuxiliaryServer
	metricsServer AuxiliaryServer

	shutdownTimeout time.Duration

	// serveOnce ensures Serve() is only called once
	serveOnce sync.Once
	served    bool
}

// members are the supervised fabric addresses. Section workers are
// transient and not swept.
var members = []bus.Address{
	locker.Address,
	ecc.Address,
	gateway.Address,
	debrief.Address,
	marshall.Address,
}

// New builds and wires the full fabric from configuration. The
// returned runtime is not serving yet; components that react to bus
// traffic (locker announcements, completion records) are already live.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{
		cfg:             cfg,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if rt.shutdownTimeout <= 0 {
		rt.shutdownTimeout = DefaultShutdownTimeout
	}

	rt.bus = bus.New(cfg.Bus.Runtime())

	vaultLog, err := openVaultLog(cfg.Diagnostics.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fault vault log: %w", err)
	}
	rt.vault = diagnostics.NewVault(cfg.Diagnostics.VaultCapacity, cfg.Diagnostics.VaultRetention, vaultLog)
	rt.supervisor = diagnostics.New(cfg.Diagnostics.Runtime(), rt.bus, rt.vault)
	rt.bus.SetFaultSink(rt.supervisor)

	rt.ctrl = ecc.New(rt.bus, rt.supervisor)
	if err := config.RegisterSections(cfg, rt.ctrl); err != nil {
		rt.closePartial()
		return nil, err
	}

	rt.cases, err = casestore.New(&cfg.Database)
	if err != nil {
		rt.closePartial()
		return nil, fmt.Errorf("failed to open case store: %w", err)
	}
	if _, err := rt.cases.CreateCase(ctx, cfg.Case.ID, cfg.Case.ReportType); err != nil && !errors.Is(err, casestore.ErrCaseExists) {
		rt.closePartial()
		return nil, fmt.Errorf("failed to register case %s: %w", cfg.Case.ID, err)
	}

	rt.index, err = locker.OpenIndex(cfg.Locker.IndexPath())
	if err != nil {
		rt.closePartial()
		return nil, err
	}
	blobs, err := config.NewBlobStore(ctx, cfg)
	if err != nil {
		rt.closePartial()
		return nil, err
	}
	manifest, err := jsonl.Open[locker.ManifestRecord](cfg.Locker.ManifestPath())
	if err != nil {
		rt.closePartial()
		return nil, fmt.Errorf("failed to open evidence manifest: %w", err)
	}
	rt.locker = locker.New(cfg.Locker.Runtime(), rt.index, blobs, manifest, nil, rt.bus, rt.supervisor)

	rt.gateway = gateway.New(cfg.Gateway.Routes, rt.ctrl, rt.bus, rt.supervisor)
	rt.marshall = marshall.New(rt.ctrl, rt.locker, rt.supervisor)

	signer, err := config.NewSigner(cfg)
	if err != nil {
		rt.closePartial()
		return nil, err
	}
	rt.assembler = debrief.New(cfg.Case.ID, debrief.ReportType(cfg.Case.ReportType), cfg.Debrief.OutDir,
		rt.ctrl, rt.gateway, rt.locker, signer, rt.bus, rt.supervisor)

	rt.pool = section.NewPool(cfg.Sections.Workers, rt.ctrl, rt.gateway, rt.bus, rt.supervisor)
	rt.registerWorkers()

	if cfg.Metrics.Enabled {
		rt.installMetrics()
	}

	rt.subscribe()
	for _, addr := range members {
		rt.supervisor.Register(addr)
	}

	logger.Info("casewire fabric assembled",
		logger.KeyCaseID, cfg.Case.ID,
		"report_type", cfg.Case.ReportType,
		"sections", len(rt.ctrl.ExecutionOrder()))
	return rt, nil
}

// openVaultLog opens the durable fault log, or a null log when no path
// is configured.
func openVaultLog(path string) (jsonl.Persister[diagnostics.VaultRecord], error) {
	if path == "" {
		return jsonl.NewNull[diagnostics.VaultRecord](), nil
	}
	return jsonl.Open[diagnostics.VaultRecord](path)
}

// registerWorkers populates the pool: echo workers for every section
// in the chain. Real report renderers replace these via RegisterWorker.
func (r *Runtime) registerWorkers() {
	budget := r.cfg.Sections.Budget
	if len(r.cfg.Sections.Definitions) == 0 {
		r.pool.RegisterCanonicalEcho(budget)
		return
	}
	for _, def := range r.cfg.Sections.Definitions {
		r.pool.Register(&section.EchoWorker{ID: def.ID}, budget)
	}
}

// RegisterWorker replaces a section's worker with a custom
// implementation. Must be called before RunCase.
func (r *Runtime) RegisterWorker(w section.Worker) {
	r.pool.Register(w, r.cfg.Sections.Budget)
}

// installMetrics initializes the registry and attaches a collector to
// every component that exposes a hook.
func (r *Runtime) installMetrics() {
	metrics.InitRegistry()
	r.bus.SetMetrics(prommetrics.NewBusMetrics())
	r.ctrl.SetMetrics(prommetrics.NewECCMetrics())
	r.locker.SetMetrics(prommetrics.NewLockerMetrics())
	r.gateway.SetMetrics(prommetrics.NewGatewayMetrics())
	r.marshall.SetMetrics(prommetrics.NewMarshallMetrics())
	r.supervisor.SetMetrics(prommetrics.NewDiagnosticsMetrics())
}

// subscribe installs the cross-component bus wiring:
//
//   - indexed evidence flows into the gateway's routing table
//   - section completions are persisted and may trigger assembly
//   - a section entering FAILED voids its outstanding requests
//   - a ready report bundle marks the case assembled
//   - every supervised member answers STATUS probes
func (r *Runtime) subscribe() {
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(locker.TopicIndexed, r.onIndexed),
		r.bus.Subscribe(topicSectionComplete, r.onSectionComplete),
		r.bus.Subscribe(topicSectionState, r.onSectionState),
		r.bus.Subscribe(debrief.TopicReportReady, r.onReportReady),
	)
	for _, addr := range members {
		r.unsubs = append(r.unsubs, r.bus.Subscribe(string(addr), r.responder(addr)))
	}
}

// responder answers request-style signals addressed to a member. The
// fabric components are in-process, so liveness is vouched for here
// rather than over a network hop.
func (r *Runtime) responder(addr bus.Address) bus.Handler {
	return func(ctx context.Context, topic string, sig *bus.Signal) {
		if !sig.ResponseExpected {
			return
		}
		r.bus.Respond(sig.Response(addr, map[string]any{
			"status": "healthy",
		}))
	}
}

func (r *Runtime) onIndexed(ctx context.Context, topic string, sig *bus.Signal) {
	r.gateway.HandleIndexed(gateway.EvidenceAttrs{
		EvidenceID:     stringField(sig.Payload, "evidence_id"),
		Kind:           stringField(sig.Payload, "kind"),
		Classification: stringField(sig.Payload, "classification"),
		Tags:           stringsField(sig.Payload, "tags"),
		SectionHints:   stringsField(sig.Payload, "section_hints"),
	})
}

// onSectionState cancels the worker's outstanding requests when its
// section fails, so nothing waits out a timeout on a dead section.
func (r *Runtime) onSectionState(ctx context.Context, topic string, sig *bus.Signal) {
	if stringField(sig.Payload, "to") != string(ecc.StateFailed) {
		return
	}
	sectionID := stringField(sig.Payload, "section_id")
	if sectionID == "" {
		return
	}
	r.supervisor.CancelFor(bus.Address("4-" + sectionID))
}

func (r *Runtime) onSectionComplete(ctx context.Context, topic string, sig *bus.Signal) {
	sectionID := stringField(sig.Payload, "section_id")
	hash := stringField(sig.Payload, "frozen_payload_hash")
	by := stringField(sig.Payload, "completed_by")

	rec, ok := r.ctrl.Snapshot(sectionID)
	if !ok {
		return
	}
	caseID := r.cfg.Case.ID
	if err := r.cases.RecordSignOff(ctx, caseID, sectionID, hash, rec.RevisionDepth, by); err != nil {
		logger.Error("failed to persist section sign-off",
			logger.KeyCaseID, caseID,
			logger.KeySection, sectionID,
			logger.KeyError, err)
	}
	if err := r.cases.SetCaseVersion(ctx, caseID, r.ctrl.Version()); err != nil {
		logger.Error("failed to persist case version",
			logger.KeyCaseID, caseID,
			logger.KeyError, err)
	}

	// Assembly faults are already routed to the supervisor by the
	// assembler itself.
	_, _ = r.assembler.HandleSectionComplete(ctx, sectionID)
}

func (r *Runtime) onReportReady(ctx context.Context, topic string, sig *bus.Signal) {
	caseID := r.cfg.Case.ID
	if err := r.cases.SetCaseStatus(ctx, caseID, casestore.CaseStatusAssembled); err != nil {
		logger.Error("failed to mark case assembled",
			logger.KeyCaseID, caseID,
			logger.KeyError, err)
	}
}

// RunCase executes the whole section chain, handing evidence out
// through the marshall. It returns when no more sections can run.
func (r *Runtime) RunCase(ctx context.Context) error {
	if f := r.pool.RunCase(ctx, r.cfg.Case.ID, r.marshall); f != nil {
		return f
	}
	return nil
}

// Component accessors, used by the CLI and tests.

func (r *Runtime) Bus() *bus.Bus                       { return r.bus }
func (r *Runtime) Controller() *ecc.Controller         { return r.ctrl }
func (r *Runtime) Locker() *locker.Locker              { return r.locker }
func (r *Runtime) Gateway() *gateway.Gateway           { return r.gateway }
func (r *Runtime) Marshall() *marshall.Marshall        { return r.marshall }
func (r *Runtime) Assembler() *debrief.Assembler       { return r.assembler }
func (r *Runtime) Supervisor() *diagnostics.Supervisor { return r.supervisor }
func (r *Runtime) Cases() *casestore.Store             { return r.cases }
func (r *Runtime) Pool() *section.Pool                 { return r.pool }

// SetAPIServer sets the REST API HTTP server for the runtime.
func (r *Runtime) SetAPIServer(server AuxiliaryServer) {
	if r.served {
		panic("cannot set API server after Serve() has been called")
	}
	r.apiServer = server
	if server != nil {
		logger.Info("API server registered", "port", server.Port())
	}
}

// SetMetricsServer sets the Prometheus scrape server for the runtime.
func (r *Runtime) SetMetricsServer(server AuxiliaryServer) {
	if r.served {
		panic("cannot set metrics server after Serve() has been called")
	}
	r.metricsServer = server
	if server != nil {
		logger.Info("Metrics server registered", "port", server.Port())
	}
}

// Serve starts the supervisor and auxiliary servers, and blocks until
// shutdown.
func (r *Runtime) Serve(ctx context.Context) error {
	var err error

	r.serveOnce.Do(func() {
		r.served = true
		err = r.serve(ctx)
	})

	return err
}

// serve is the internal implementation of Serve().
func (r *Runtime) serve(ctx context.Context) error {
	logger.Info("Starting casewire runtime", logger.KeyCaseID, r.cfg.Case.ID)

	// 1. Start the diagnostic supervisor loops
	r.supervisor.Start()

	// 2. Start auxiliary servers if configured
	auxErrChan := make(chan error, 2)
	for _, srv := range []AuxiliaryServer{r.apiServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		srv := srv
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Auxiliary server error", "port", srv.Port(), "error", err)
				auxErrChan <- err
			}
		}()
	}

	// 3. Wait for shutdown signal or server error
	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", "reason", ctx.Err())
		shutdownErr = ctx.Err()

	case err := <-auxErrChan:
		logger.Error("Auxiliary server failed - initiating shutdown", "error", err)
		shutdownErr = fmt.Errorf("auxiliary server error: %w", err)
	}

	// 4. Graceful shutdown
	r.shutdown()

	logger.Info("Casewire runtime stopped")
	return shutdownErr
}

// shutdown performs graceful shutdown of all components: the outward
// surfaces stop first, then the fabric drains, then storage closes.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	for _, srv := range []AuxiliaryServer{r.apiServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Stop(ctx); err != nil {
			logger.Error("Auxiliary server shutdown error", "error", err)
		}
	}

	logger.Info("Stopping diagnostic supervisor")
	r.supervisor.Stop()

	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil

	logger.Info("Closing evidence locker")
	if err := r.locker.Close(); err != nil {
		logger.Warn("Error closing evidence manifest", logger.KeyError, err)
	}
	if err := r.index.Close(); err != nil {
		logger.Warn("Error closing evidence index", logger.KeyError, err)
	}
	if err := r.vault.Close(); err != nil {
		logger.Warn("Error closing fault vault", logger.KeyError, err)
	}
	if err := r.cases.Close(); err != nil {
		logger.Warn("Error closing case store", logger.KeyError, err)
	}

	r.bus.Close()
}

// Close releases resources without going through Serve, for callers
// that only used the wired components. Safe after a failed New.
func (r *Runtime) Close() {
	r.serveOnce.Do(func() {
		r.served = true
		r.shutdown()
	})
}

// closePartial unwinds a half-built runtime after a New failure.
func (r *Runtime) closePartial() {
	if r.locker != nil {
		_ = r.locker.Close()
	}
	if r.index != nil {
		_ = r.index.Close()
	}
	if r.cases != nil {
		_ = r.cases.Close()
	}
	if r.vault != nil {
		_ = r.vault.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
}

// stringField reads a string payload field, tolerating absence.
func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// stringsField reads a string-slice payload field. Signals that took a
// wire round trip carry []any after JSON decode.
func stringsField(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
