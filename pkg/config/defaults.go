package config

import (
	"strings"
	"time"

	"github.com/casewire/casewire/internal/bytesize"
	"github.com/casewire/casewire/pkg/casestore"
	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/fault"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyDatabaseDefaults(&cfg.Database)
	applyMetricsDefaults(&cfg.Metrics)
	cfg.API.ApplyDefaults()
	applyCaseDefaults(&cfg.Case)
	applyBusDefaults(&cfg.Bus)
	applyLockerDefaults(&cfg.Locker)
	applySectionsDefaults(&cfg.Sections)
	applyDiagnosticsDefaults(&cfg.Diagnostics)
	applyDebriefDefaults(&cfg.Debrief)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)
	// No need to set, zero value is false

	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	// Apply profiling defaults
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	// Enabled defaults to false (opt-in for profiling)
	// No need to set, zero value is false

	// Default endpoint is localhost:4040 (standard Pyroscope port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	// Default profile types include CPU, memory allocation, and goroutines
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyDatabaseDefaults sets case registry database defaults.
func applyDatabaseDefaults(cfg *casestore.Config) {
	cfg.ApplyDefaults()
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyCaseDefaults sets case defaults.
// The case ID has no default; it identifies real casework and must be
// configured by the operator.
func applyCaseDefaults(cfg *CaseConfig) {
	if cfg.ReportType == "" {
		cfg.ReportType = "Investigative"
	}
}

// applyBusDefaults sets signal bus defaults.
func applyBusDefaults(cfg *BusConfig) {
	if cfg.MailboxCap == 0 {
		cfg.MailboxCap = 1000
	}
	if cfg.SoftThreshold == 0 {
		cfg.SoftThreshold = 800
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
}

// applyLockerDefaults sets evidence locker defaults.
// Locker path is required and must be configured by the operator.
func applyLockerDefaults(cfg *LockerConfig) {
	if cfg.MaxEvidenceSize == 0 {
		cfg.MaxEvidenceSize = bytesize.GiB // 1 GiB
	}
	if cfg.ClassifyAttempts == 0 {
		cfg.ClassifyAttempts = fault.MaxRetryAttempts
	}
	if cfg.ClassifyBackoff == 0 {
		cfg.ClassifyBackoff = 500 * time.Millisecond
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "fs"
	}
}

// applySectionsDefaults sets section execution defaults.
func applySectionsDefaults(cfg *SectionsConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.MaxReruns == 0 {
		cfg.MaxReruns = ecc.DefaultMaxReruns
	}
}

// applyDiagnosticsDefaults sets diagnostic supervisor defaults.
func applyDiagnosticsDefaults(cfg *DiagnosticsConfig) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ResponseWindow == 0 {
		cfg.ResponseWindow = 15 * time.Second
	}
	if cfg.MissThreshold == 0 {
		cfg.MissThreshold = 3
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRepairAttempts == 0 {
		cfg.MaxRepairAttempts = fault.MaxRetryAttempts
	}
	if cfg.RollcallEvery == 0 {
		cfg.RollcallEvery = 30 * time.Second
	}
	if cfg.RollcallWindow == 0 {
		cfg.RollcallWindow = time.Minute
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = 5 * time.Minute
	}
	if cfg.VaultSweep == 0 {
		cfg.VaultSweep = time.Minute
	}
	if cfg.VaultCapacity == 0 {
		cfg.VaultCapacity = diagnostics.DefaultVaultCap
	}
	if cfg.VaultRetention == 0 {
		cfg.VaultRetention = diagnostics.DefaultClosedRetention
	}
	// QueueCap and QueueSoft fall back to the supervisor's own defaults
	// when left at zero.
}

// applyDebriefDefaults sets report assembly defaults.
// The signing key has no default; it is generated during 'casewire init'
// or configured by the operator.
func applyDebriefDefaults(cfg *DebriefConfig) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "hmac-sha256"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Database: casestore.Config{
			Type: casestore.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
		Case: CaseConfig{
			ID: "CASE-0000",
		},
		Locker: LockerConfig{
			Path: "/tmp/casewire-evidence",
		},
		Debrief: DebriefConfig{
			Key:    generateSigningKey(),
			OutDir: "/tmp/casewire-reports",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
