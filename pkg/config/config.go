package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/casewire/casewire/internal/bytesize"
	"github.com/casewire/casewire/pkg/api"
	"github.com/casewire/casewire/pkg/casestore"
	"github.com/casewire/casewire/pkg/gateway"
)

// Config represents the casewire configuration.
//
// This structure captures static configuration aspects of the casewire server:
//   - Logging configuration
//   - Telemetry/tracing configuration
//   - Server settings (shutdown timeout, metrics, API)
//   - Database connection (case registry persistence)
//   - The active case (ID and report type)
//   - Fabric tuning (bus, locker, gateway, sections, diagnostics, debrief)
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CASEWIRE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the case registry database (SQLite or PostgreSQL).
	// This is the persistent store for cases, sign-offs, and reopen audits.
	Database casestore.Config `mapstructure:"database" yaml:"database"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains REST API server configuration
	API api.Config `mapstructure:"api" yaml:"api"`

	// Case identifies the case this server instance works
	Case CaseConfig `mapstructure:"case" yaml:"case"`

	// Bus tunes the signal bus mailboxes and request timeout
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Locker configures the evidence locker: data paths, the blob store
	// backend, and classification retry behavior
	Locker LockerConfig `mapstructure:"locker" yaml:"locker"`

	// Gateway holds the evidence routing table
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`

	// Sections configures the section worker pool and, optionally, a
	// custom section chain replacing the canonical one
	Sections SectionsConfig `mapstructure:"sections" yaml:"sections"`

	// Diagnostics tunes the diagnostic supervisor and fault vault
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`

	// Debrief configures final report assembly and signing
	Debrief DebriefConfig `mapstructure:"debrief" yaml:"debrief"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	// Set to false in production with a TLS-enabled collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// 1.0 = sample all traces, 0.5 = sample 50%, 0.0 = no sampling
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
// When enabled, CPU and memory profiles are continuously sent to a Pyroscope server
// for flame graph visualization and performance analysis.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	// Default: ["cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"]
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// CaseConfig identifies the case this server instance works.
// A server hosts exactly one active case at a time.
type CaseConfig struct {
	// ID is the case identifier, e.g. "CASE-2024-0117"
	ID string `mapstructure:"id" validate:"required" yaml:"id"`

	// ReportType selects the section chain flavor
	// Valid values: Investigative, Surveillance, Hybrid
	ReportType string `mapstructure:"report_type" validate:"required,oneof=Investigative Surveillance Hybrid" yaml:"report_type"`
}

// BusConfig tunes the signal bus.
type BusConfig struct {
	// MailboxCap is the hard bound on a subscriber's signal queue.
	// Default: 1000
	MailboxCap int `mapstructure:"mailbox_cap" validate:"omitempty,min=1" yaml:"mailbox_cap"`

	// SoftThreshold is the queue depth that triggers backpressure faults.
	// Default: 800
	SoftThreshold int `mapstructure:"soft_threshold" validate:"omitempty,min=1" yaml:"soft_threshold"`

	// DefaultTimeout applies to requests without an explicit timeout.
	// Default: 30s
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// LockerConfig configures the evidence locker.
type LockerConfig struct {
	// Path is the locker data directory (required).
	// The evidence index, the intake manifest, and (for the fs backend)
	// the blob store all live under this directory.
	// Example: /var/lib/casewire or /tmp/casewire-evidence
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// MaxEvidenceSize caps the size of a single evidence item.
	// Supports human-readable formats: "1GB", "512MB", "10Gi"
	// Default: 1GiB
	MaxEvidenceSize bytesize.ByteSize `mapstructure:"max_evidence_size" yaml:"max_evidence_size,omitempty"`

	// ClassifyAttempts is the retry budget for the evidence classifier.
	// Default: 3
	ClassifyAttempts int `mapstructure:"classify_attempts" validate:"omitempty,min=1" yaml:"classify_attempts"`

	// ClassifyBackoff is the initial classifier retry backoff, doubled
	// per attempt. Default: 500ms
	ClassifyBackoff time.Duration `mapstructure:"classify_backoff" yaml:"classify_backoff"`

	// Store selects the blob store backend
	Store BlobStoreConfig `mapstructure:"store" yaml:"store"`
}

// BlobStoreConfig selects where evidence blobs are stored.
type BlobStoreConfig struct {
	// Type is the backend type
	// Valid values: fs, s3
	// Default: fs (blobs under <locker.path>/blobs)
	Type string `mapstructure:"type" validate:"required,oneof=fs s3" yaml:"type"`

	// S3 configures the S3 backend; only used when Type is "s3"
	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config configures the S3 evidence blob store.
type S3Config struct {
	// Bucket is the S3 bucket name (required for the s3 backend)
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region (optional, uses SDK default if empty)
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to all blob keys (e.g. "evidence/")
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`

	// AccessKeyID and SecretAccessKey set static credentials.
	// When either is empty the SDK default credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// GatewayConfig holds the evidence routing table.
// An empty table routes nothing; evidence then waits for manual dispatch.
type GatewayConfig struct {
	// Routes maps evidence attributes to target sections
	Routes []gateway.Route `mapstructure:"routes" validate:"dive" yaml:"routes,omitempty"`
}

// SectionsConfig configures section execution.
type SectionsConfig struct {
	// Workers is the section worker pool size.
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// Budget is the per-section execution time budget. Zero uses the
	// worker pool's built-in default.
	Budget time.Duration `mapstructure:"budget" yaml:"budget,omitempty"`

	// MaxReruns is the per-section revision budget.
	// Default: 3
	MaxReruns int `mapstructure:"max_reruns" yaml:"max_reruns"`

	// Definitions replaces the canonical section chain with a custom one.
	// Leave empty to use the canonical twelve-section chain.
	Definitions []SectionDef `mapstructure:"definitions" validate:"dive" yaml:"definitions,omitempty"`
}

// SectionDef declares one section of a custom chain.
type SectionDef struct {
	// ID is the section identifier, e.g. "CP" or "Section 3"
	ID string `mapstructure:"id" validate:"required" yaml:"id"`

	// DependsOn lists section IDs that must complete first
	DependsOn []string `mapstructure:"depends_on" yaml:"depends_on,omitempty"`

	// Priority orders sections whose dependencies tie; lower runs first
	Priority int `mapstructure:"priority" yaml:"priority"`
}

// DiagnosticsConfig tunes the diagnostic supervisor and the fault vault.
type DiagnosticsConfig struct {
	// SweepInterval is the STATUS broadcast period.
	// Default: 30s
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// ResponseWindow is the per-member STATUS response deadline.
	// Default: 15s
	ResponseWindow time.Duration `mapstructure:"response_window" yaml:"response_window"`

	// MissThreshold is the consecutive miss count before a member is
	// marked unhealthy. Default: 3
	MissThreshold int `mapstructure:"miss_threshold" validate:"omitempty,min=1" yaml:"miss_threshold"`

	// Workers is the repair worker pool size.
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// MaxRepairAttempts is the per-fault repair budget.
	// Default: 3
	MaxRepairAttempts int `mapstructure:"max_repair_attempts" yaml:"max_repair_attempts"`

	// RollcallEvery is the per-caller rollcall rate floor.
	// Default: 30s
	RollcallEvery time.Duration `mapstructure:"rollcall_every" yaml:"rollcall_every"`

	// RollcallWindow is the per-member ROLLCALL response deadline.
	// Default: 60s
	RollcallWindow time.Duration `mapstructure:"rollcall_window" yaml:"rollcall_window"`

	// RestartWindow is the fatal re-fault suppression window.
	// Default: 5m
	RestartWindow time.Duration `mapstructure:"restart_window" yaml:"restart_window"`

	// VaultSweep is the closed-fault retention sweep period.
	// Default: 1m
	VaultSweep time.Duration `mapstructure:"vault_sweep" yaml:"vault_sweep"`

	// QueueCap is the hard bound on the repair queue
	QueueCap int `mapstructure:"queue_cap" yaml:"queue_cap"`

	// QueueSoft is the repair queue backpressure threshold
	QueueSoft int `mapstructure:"queue_soft" yaml:"queue_soft"`

	// VaultCapacity is the maximum number of faults kept in memory.
	// Default: 2000
	VaultCapacity int `mapstructure:"vault_capacity" validate:"omitempty,min=1" yaml:"vault_capacity"`

	// VaultRetention is how long closed faults are kept before sweeping.
	// Default: 2h
	VaultRetention time.Duration `mapstructure:"vault_retention" yaml:"vault_retention"`

	// VaultPath is the persistent fault log file.
	// Leave empty to keep faults in memory only.
	VaultPath string `mapstructure:"vault_path" yaml:"vault_path,omitempty"`
}

// DebriefConfig configures final report assembly.
type DebriefConfig struct {
	// Algorithm selects the report signing algorithm
	// Valid values: hmac-sha256, ed25519
	// Default: hmac-sha256
	Algorithm string `mapstructure:"algorithm" validate:"required,oneof=hmac-sha256 ed25519" yaml:"algorithm"`

	// Key is the hex-encoded signing key.
	// For hmac-sha256 any key of at least 32 bytes; for ed25519 a
	// 32-byte seed or 64-byte private key.
	// Generated during 'casewire init'.
	Key string `mapstructure:"key" validate:"required" yaml:"key"`

	// OutDir is the directory where assembled reports are written (required)
	OutDir string `mapstructure:"out_dir" validate:"required" yaml:"out_dir"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CASEWIRE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: User-friendly error with instructions if config not found
func MustLoad(configPath string) (*Config, error) {
	// Determine config path
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  casewire init\n\n"+
				"Or specify a custom config file:\n"+
				"  casewire <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  casewire init --config %s",
				configPath, configPath)
		}
	}

	// Load configuration
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file with restricted permissions (0600 = owner read/write only).
	// This is important because config files contain signing keys and JWT secrets.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use CASEWIRE_ prefix and underscores
	// Example: CASEWIRE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CASEWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/casewire/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Other errors are problems
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts strings
// and integers to bytesize.ByteSize. This enables config files to use human-readable
// sizes like "1Gi", "500Mi", "100MB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to ByteSize
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse human-readable string like "1Gi", "500Mi", "100MB"
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to time.Duration
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse duration string like "30s", "5m", "1h"
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "casewire")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "casewire")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
