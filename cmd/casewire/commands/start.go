package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/internal/telemetry"
	"github.com/casewire/casewire/pkg/api"
	"github.com/casewire/casewire/pkg/config"
	"github.com/casewire/casewire/pkg/metrics"
	"github.com/casewire/casewire/pkg/runtime"
)

var (
	foreground bool
	pidFile    string
	logFile    string
	noExecute  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the casewire server",
	Long: `Start the casewire server with the specified configuration.

Starting the server opens the configured case, boots the coordination
fabric, and runs the section chain to completion. When the final section
signs off, the report bundle is assembled and written to the debrief
output directory. The server keeps running afterwards to serve the API
and accept administrative reopens.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/casewire/config.yaml.

Examples:
  # Start in background (default)
  casewire start

  # Start in foreground
  casewire start --foreground

  # Start with custom config file
  casewire start --config /etc/casewire/config.yaml

  # Boot the fabric without running the section chain
  casewire start --foreground --no-execute

  # Start with environment variable overrides
  CASEWIRE_LOGGING_LEVEL=DEBUG casewire start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/casewire/casewire.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/casewire/casewire.log)")
	startCmd.Flags().BoolVar(&noExecute, "no-execute", false, "Boot the fabric without running the section chain")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "casewire",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "casewire",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("Casewire - Case coordination fabric")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	// Construct and wire the coordination fabric
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	logger.Info("Runtime initialized",
		"case_id", cfg.Case.ID,
		"report_type", cfg.Case.ReportType,
		"sections", len(rt.Controller().ExecutionOrder()))

	// Set metrics server if enabled (collectors were registered by the runtime)
	if cfg.Metrics.Enabled {
		rt.SetMetricsServer(metrics.NewServer(cfg.Metrics.Port))
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Create and set API server (if enabled - defaults to true)
	if cfg.API.IsEnabled() {
		apiServer, err := api.NewServer(cfg.API, api.Deps{
			CaseID:     cfg.Case.ID,
			Controller: rt.Controller(),
			Locker:     rt.Locker(),
			Supervisor: rt.Supervisor(),
			Cases:      rt.Cases(),
		})
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		rt.SetAPIServer(apiServer)
		logger.Info("API server configured", "port", cfg.API.Port)
	} else {
		logger.Info("API server disabled")
	}

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Start runtime in background (liveness sweeps and aux servers)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- rt.Serve(ctx)
	}()

	// Run the section chain unless the operator asked for a passive boot
	if noExecute {
		logger.Info("Section chain not started (--no-execute)")
	} else {
		go func() {
			if err := rt.RunCase(ctx); err != nil {
				logger.Error("Case execution failed", "case_id", cfg.Case.ID, "error", err)
				return
			}
			logger.Info("Section chain completed", "case_id", cfg.Case.ID)
		}()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "casewire.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("casewire is already running (PID %d)\nUse 'casewire stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "casewire.log")
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if noExecute {
		daemonArgs = append(daemonArgs, "--no-execute")
	}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	cmd := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("Casewire started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'casewire stop' to stop the server")
	fmt.Println("Use 'casewire status' to check server status")

	return nil
}
