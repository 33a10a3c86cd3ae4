package config

import (
	"encoding/hex"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Struct tags cover the field-level rules (required, oneof, ranges);
// cross-field rules that tags cannot express are checked by hand below.
// Validation does not mutate the config; normalization happens in
// ApplyDefaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	// Database rules live with the store package
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Telemetry needs a collector endpoint when enabled
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry is enabled but no endpoint is configured")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return fmt.Errorf("profiling is enabled but no endpoint is configured")
	}

	// The S3 backend needs at least a bucket
	if cfg.Locker.Store.Type == "s3" && cfg.Locker.Store.S3.Bucket == "" {
		return fmt.Errorf("locker store type is s3 but no bucket is configured")
	}

	// The signing key must be valid hex
	if _, err := hex.DecodeString(cfg.Debrief.Key); err != nil {
		return fmt.Errorf("debrief key is not valid hex: %w", err)
	}

	// A custom section chain must not depend on undeclared sections
	if len(cfg.Sections.Definitions) > 0 {
		ids := make(map[string]bool, len(cfg.Sections.Definitions))
		for _, def := range cfg.Sections.Definitions {
			if ids[def.ID] {
				return fmt.Errorf("section %q is declared twice", def.ID)
			}
			ids[def.ID] = true
		}
		for _, def := range cfg.Sections.Definitions {
			for _, dep := range def.DependsOn {
				if !ids[dep] {
					return fmt.Errorf("section %q depends on undeclared section %q", def.ID, dep)
				}
			}
		}
	}

	return nil
}
