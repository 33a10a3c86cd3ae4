package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configHeader is prepended to generated configuration files.
const configHeader = `# Casewire Configuration File
#
# Generated by 'casewire init'. Edit to taste; every omitted value
# falls back to a sensible default.
#
# Precedence: environment variables (CASEWIRE_*) override this file,
# this file overrides built-in defaults.
#
# The api.jwt.secret and debrief.key values below were generated for
# this installation. Keep this file private (mode 0600).

`

// InitConfig creates a configuration file at the default location.
//
// The generated file contains all default values plus freshly generated
// secrets (JWT signing secret and report signing key).
//
// Parameters:
//   - force: Overwrite an existing config file
//
// Returns:
//   - string: Path of the created config file
//   - error: If the file exists (without force) or writing fails
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath creates a configuration file at the given path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	cfg := GetDefaultConfig()
	cfg.API.JWT.Secret = generateJWTSecret()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	content := append([]byte(configHeader), data...)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateJWTSecret returns a random 32-byte secret, hex encoded (64 chars).
func generateJWTSecret() string {
	return randomHex(32)
}

// generateSigningKey returns a random 32-byte report signing key, hex encoded.
func generateSigningKey() string {
	return randomHex(32)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	// rand.Read on modern Go never fails; it panics internally instead
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
