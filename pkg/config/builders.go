package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/debrief"
	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/locker"
	"github.com/casewire/casewire/pkg/locker/blob"
)

// NewBlobStore builds the evidence blob store selected by the config.
//
// The fs backend stores blobs under <locker.path>/blobs; the s3 backend
// builds an AWS client from the SDK default credential chain.
func NewBlobStore(ctx context.Context, cfg *Config) (blob.Store, error) {
	switch cfg.Locker.Store.Type {
	case "", "fs":
		dir := filepath.Join(cfg.Locker.Path, "blobs")
		logger.Debug("Creating filesystem blob store", "dir", dir)
		return blob.NewFSStore(dir)
	case "s3":
		s3cfg := cfg.Locker.Store.S3
		logger.Debug("Creating S3 blob store", "bucket", s3cfg.Bucket, "region", s3cfg.Region)
		return blob.NewS3FromConfig(ctx, blob.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			KeyPrefix:       s3cfg.KeyPrefix,
			ForcePathStyle:  s3cfg.ForcePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", cfg.Locker.Store.Type)
	}
}

// NewSigner builds the report signer from the configured algorithm and
// hex-encoded key.
func NewSigner(cfg *Config) (debrief.Signer, error) {
	key, err := hex.DecodeString(cfg.Debrief.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid debrief key: %w", err)
	}
	return debrief.NewSigner(cfg.Debrief.Algorithm, key)
}

// RegisterSections registers the configured section chain with the
// controller: either the custom definitions or, when none are declared,
// the canonical chain.
func RegisterSections(cfg *Config, ctrl *ecc.Controller) error {
	if len(cfg.Sections.Definitions) == 0 {
		ctrl.RegisterCanonical(cfg.Sections.MaxReruns)
		return nil
	}
	for _, def := range cfg.Sections.Definitions {
		if f := ctrl.RegisterSection(def.ID, def.DependsOn, def.Priority, cfg.Sections.MaxReruns); f != nil {
			return fmt.Errorf("failed to register section %q: %s", def.ID, f.Message)
		}
	}
	return nil
}

// Runtime converts the bus section into the bus package's config.
func (c *BusConfig) Runtime() bus.Config {
	return bus.Config{
		MailboxCap:     c.MailboxCap,
		SoftThreshold:  c.SoftThreshold,
		DefaultTimeout: c.DefaultTimeout,
	}
}

// Runtime converts the locker section into the locker package's config.
func (c *LockerConfig) Runtime() locker.Config {
	return locker.Config{
		MaxEvidenceSize:  c.MaxEvidenceSize.Int64(),
		ClassifyAttempts: c.ClassifyAttempts,
		ClassifyBackoff:  c.ClassifyBackoff,
	}
}

// Runtime converts the diagnostics section into the supervisor's config.
func (c *DiagnosticsConfig) Runtime() diagnostics.Config {
	return diagnostics.Config{
		SweepInterval:     c.SweepInterval,
		ResponseWindow:    c.ResponseWindow,
		MissThreshold:     c.MissThreshold,
		Workers:           c.Workers,
		MaxRepairAttempts: c.MaxRepairAttempts,
		RollcallEvery:     c.RollcallEvery,
		RollcallWindow:    c.RollcallWindow,
		RestartWindow:     c.RestartWindow,
		VaultSweep:        c.VaultSweep,
		QueueCap:          c.QueueCap,
		QueueSoft:         c.QueueSoft,
	}
}

// IndexPath returns the badger evidence index directory.
func (c *LockerConfig) IndexPath() string {
	return filepath.Join(c.Path, "index")
}

// ManifestPath returns the append-only intake manifest file.
func (c *LockerConfig) ManifestPath() string {
	return filepath.Join(c.Path, "manifest.jsonl")
}
