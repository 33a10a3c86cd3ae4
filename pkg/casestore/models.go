package casestore

import (
	"time"
)

// Case status values.
const (
	CaseStatusOpen      = "open"
	CaseStatusAssembled = "assembled"
	CaseStatusClosed    = "closed"
)

// Case is the persistent registry row for one case.
type Case struct {
	ID         string `gorm:"primaryKey"`
	ReportType string `gorm:"not null"`
	Status     string `gorm:"not null;default:open"`

	// Version mirrors the controller's case version counter at the
	// last persisted transition.
	Version uint64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignOff is one section completion record. A revised section appends
// a new row rather than rewriting the old one.
type SignOff struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	CaseID        string `gorm:"index;not null"`
	SectionID     string `gorm:"not null"`
	PayloadHash   string `gorm:"not null"`
	RevisionDepth int    `gorm:"not null;default:0"`
	SignedOffBy   string `gorm:"not null"`
	SignedOffAt   time.Time
}

// ReopenAudit records an administrative reopen of a failed section.
type ReopenAudit struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	CaseID     string `gorm:"index;not null"`
	SectionID  string `gorm:"not null"`
	Actor      string `gorm:"not null"`
	Reason     string
	ReopenedAt time.Time
}

// allModels lists every model for auto-migration.
func allModels() []any {
	return []any{&Case{}, &SignOff{}, &ReopenAudit{}}
}
