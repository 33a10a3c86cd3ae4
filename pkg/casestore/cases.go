package casestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrCaseNotFound is returned when no case matches the lookup.
var ErrCaseNotFound = errors.New("case not found")

// ErrCaseExists is returned when creating a case that already exists.
var ErrCaseExists = errors.New("case already exists")

// CreateCase registers a new case.
func (s *Store) CreateCase(ctx context.Context, id, reportType string) (*Case, error) {
	c := &Case{
		ID:         id,
		ReportType: reportType,
		Status:     CaseStatusOpen,
	}
	err := s.db.WithContext(ctx).Create(c).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrCaseExists
		}
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return c, nil
}

// GetCase retrieves a case by ID.
func (s *Store) GetCase(ctx context.Context, id string) (*Case, error) {
	var c Case
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListCases returns all cases, newest first.
func (s *Store) ListCases(ctx context.Context) ([]Case, error) {
	var cases []Case
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&cases).Error
	return cases, err
}

// SetCaseStatus updates a case's status.
func (s *Store) SetCaseStatus(ctx context.Context, id, status string) error {
	res := s.db.WithContext(ctx).Model(&Case{}).Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// SetCaseVersion persists the controller's version counter.
func (s *Store) SetCaseVersion(ctx context.Context, id string, version uint64) error {
	res := s.db.WithContext(ctx).Model(&Case{}).Where("id = ?", id).
		Update("version", version)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// RecordSignOff appends a section completion row.
func (s *Store) RecordSignOff(ctx context.Context, caseID, sectionID, payloadHash string, revisionDepth int, by string) error {
	row := &SignOff{
		CaseID:        caseID,
		SectionID:     sectionID,
		PayloadHash:   payloadHash,
		RevisionDepth: revisionDepth,
		SignedOffBy:   by,
		SignedOffAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// SignOffHistory returns a case's sign-offs in chronological order.
func (s *Store) SignOffHistory(ctx context.Context, caseID string) ([]SignOff, error) {
	var rows []SignOff
	err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// RecordReopen appends an administrative reopen audit row.
func (s *Store) RecordReopen(ctx context.Context, caseID, sectionID, actor, reason string) error {
	row := &ReopenAudit{
		CaseID:     caseID,
		SectionID:  sectionID,
		Actor:      actor,
		Reason:     reason,
		ReopenedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// ReopenHistory returns a case's reopen audit rows in chronological
// order.
func (s *Store) ReopenHistory(ctx context.Context, caseID string) ([]ReopenAudit, error) {
	var rows []ReopenAudit
	err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
