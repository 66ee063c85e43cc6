package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RotationLogStore struct{ db *gorm.DB }

func (s *Store) RotationLogs() *RotationLogStore { return &RotationLogStore{db: s.DB} }

// Append writes an audit record. The log is append-only; nothing here
// updates or deletes.
func (r *RotationLogStore) Append(ctx context.Context, entry domain.KeyRotationLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

// LastForSubject returns the most recent rotation entry for a user or
// group, or nil when none exists.
func (r *RotationLogStore) LastForSubject(ctx context.Context, subjectID uuid.UUID) (*domain.KeyRotationLog, error) {
	var entry domain.KeyRotationLog
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
