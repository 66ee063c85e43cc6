package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionStore struct{ db *gorm.DB }

func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.DB} }

// Upsert is last-write-wins: two devices racing establishment both end up
// with a usable session and the later write sticks.
func (s *SessionStore) Upsert(ctx context.Context, sess domain.PairwiseSession) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "contact_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"shared_secret", "message_number", "replay_window", "updated_at"}),
		}).
		Create(&sess).Error
}

func (s *SessionStore) Get(ctx context.Context, ownerID, contactID uuid.UUID) (*domain.PairwiseSession, error) {
	var sess domain.PairwiseSession
	if err := s.db.WithContext(ctx).
		First(&sess, "owner_id = ? AND contact_id = ?", ownerID, contactID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// GetForUpdate row-locks the session for the rest of the surrounding
// transaction. Counter claims and replay-window updates read through this,
// so two concurrent operations on the same session serialize instead of
// both reading the same message number.
func (s *SessionStore) GetForUpdate(ctx context.Context, ownerID, contactID uuid.UUID) (*domain.PairwiseSession, error) {
	var sess domain.PairwiseSession
	if err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sess, "owner_id = ? AND contact_id = ?", ownerID, contactID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, ownerID, contactID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("owner_id = ? AND contact_id = ?", ownerID, contactID).
		Delete(&domain.PairwiseSession{}).Error
}

func (s *SessionStore) Exists(ctx context.Context, ownerID, contactID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.PairwiseSession{}).
		Where("owner_id = ? AND contact_id = ?", ownerID, contactID).
		Count(&n).Error
	return n > 0, err
}
