package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SignedPreKeyStore struct{ db *gorm.DB }

func (s *Store) SignedPreKeys() *SignedPreKeyStore { return &SignedPreKeyStore{db: s.DB} }

// Upsert replaces the published signed pre-key; only the latest is served.
func (s *SignedPreKeyStore) Upsert(ctx context.Context, key domain.SignedPreKey) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"key_id":     key.KeyID,
				"public_key": key.PublicKey,
				"signature":  key.Signature,
				"created_at": key.CreatedAt,
			}),
		}).
		Create(&key).Error
}

func (s *SignedPreKeyStore) GetByUser(ctx context.Context, userID uuid.UUID) (*domain.SignedPreKey, error) {
	var key domain.SignedPreKey
	if err := s.db.WithContext(ctx).First(&key, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}
