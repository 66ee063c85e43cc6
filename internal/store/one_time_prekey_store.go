package store

import (
	"context"
	"time"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimePreKeyStore struct{ db *gorm.DB }

func (s *Store) OneTimePreKeys() *OneTimePreKeyStore { return &OneTimePreKeyStore{db: s.DB} }

// AddBatch appends to the pool. Existing unconsumed keys are never touched;
// duplicate (user, keyId) rows are silently skipped.
func (o *OneTimePreKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimePreKey) error {
	if len(keys) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys).Error
}

// ConsumeNext atomically claims the oldest unconsumed pre-key for userID,
// recording who consumed it. Must run inside the bundle-fetch transaction:
// the row lock guarantees no two concurrent fetches claim the same key.
// Returns (nil, nil) when the pool is exhausted.
func (o *OneTimePreKeyStore) ConsumeNext(ctx context.Context, userID, consumerID uuid.UUID) (*domain.OneTimePreKey, error) {
	var key domain.OneTimePreKey
	tx := o.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("user_id = ? AND consumed_at IS NULL", userID).
		Order("key_id ASC")
	if err := tx.First(&key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	now := time.Now().UTC()
	if err := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
		Where("id = ?", key.ID).
		Updates(map[string]any{"consumed_at": now, "consumed_by": consumerID}).Error; err != nil {
		return nil, err
	}
	key.ConsumedAt = &now
	key.ConsumedBy = &consumerID
	return &key, nil
}

// Remaining counts the unconsumed keys in userID's pool.
func (o *OneTimePreKeyStore) Remaining(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
		Where("user_id = ? AND consumed_at IS NULL", userID).
		Count(&n).Error
	return n, err
}

// MaxKeyID returns the highest keyId ever issued for userID, consumed or
// not, so replenishment can continue the sequence.
func (o *OneTimePreKeyStore) MaxKeyID(ctx context.Context, userID uuid.UUID) (uint32, error) {
	var max *uint32
	err := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
		Where("user_id = ?", userID).
		Select("MAX(key_id)").
		Scan(&max).Error
	if err != nil || max == nil {
		return 0, err
	}
	return *max, nil
}
