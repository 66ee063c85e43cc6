package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SenderKeyStore struct{ db *gorm.DB }

func (s *Store) SenderKeys() *SenderKeyStore { return &SenderKeyStore{db: s.DB} }

// Create persists a new sender key after superseding the previous active
// one, so exactly one active key exists per (group, sender).
func (k *SenderKeyStore) Create(ctx context.Context, key domain.GroupSenderKey) error {
	db := k.db.WithContext(ctx)
	if err := db.Model(&domain.GroupSenderKey{}).
		Where("group_id = ? AND sender_id = ? AND status = ?", key.GroupID, key.SenderID, domain.SenderKeyActive).
		Update("status", domain.SenderKeySuperseded).Error; err != nil {
		return err
	}
	return db.Create(&key).Error
}

// Active returns the sender's current active key for the group. The row is
// locked for the rest of the surrounding transaction: the per-key message
// counter is claimed off this read, and two concurrent sends must not both
// see the same value.
func (k *SenderKeyStore) Active(ctx context.Context, groupID, senderID uuid.UUID) (*domain.GroupSenderKey, error) {
	var key domain.GroupSenderKey
	err := k.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("group_id = ? AND sender_id = ? AND status = ?", groupID, senderID, domain.SenderKeyActive).
		Order("key_id DESC").
		First(&key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}

// Get returns a specific sender key version, active or superseded, so
// messages already in flight stay decryptable. Revoked keys are not served.
func (k *SenderKeyStore) Get(ctx context.Context, groupID, senderID uuid.UUID, keyID uint32) (*domain.GroupSenderKey, error) {
	var key domain.GroupSenderKey
	err := k.db.WithContext(ctx).
		Where("group_id = ? AND sender_id = ? AND key_id = ? AND status <> ?",
			groupID, senderID, keyID, domain.SenderKeyRevoked).
		First(&key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}

// ActiveForGroup lists every sender's active key in the group.
func (k *SenderKeyStore) ActiveForGroup(ctx context.Context, groupID uuid.UUID) ([]domain.GroupSenderKey, error) {
	var keys []domain.GroupSenderKey
	err := k.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, domain.SenderKeyActive).
		Order("sender_id ASC, key_id ASC").
		Find(&keys).Error
	return keys, err
}

// RevokeSender invalidates every key a removed member owned in the group.
func (k *SenderKeyStore) RevokeSender(ctx context.Context, groupID, senderID uuid.UUID) error {
	return k.db.WithContext(ctx).Model(&domain.GroupSenderKey{}).
		Where("group_id = ? AND sender_id = ?", groupID, senderID).
		Update("status", domain.SenderKeyRevoked).Error
}

// NextKeyID returns a keyId strictly greater than any the sender has used
// in this group.
func (k *SenderKeyStore) NextKeyID(ctx context.Context, groupID, senderID uuid.UUID) (uint32, error) {
	var max *uint32
	err := k.db.WithContext(ctx).Model(&domain.GroupSenderKey{}).
		Where("group_id = ? AND sender_id = ?", groupID, senderID).
		Select("MAX(key_id)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// SetCounter persists the sender's per-key message counter after encrypt.
func (k *SenderKeyStore) SetCounter(ctx context.Context, id uuid.UUID, counter uint64) error {
	return k.db.WithContext(ctx).Model(&domain.GroupSenderKey{}).
		Where("id = ?", id).
		Update("counter", counter).Error
}

// CountForGroup counts non-revoked sender keys in the group.
func (k *SenderKeyStore) CountForGroup(ctx context.Context, groupID uuid.UUID) (int64, error) {
	var n int64
	err := k.db.WithContext(ctx).Model(&domain.GroupSenderKey{}).
		Where("group_id = ? AND status <> ?", groupID, domain.SenderKeyRevoked).
		Count(&n).Error
	return n, err
}
