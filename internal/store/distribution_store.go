package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DistributionStore struct{ db *gorm.DB }

func (s *Store) Distributions() *DistributionStore { return &DistributionStore{db: s.DB} }

// AddBatch records that a sender key has been made available to recipients.
// Re-distributing an already-distributed key is a no-op.
func (d *DistributionStore) AddBatch(ctx context.Context, rows []domain.SenderKeyDistribution) error {
	if len(rows) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// Exists reports whether the recipient holds the given sender key version.
func (d *DistributionStore) Exists(ctx context.Context, groupID, senderID, recipientID uuid.UUID, keyID uint32) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&domain.SenderKeyDistribution{}).
		Where("group_id = ? AND sender_id = ? AND recipient_id = ? AND key_id = ?",
			groupID, senderID, recipientID, keyID).
		Count(&n).Error
	return n > 0, err
}

// DeleteForRecipient removes every distribution to a member leaving the
// group.
func (d *DistributionStore) DeleteForRecipient(ctx context.Context, groupID, recipientID uuid.UUID) error {
	return d.db.WithContext(ctx).
		Where("group_id = ? AND recipient_id = ?", groupID, recipientID).
		Delete(&domain.SenderKeyDistribution{}).Error
}

// DeleteForSender removes distributions of a removed member's own keys.
func (d *DistributionStore) DeleteForSender(ctx context.Context, groupID, senderID uuid.UUID) error {
	return d.db.WithContext(ctx).
		Where("group_id = ? AND sender_id = ?", groupID, senderID).
		Delete(&domain.SenderKeyDistribution{}).Error
}
