package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MemberStore struct{ db *gorm.DB }

func (s *Store) Members() *MemberStore { return &MemberStore{db: s.DB} }

func (m *MemberStore) Add(ctx context.Context, groupID, userID uuid.UUID) error {
	row := domain.GroupMember{GroupID: groupID, UserID: userID}
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (m *MemberStore) Remove(ctx context.Context, groupID, userID uuid.UUID) error {
	return m.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&domain.GroupMember{}).Error
}

func (m *MemberStore) List(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	var rows []domain.GroupMember
	if err := m.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}
