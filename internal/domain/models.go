package domain

import (
	"time"

	"github.com/google/uuid"
)

// Key material columns hold base64-encoded bytes; that is the only wire
// convention persisted for interoperability.

type IdentityKey struct {
	UserID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	PublicKey    string    `gorm:"type:text;not null"`
	SignatureKey string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

type SignedPreKey struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyID     uint32    `gorm:"not null"`
	PublicKey string    `gorm:"type:text;not null"`
	Signature string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type OneTimePreKey struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_otk_user_key,priority:1"`
	KeyID      uint32     `gorm:"not null;uniqueIndex:idx_otk_user_key,priority:2"`
	PublicKey  string     `gorm:"type:text;not null"`
	ConsumedAt *time.Time `gorm:"type:timestamptz"`
	ConsumedBy *uuid.UUID `gorm:"type:uuid"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
}

type PairwiseSession struct {
	OwnerID       uuid.UUID `gorm:"type:uuid;primaryKey;priority:1"`
	ContactID     uuid.UUID `gorm:"type:uuid;primaryKey;priority:2"`
	SharedSecret  string    `gorm:"type:text;not null"`
	MessageNumber uint64    `gorm:"not null;default:0"`
	ReplayWindow  []uint64  `gorm:"serializer:json"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

// Sender key lifecycle per (group, sender): the latest-created active key is
// used for new encryptions; superseded keys remain decrypt-only; revoked
// keys belong to removed members.
const (
	SenderKeyActive     = "active"
	SenderKeySuperseded = "superseded"
	SenderKeyRevoked    = "revoked"
)

type GroupSenderKey struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_sender_key,priority:1"`
	SenderID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_sender_key,priority:2"`
	KeyID      uint32    `gorm:"not null;uniqueIndex:idx_sender_key,priority:3"`
	ChainKey   string    `gorm:"type:text;not null"`
	SigningKey string    `gorm:"type:text;not null"`
	VerifyKey  string    `gorm:"type:text;not null"`
	Status     string    `gorm:"type:text;not null;default:active"`
	Counter    uint64    `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
}

type SenderKeyDistribution struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_distribution,priority:1"`
	SenderID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_distribution,priority:2"`
	RecipientID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_distribution,priority:3"`
	KeyID       uint32    `gorm:"not null;uniqueIndex:idx_distribution,priority:4"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
}

// Rotation reasons recorded in the audit log.
const (
	RotationReasonScheduled     = "scheduled"
	RotationReasonManual        = "manual"
	RotationReasonMemberRemoved = "member_removed"
	RotationReasonExhausted     = "exhausted"
)

type KeyRotationLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubjectID uuid.UUID `gorm:"type:uuid;not null;index"`
	KeyType   string    `gorm:"type:text;not null"`
	Reason    string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type GroupMember struct {
	GroupID  uuid.UUID `gorm:"type:uuid;primaryKey;priority:1"`
	UserID   uuid.UUID `gorm:"type:uuid;primaryKey;priority:2"`
	JoinedAt time.Time `gorm:"not null;autoCreateTime"`
}

// All returns every model for migration.
func All() []any {
	return []any{
		&IdentityKey{},
		&SignedPreKey{},
		&OneTimePreKey{},
		&PairwiseSession{},
		&GroupSenderKey{},
		&SenderKeyDistribution{},
		&KeyRotationLog{},
		&GroupMember{},
	}
}
