package dto

import "time"

// GroupMessage is the ciphertext blob a group sender produces. The
// signature authenticates the ciphertext under the sender key's signing
// key, so tampering or key confusion is detectable at decrypt time.
type GroupMessage struct {
	GroupID    string `json:"groupId"`
	SenderID   string `json:"senderId"`
	KeyID      uint32 `json:"keyId"`
	Counter    uint64 `json:"counter"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
}

type EncryptGroupMessageRequest struct {
	SenderID  string `json:"senderId"`
	Plaintext string `json:"plaintext"`
}

type DecryptGroupMessageRequest struct {
	RecipientID string       `json:"recipientId"`
	Message     GroupMessage `json:"message"`
}

type DecryptGroupMessageResponse struct {
	Plaintext string `json:"plaintext"`
}

type AddMemberRequest struct {
	UserID string `json:"userId"`
}

type RotateSenderKeysRequest struct {
	// SenderID rotates a single sender's key; empty rotates every current
	// member's key.
	SenderID string `json:"senderId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type RotateSenderKeysResponse struct {
	GroupID string   `json:"groupId"`
	Rotated []string `json:"rotated"`
}

type GroupStatusResponse struct {
	GroupID        string     `json:"groupId"`
	Enabled        bool       `json:"enabled"`
	SenderKeyCount int64      `json:"senderKeyCount"`
	MemberCount    int        `json:"memberCount"`
	LastRotationAt *time.Time `json:"lastRotationAt,omitempty"`
}
