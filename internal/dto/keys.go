package dto

import "time"

// Binary key fields are base64 (std encoding) when round-tripped through
// JSON.

type SignedPreKey struct {
	KeyID     uint32    `json:"keyId"`
	PublicKey string    `json:"publicKey"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

type OneTimePreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type PublishKeysRequest struct {
	UserID               string          `json:"userId"`
	IdentityKey          string          `json:"identityKey"`
	IdentitySignatureKey string          `json:"identitySignatureKey"`
	SignedPreKey         SignedPreKey    `json:"signedPreKey"`
	OneTimePreKeys       []OneTimePreKey `json:"oneTimePreKeys"`
}

type PublishKeysResponse struct {
	UserID         string `json:"userId"`
	OneTimePreKeys int    `json:"oneTimePreKeys"`
}

type PreKeyBundleResponse struct {
	UserID               string         `json:"userId"`
	IdentityKey          string         `json:"identityKey"`
	IdentitySignatureKey string         `json:"identitySignatureKey"`
	SignedPreKey         SignedPreKey   `json:"signedPreKey"`
	OneTimePreKey        *OneTimePreKey `json:"oneTimePreKey,omitempty"`
	NeedsReplenish       bool           `json:"needsReplenish"`
}

type ReplenishRequest struct {
	UserID         string          `json:"userId"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys"`
}

type ReplenishResponse struct {
	UserID    string `json:"userId"`
	Added     int    `json:"added"`
	Remaining int64  `json:"remaining"`
}

type RotateSignedPreKeyRequest struct {
	UserID       string       `json:"userId"`
	SignedPreKey SignedPreKey `json:"signedPreKey"`
}

type RotateSignedPreKeyResponse struct {
	UserID       string       `json:"userId"`
	SignedPreKey SignedPreKey `json:"signedPreKey"`
}

type KeyStatusResponse struct {
	UserID                string     `json:"userId"`
	HasKeys               bool       `json:"hasKeys"`
	RemainingOneTimeCount int64      `json:"remainingOneTimeCount"`
	LastRotationAt        *time.Time `json:"lastRotationAt,omitempty"`
	NeedsReplenish        bool       `json:"needsReplenish"`
}
