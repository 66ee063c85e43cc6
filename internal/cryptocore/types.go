package cryptocore

import (
	"crypto/ed25519"
)

// KeyPair is an X25519 key pair used for Diffie-Hellman operations.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// IdentityKeyPair is a user's long-term identity: an Ed25519 signing pair
// plus the X25519 key material derived from the same seed for DH.
type IdentityKeyPair struct {
	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey
	DHPrivate      [32]byte
	DHPublic       [32]byte
}

// SignedPreKey is a medium-lived X25519 pair whose public half is signed by
// the owner's identity signing key.
type SignedPreKey struct {
	KeyID     uint32
	Key       KeyPair
	Signature []byte
}

// OneTimePreKey is a single-use X25519 pair consumed by exactly one
// session-establishment request.
type OneTimePreKey struct {
	KeyID uint32
	Key   KeyPair
}

// PreKeyBundle carries the public key material needed to establish a
// session with an offline peer. The one-time component is absent once the
// peer's pool is exhausted.
type PreKeyBundle struct {
	IdentityDH      [32]byte
	IdentityVerify  ed25519.PublicKey
	SignedPreKeyID  uint32
	SignedPreKey    [32]byte
	SignedPreKeySig []byte
	OneTimePreKeyID *uint32
	OneTimePreKey   *[32]byte
}

// SenderKey is the per-(group,sender) material for the Sender-Keys scheme:
// a chain key that message keys are derived from, and an Ed25519 pair that
// authenticates each ciphertext.
type SenderKey struct {
	ChainKey       [32]byte
	SigningPrivate ed25519.PrivateKey
	VerifyPublic   ed25519.PublicKey
}
