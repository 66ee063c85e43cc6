package cryptocore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic
// testing and returns a restore function that must be called when the test
// completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// GenerateIdentityKeyPair creates a fresh long-term identity: an Ed25519
// signing pair and the corresponding X25519 key material for DH.
func GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return IdentityKeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	return IdentityKeyPair{
		SigningPrivate: append(ed25519.PrivateKey(nil), priv...),
		SigningPublic:  append(ed25519.PublicKey(nil), pub...),
		DHPrivate:      dhPriv,
		DHPublic:       dhPub,
	}, nil
}

// GenerateSignedPreKey creates an X25519 pair and signs its public half with
// the identity signing key.
func GenerateSignedPreKey(identitySigning ed25519.PrivateKey, keyID uint32) (SignedPreKey, error) {
	if len(identitySigning) != ed25519.PrivateKeySize {
		return SignedPreKey{}, fmt.Errorf("%w: bad identity signing key size", ErrKeyGeneration)
	}
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return SignedPreKey{}, err
	}
	sig := ed25519.Sign(identitySigning, kp.Public[:])
	return SignedPreKey{KeyID: keyID, Key: kp, Signature: sig}, nil
}

// GenerateOneTimePreKeys produces count sequentially-id'd X25519 pairs
// starting at startID.
func GenerateOneTimePreKeys(startID uint32, count int) ([]OneTimePreKey, error) {
	if count <= 0 {
		return nil, nil
	}
	keys := make([]OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		keys = append(keys, OneTimePreKey{KeyID: startID + uint32(i), Key: kp})
	}
	return keys, nil
}

// GenerateX25519KeyPair creates a clamped X25519 key pair.
func GenerateX25519KeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

var _ io.Reader = randReader{}
