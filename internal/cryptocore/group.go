package cryptocore

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const hkdfInfoSenderKey = "e2ee-keys/senderkey"

// NewSenderKey generates fresh Sender-Keys material: a random chain key and
// an Ed25519 pair for signing ciphertexts.
func NewSenderKey() (SenderKey, error) {
	var chain [32]byte
	if err := readRandom(chain[:]); err != nil {
		return SenderKey{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return SenderKey{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SenderKey{
		ChainKey:       chain,
		SigningPrivate: priv,
		VerifyPublic:   priv.Public().(ed25519.PublicKey),
	}, nil
}

// SealGroupMessage encrypts plaintext under the message key derived from the
// chain key and counter, and signs the ciphertext so tampering or key
// confusion is detectable at decrypt time.
func SealGroupMessage(chainKey [32]byte, signing ed25519.PrivateKey, counter uint64, plaintext []byte) (ciphertext []byte, nonce [chacha20poly1305.NonceSize]byte, signature []byte, err error) {
	key, err := messageKey(chainKey[:], hkdfInfoSenderKey, counter)
	if err != nil {
		return nil, nonce, nil, err
	}
	if err = readRandom(nonce[:]); err != nil {
		return nil, nonce, nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nonce, nil, err
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, counterAD(counter))
	signature = ed25519.Sign(signing, ciphertext)
	return ciphertext, nonce, signature, nil
}

// OpenGroupMessage verifies the sender signature over the ciphertext before
// decrypting. Signature mismatch is ErrIntegrity and must never be
// downgraded; tag mismatch is ErrDecryptionFailed.
func OpenGroupMessage(chainKey [32]byte, verify ed25519.PublicKey, counter uint64, nonce [chacha20poly1305.NonceSize]byte, ciphertext, signature []byte) ([]byte, error) {
	if len(verify) != ed25519.PublicKeySize || !ed25519.Verify(verify, ciphertext, signature) {
		return nil, ErrIntegrity
	}
	key, err := messageKey(chainKey[:], hkdfInfoSenderKey, counter)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, counterAD(counter))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
