package cryptocore

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoMessage = "e2ee-keys/msg"

// SealMessage encrypts plaintext under a per-message key derived from the
// session's shared secret and the message counter. The nonce is random and
// must accompany the ciphertext; the counter is bound as associated data so
// a relabeled message fails to open.
func SealMessage(sharedSecret [32]byte, counter uint64, plaintext []byte) (ciphertext []byte, nonce [chacha20poly1305.NonceSize]byte, err error) {
	key, err := messageKey(sharedSecret[:], hkdfInfoMessage, counter)
	if err != nil {
		return nil, nonce, err
	}
	if err = readRandom(nonce[:]); err != nil {
		return nil, nonce, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nonce, err
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, counterAD(counter))
	return ciphertext, nonce, nil
}

// OpenMessage reproduces the per-message key from the counter carried with
// the ciphertext and decrypts. Returns ErrDecryptionFailed on tag mismatch.
func OpenMessage(sharedSecret [32]byte, counter uint64, nonce [chacha20poly1305.NonceSize]byte, ciphertext []byte) ([]byte, error) {
	key, err := messageKey(sharedSecret[:], hkdfInfoMessage, counter)
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

func messageKey(secret []byte, info string, counter uint64) ([32]byte, error) {
	buf := make([]byte, len(info)+8)
	copy(buf, info)
	binary.BigEndian.PutUint64(buf[len(info):], counter)
	kdf := hkdf.New(sha256.New, secret, nil, buf)
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

func counterAD(counter uint64) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint64(ad, counter)
	return ad
}
