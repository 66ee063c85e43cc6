package cryptocore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoX3DH = "e2ee-keys/x3dh"

// VerifyPreKeyBundle checks that the bundle's signed pre-key carries a valid
// identity signature. This is the primary authenticity check preventing
// key-substitution attacks; callers must run it before any DH.
func VerifyPreKeyBundle(bundle *PreKeyBundle) error {
	if bundle == nil {
		return fmt.Errorf("%w: nil bundle", ErrSignatureVerification)
	}
	if len(bundle.IdentityVerify) != ed25519.PublicKeySize {
		return ErrSignatureVerification
	}
	if !ed25519.Verify(bundle.IdentityVerify, bundle.SignedPreKey[:], bundle.SignedPreKeySig) {
		return ErrSignatureVerification
	}
	return nil
}

// EstablishInitiator performs the X3DH agreement against a peer's bundle and
// derives the session's shared secret. It returns the ephemeral public key
// that the responder needs to derive the same secret.
func EstablishInitiator(identity IdentityKeyPair, bundle *PreKeyBundle) ([32]byte, [32]byte, error) {
	if err := VerifyPreKeyBundle(bundle); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}

	dh1, err := curve25519.X25519(identity.DHPrivate[:], bundle.SignedPreKey[:])
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	dh2, err := curve25519.X25519(ephemeral.Private[:], bundle.IdentityDH[:])
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	dh3, err := curve25519.X25519(ephemeral.Private[:], bundle.SignedPreKey[:])
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.OneTimePreKey != nil {
		dh4, err := curve25519.X25519(ephemeral.Private[:], bundle.OneTimePreKey[:])
		if err != nil {
			return [32]byte{}, [32]byte{}, err
		}
		secret = append(secret, dh4...)
	}
	shared, err := deriveSharedSecret(secret)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return shared, ephemeral.Public, nil
}

// EstablishResponder derives the same shared secret on the responder side
// from the initiator's identity DH key and ephemeral key. The one-time
// pre-key is nil when the initiator's bundle had none.
func EstablishResponder(identity IdentityKeyPair, signedPreKey KeyPair, oneTime *KeyPair, initiatorDH, ephemeral [32]byte) ([32]byte, error) {
	dh1, err := curve25519.X25519(signedPreKey.Private[:], initiatorDH[:])
	if err != nil {
		return [32]byte{}, err
	}
	dh2, err := curve25519.X25519(identity.DHPrivate[:], ephemeral[:])
	if err != nil {
		return [32]byte{}, err
	}
	dh3, err := curve25519.X25519(signedPreKey.Private[:], ephemeral[:])
	if err != nil {
		return [32]byte{}, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if oneTime != nil {
		dh4, err := curve25519.X25519(oneTime.Private[:], ephemeral[:])
		if err != nil {
			return [32]byte{}, err
		}
		secret = append(secret, dh4...)
	}
	return deriveSharedSecret(secret)
}

func deriveSharedSecret(secret []byte) ([32]byte, error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoX3DH))
	var shared [32]byte
	if _, err := io.ReadFull(kdf, shared[:]); err != nil {
		return [32]byte{}, err
	}
	return shared, nil
}
