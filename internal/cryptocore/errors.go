package cryptocore

import "errors"

var (
	ErrKeyGeneration         = errors.New("cryptocore: key generation failed")
	ErrSignatureVerification = errors.New("cryptocore: invalid prekey signature")
	ErrDecryptionFailed      = errors.New("cryptocore: message authentication failed")
	ErrIntegrity             = errors.New("cryptocore: sender signature mismatch")
)
