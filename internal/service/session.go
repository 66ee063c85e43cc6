package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// replayWindowSize bounds the duplicate-detection window per session.
const replayWindowSize = 64

// Sessions manages pairwise session state: X3DH establishment over a
// fetched bundle, persistence, and counter-based message encrypt/decrypt.
type Sessions struct {
	store *store.Store
}

func NewSessions(st *store.Store) *Sessions {
	return &Sessions{store: st}
}

// Establish verifies the bundle's signed pre-key signature, runs the X3DH
// agreement and persists a fresh session with message number zero. The
// one-time component is optional; its absence degrades forward secrecy of
// the first message only.
func (s *Sessions) Establish(ctx context.Context, req dto.EstablishSessionRequest) (dto.SessionResponse, error) {
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		return dto.SessionResponse{}, fmt.Errorf("%w: invalid ownerId", ErrInvalidRequest)
	}
	contactID, err := uuid.Parse(req.ContactID)
	if err != nil {
		return dto.SessionResponse{}, fmt.Errorf("%w: invalid contactId", ErrInvalidRequest)
	}

	identity := cryptocore.IdentityKeyPair{}
	if identity.DHPrivate, err = decodeKey32(req.IdentityPrivateKey); err != nil {
		return dto.SessionResponse{}, fmt.Errorf("%w: invalid identityPrivateKey", ErrInvalidRequest)
	}
	if identity.DHPublic, err = decodeKey32(req.IdentityPublicKey); err != nil {
		return dto.SessionResponse{}, fmt.Errorf("%w: invalid identityPublicKey", ErrInvalidRequest)
	}

	bundle, err := bundleFromDTO(req.Bundle)
	if err != nil {
		return dto.SessionResponse{}, err
	}

	secret, ephemeral, err := cryptocore.EstablishInitiator(identity, bundle)
	if err != nil {
		return dto.SessionResponse{}, err
	}

	sess := domain.PairwiseSession{
		OwnerID:      ownerID,
		ContactID:    contactID,
		SharedSecret: base64.StdEncoding.EncodeToString(secret[:]),
	}
	if err := s.store.Sessions().Upsert(ctx, sess); err != nil {
		return dto.SessionResponse{}, err
	}

	return dto.SessionResponse{
		OwnerID:      ownerID.String(),
		ContactID:    contactID.String(),
		EphemeralKey: base64.StdEncoding.EncodeToString(ephemeral[:]),
	}, nil
}

// Save persists session state supplied by the caller, typically the
// responder side after it derived the shared secret locally.
func (s *Sessions) Save(ctx context.Context, req dto.SaveSessionRequest) error {
	ownerID, contactID, err := parsePair(req.OwnerID, req.ContactID)
	if err != nil {
		return err
	}
	if _, err := decodeKey32(req.SharedSecret); err != nil {
		return fmt.Errorf("%w: invalid sharedSecret", ErrInvalidRequest)
	}
	return s.store.Sessions().Upsert(ctx, domain.PairwiseSession{
		OwnerID:       ownerID,
		ContactID:     contactID,
		SharedSecret:  req.SharedSecret,
		MessageNumber: req.MessageNumber,
	})
}

// Load returns the stored session, or nil when none exists.
func (s *Sessions) Load(ctx context.Context, ownerID, contactID uuid.UUID) (*dto.SessionResponse, error) {
	sess, err := s.store.Sessions().Get(ctx, ownerID, contactID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dto.SessionResponse{
		OwnerID:       sess.OwnerID.String(),
		ContactID:     sess.ContactID.String(),
		MessageNumber: sess.MessageNumber,
	}, nil
}

func (s *Sessions) Delete(ctx context.Context, ownerID, contactID uuid.UUID) error {
	return s.store.Sessions().Delete(ctx, ownerID, contactID)
}

func (s *Sessions) Has(ctx context.Context, ownerID, contactID uuid.UUID) (bool, error) {
	return s.store.Sessions().Exists(ctx, ownerID, contactID)
}

// Encrypt derives a per-message key from the shared secret and the
// incremented message number, and persists the new counter. The session row
// is locked while the counter is claimed, so counters stay monotonic and
// unique per encryption even under concurrent sends.
func (s *Sessions) Encrypt(ctx context.Context, req dto.EncryptMessageRequest) (dto.EncryptedMessage, error) {
	ownerID, contactID, err := parsePair(req.OwnerID, req.ContactID)
	if err != nil {
		return dto.EncryptedMessage{}, err
	}

	var out dto.EncryptedMessage
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		sess, err := tx.Sessions().GetForUpdate(ctx, ownerID, contactID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		secret, err := decodeKey32(sess.SharedSecret)
		if err != nil {
			return fmt.Errorf("corrupt session secret: %w", err)
		}
		counter := sess.MessageNumber + 1
		ciphertext, nonce, err := cryptocore.SealMessage(secret, counter, []byte(req.Plaintext))
		if err != nil {
			return err
		}
		sess.MessageNumber = counter
		if err := tx.Sessions().Upsert(ctx, *sess); err != nil {
			return err
		}
		out = dto.EncryptedMessage{
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			IV:         base64.StdEncoding.EncodeToString(nonce[:]),
			Counter:    counter,
		}
		return nil
	})
	if err != nil {
		return dto.EncryptedMessage{}, err
	}
	return out, nil
}

// Decrypt reproduces the per-message key from the counter carried with the
// message. Out-of-order counters are accepted; exact duplicates within the
// replay window are rejected before any decryption happens.
func (s *Sessions) Decrypt(ctx context.Context, req dto.DecryptMessageRequest) (dto.DecryptMessageResponse, error) {
	ownerID, contactID, err := parsePair(req.OwnerID, req.ContactID)
	if err != nil {
		return dto.DecryptMessageResponse{}, err
	}

	var plaintext []byte
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		sess, err := tx.Sessions().GetForUpdate(ctx, ownerID, contactID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		for _, seen := range sess.ReplayWindow {
			if seen == req.Message.Counter {
				return ErrDuplicateMessage
			}
		}
		secret, err := decodeKey32(sess.SharedSecret)
		if err != nil {
			return fmt.Errorf("corrupt session secret: %w", err)
		}
		ciphertext, err := base64.StdEncoding.DecodeString(req.Message.Ciphertext)
		if err != nil {
			return fmt.Errorf("%w: malformed ciphertext", ErrInvalidRequest)
		}
		var nonce [chacha20poly1305.NonceSize]byte
		iv, err := base64.StdEncoding.DecodeString(req.Message.IV)
		if err != nil || len(iv) != len(nonce) {
			return fmt.Errorf("%w: malformed iv", ErrInvalidRequest)
		}
		copy(nonce[:], iv)

		plaintext, err = cryptocore.OpenMessage(secret, req.Message.Counter, nonce, ciphertext)
		if err != nil {
			return err
		}
		sess.ReplayWindow = append(sess.ReplayWindow, req.Message.Counter)
		if len(sess.ReplayWindow) > replayWindowSize {
			sess.ReplayWindow = sess.ReplayWindow[len(sess.ReplayWindow)-replayWindowSize:]
		}
		return tx.Sessions().Upsert(ctx, *sess)
	})
	if err != nil {
		return dto.DecryptMessageResponse{}, err
	}
	return dto.DecryptMessageResponse{Plaintext: string(plaintext)}, nil
}

func parsePair(owner, contact string) (uuid.UUID, uuid.UUID, error) {
	ownerID, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: invalid ownerId", ErrInvalidRequest)
	}
	contactID, err := uuid.Parse(contact)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: invalid contactId", ErrInvalidRequest)
	}
	return ownerID, contactID, nil
}

func bundleFromDTO(b dto.PreKeyBundleResponse) (*cryptocore.PreKeyBundle, error) {
	bundle := &cryptocore.PreKeyBundle{SignedPreKeyID: b.SignedPreKey.KeyID}
	var err error
	if bundle.IdentityDH, err = decodeKey32(b.IdentityKey); err != nil {
		return nil, fmt.Errorf("%w: invalid bundle identityKey", ErrInvalidRequest)
	}
	if bundle.IdentityVerify, err = base64.StdEncoding.DecodeString(b.IdentitySignatureKey); err != nil {
		return nil, fmt.Errorf("%w: invalid bundle identitySignatureKey", ErrInvalidRequest)
	}
	if bundle.SignedPreKey, err = decodeKey32(b.SignedPreKey.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: invalid bundle signedPreKey", ErrInvalidRequest)
	}
	if bundle.SignedPreKeySig, err = base64.StdEncoding.DecodeString(b.SignedPreKey.Signature); err != nil {
		return nil, fmt.Errorf("%w: invalid bundle signature", ErrInvalidRequest)
	}
	if b.OneTimePreKey != nil {
		otk, err := decodeKey32(b.OneTimePreKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid bundle oneTimePreKey", ErrInvalidRequest)
		}
		id := b.OneTimePreKey.KeyID
		bundle.OneTimePreKeyID = &id
		bundle.OneTimePreKey = &otk
	}
	return bundle, nil
}

func decodeKey32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, errors.New("key must be 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}
