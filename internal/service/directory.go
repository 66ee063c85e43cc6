package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

const (
	defaultMinOneTimeKeys     = 1
	defaultReplenishThreshold = 10
)

// Directory is the server-side pre-key directory: it stores users' public
// bundles and hands out exactly one one-time pre-key per bundle fetch.
type Directory struct {
	store              *store.Store
	minOneTimeKeys     int
	replenishThreshold int64
}

type DirectoryConfig struct {
	// MinOneTimeKeys is the minimum pool size required on first publish.
	MinOneTimeKeys int
	// ReplenishThreshold is the pool size below which fetch responses and
	// status carry a replenish hint.
	ReplenishThreshold int64
}

func NewDirectory(st *store.Store, cfg DirectoryConfig) *Directory {
	if cfg.MinOneTimeKeys <= 0 {
		cfg.MinOneTimeKeys = defaultMinOneTimeKeys
	}
	if cfg.ReplenishThreshold <= 0 {
		cfg.ReplenishThreshold = defaultReplenishThreshold
	}
	return &Directory{
		store:              st,
		minOneTimeKeys:     cfg.MinOneTimeKeys,
		replenishThreshold: cfg.ReplenishThreshold,
	}
}

// Publish upserts a user's public bundle. First publish must carry the
// configured minimum of one-time pre-keys; later publishes may omit them.
func (d *Directory) Publish(ctx context.Context, req dto.PublishKeysRequest) (dto.PublishKeysResponse, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return dto.PublishKeysResponse{}, fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	if !validBase64(req.IdentityKey) || !validBase64(req.IdentitySignatureKey) {
		return dto.PublishKeysResponse{}, fmt.Errorf("%w: missing identity key material", ErrInvalidRequest)
	}
	if req.SignedPreKey.KeyID == 0 || !validBase64(req.SignedPreKey.PublicKey) || !validBase64(req.SignedPreKey.Signature) {
		return dto.PublishKeysResponse{}, fmt.Errorf("%w: signed prekey needs id, public key and signature", ErrInvalidRequest)
	}

	createdAt := req.SignedPreKey.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	otks := make([]domain.OneTimePreKey, 0, len(req.OneTimePreKeys))
	for _, k := range req.OneTimePreKeys {
		if !validBase64(k.PublicKey) {
			return dto.PublishKeysResponse{}, fmt.Errorf("%w: one-time prekey missing publicKey", ErrInvalidRequest)
		}
		otks = append(otks, domain.OneTimePreKey{
			ID:        uuid.New(),
			UserID:    userID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
		})
	}

	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		_, err := tx.IdentityKeys().GetByUser(ctx, userID)
		firstPublish := errors.Is(err, store.ErrRecordNotFound)
		if err != nil && !firstPublish {
			return err
		}
		if firstPublish && len(otks) < d.minOneTimeKeys {
			return fmt.Errorf("%w: first publish requires at least %d one-time prekeys", ErrInvalidRequest, d.minOneTimeKeys)
		}
		if err := tx.IdentityKeys().Upsert(ctx, domain.IdentityKey{
			UserID:       userID,
			PublicKey:    req.IdentityKey,
			SignatureKey: req.IdentitySignatureKey,
		}); err != nil {
			return err
		}
		if err := tx.SignedPreKeys().Upsert(ctx, domain.SignedPreKey{
			UserID:    userID,
			KeyID:     req.SignedPreKey.KeyID,
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		}); err != nil {
			return err
		}
		return tx.OneTimePreKeys().AddBatch(ctx, otks)
	})
	if err != nil {
		return dto.PublishKeysResponse{}, err
	}

	return dto.PublishKeysResponse{UserID: userID.String(), OneTimePreKeys: len(otks)}, nil
}

// FetchBundle returns the identity key, current signed pre-key and pops the
// oldest unconsumed one-time pre-key. The pop happens inside the fetch
// transaction, so two concurrent fetches for the same user can never
// receive the same key. A nil one-time component means the pool is
// exhausted; that degrades forward secrecy of the first message but never
// fails the fetch.
func (d *Directory) FetchBundle(ctx context.Context, userID, requesterID uuid.UUID) (dto.PreKeyBundleResponse, error) {
	var (
		identity  *domain.IdentityKey
		signed    *domain.SignedPreKey
		otk       *domain.OneTimePreKey
		remaining int64
	)

	err := d.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		identity, err = tx.IdentityKeys().GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrUserKeysNotFound
			}
			return err
		}
		signed, err = tx.SignedPreKeys().GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrUserKeysNotFound
			}
			return err
		}
		if otk, err = tx.OneTimePreKeys().ConsumeNext(ctx, userID, requesterID); err != nil {
			return err
		}
		remaining, err = tx.OneTimePreKeys().Remaining(ctx, userID)
		return err
	})
	if err != nil {
		return dto.PreKeyBundleResponse{}, err
	}

	resp := dto.PreKeyBundleResponse{
		UserID:               userID.String(),
		IdentityKey:          identity.PublicKey,
		IdentitySignatureKey: identity.SignatureKey,
		SignedPreKey: dto.SignedPreKey{
			KeyID:     signed.KeyID,
			PublicKey: signed.PublicKey,
			Signature: signed.Signature,
			CreatedAt: signed.CreatedAt,
		},
		NeedsReplenish: remaining < d.replenishThreshold,
	}
	if otk != nil {
		resp.OneTimePreKey = &dto.OneTimePreKey{KeyID: otk.KeyID, PublicKey: otk.PublicKey}
	}
	return resp, nil
}

// Replenish appends to the one-time pre-key pool; existing unconsumed keys
// are never removed.
func (d *Directory) Replenish(ctx context.Context, req dto.ReplenishRequest) (dto.ReplenishResponse, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return dto.ReplenishResponse{}, fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	if len(req.OneTimePreKeys) == 0 {
		return dto.ReplenishResponse{}, fmt.Errorf("%w: no one-time prekeys", ErrInvalidRequest)
	}

	otks := make([]domain.OneTimePreKey, 0, len(req.OneTimePreKeys))
	for _, k := range req.OneTimePreKeys {
		if !validBase64(k.PublicKey) {
			return dto.ReplenishResponse{}, fmt.Errorf("%w: one-time prekey missing publicKey", ErrInvalidRequest)
		}
		otks = append(otks, domain.OneTimePreKey{
			ID:        uuid.New(),
			UserID:    userID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
		})
	}

	var remaining int64
	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.IdentityKeys().GetByUser(ctx, userID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrUserKeysNotFound
			}
			return err
		}
		if err := tx.OneTimePreKeys().AddBatch(ctx, otks); err != nil {
			return err
		}
		var err error
		remaining, err = tx.OneTimePreKeys().Remaining(ctx, userID)
		return err
	})
	if err != nil {
		return dto.ReplenishResponse{}, err
	}

	return dto.ReplenishResponse{UserID: userID.String(), Added: len(otks), Remaining: remaining}, nil
}

// RotateSignedPreKey replaces the published signed pre-key and records the
// rotation in the audit log. Key ids must move forward.
func (d *Directory) RotateSignedPreKey(ctx context.Context, req dto.RotateSignedPreKeyRequest) (dto.RotateSignedPreKeyResponse, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	if !validBase64(req.SignedPreKey.PublicKey) || !validBase64(req.SignedPreKey.Signature) {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: missing signed prekey", ErrInvalidRequest)
	}

	createdAt := req.SignedPreKey.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		current, err := tx.SignedPreKeys().GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrUserKeysNotFound
			}
			return err
		}
		if req.SignedPreKey.KeyID <= current.KeyID {
			return fmt.Errorf("%w: signed prekey keyId must increase (current %d)", ErrInvalidRequest, current.KeyID)
		}
		if err := tx.SignedPreKeys().Upsert(ctx, domain.SignedPreKey{
			UserID:    userID,
			KeyID:     req.SignedPreKey.KeyID,
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		}); err != nil {
			return err
		}
		return tx.RotationLogs().Append(ctx, domain.KeyRotationLog{
			SubjectID: userID,
			KeyType:   "signedPreKey",
			Reason:    domain.RotationReasonScheduled,
		})
	})
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	return dto.RotateSignedPreKeyResponse{
		UserID: userID.String(),
		SignedPreKey: dto.SignedPreKey{
			KeyID:     req.SignedPreKey.KeyID,
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		},
	}, nil
}

// Status is read-only; the replenishment policy watches
// RemainingOneTimeCount and tops up the pool below the threshold.
func (d *Directory) Status(ctx context.Context, userID uuid.UUID) (dto.KeyStatusResponse, error) {
	resp := dto.KeyStatusResponse{UserID: userID.String()}

	_, err := d.store.IdentityKeys().GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return resp, nil
		}
		return dto.KeyStatusResponse{}, err
	}
	resp.HasKeys = true

	if resp.RemainingOneTimeCount, err = d.store.OneTimePreKeys().Remaining(ctx, userID); err != nil {
		return dto.KeyStatusResponse{}, err
	}
	resp.NeedsReplenish = resp.RemainingOneTimeCount < d.replenishThreshold

	last, err := d.store.RotationLogs().LastForSubject(ctx, userID)
	if err != nil {
		return dto.KeyStatusResponse{}, err
	}
	if last != nil {
		t := last.CreatedAt
		resp.LastRotationAt = &t
	}
	return resp, nil
}

func validBase64(s string) bool {
	if s == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}
