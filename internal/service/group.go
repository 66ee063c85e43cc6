package service

import (
	"context"
	"crypto/ed25519"
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

// Membership is the chat-membership collaborator: the group service only
// needs to know who to distribute keys to.
type Membership interface {
	GetMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
}

// Groups implements the Sender-Keys protocol: per-(group,sender) chain and
// signing keys, distribution records per recipient, and rotation on
// membership change.
type Groups struct {
	store   *store.Store
	members Membership
}

func NewGroups(st *store.Store, members Membership) *Groups {
	return &Groups{store: st, members: members}
}

// CreateSenderKey generates and persists a new active sender key; the
// previous active key, if any, becomes superseded and stays decrypt-only.
func (g *Groups) CreateSenderKey(ctx context.Context, groupID, senderID uuid.UUID) (domain.GroupSenderKey, error) {
	var created domain.GroupSenderKey
	err := g.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		created, err = g.createSenderKeyTx(ctx, tx, groupID, senderID)
		return err
	})
	return created, err
}

func (g *Groups) createSenderKeyTx(ctx context.Context, tx *store.Store, groupID, senderID uuid.UUID) (domain.GroupSenderKey, error) {
	material, err := cryptocore.NewSenderKey()
	if err != nil {
		return domain.GroupSenderKey{}, err
	}
	keyID, err := tx.SenderKeys().NextKeyID(ctx, groupID, senderID)
	if err != nil {
		return domain.GroupSenderKey{}, err
	}
	key := domain.GroupSenderKey{
		ID:         uuid.New(),
		GroupID:    groupID,
		SenderID:   senderID,
		KeyID:      keyID,
		ChainKey:   base64.StdEncoding.EncodeToString(material.ChainKey[:]),
		SigningKey: base64.StdEncoding.EncodeToString(material.SigningPrivate.Seed()),
		VerifyKey:  base64.StdEncoding.EncodeToString(material.VerifyPublic),
		Status:     domain.SenderKeyActive,
	}
	if err := tx.SenderKeys().Create(ctx, key); err != nil {
		return domain.GroupSenderKey{}, err
	}
	return key, nil
}

// DistributeSenderKey records the key as available to each member except
// the sender itself. Idempotent: re-distribution is a no-op.
func (g *Groups) DistributeSenderKey(ctx context.Context, groupID, senderID uuid.UUID, keyID uint32, memberIDs []uuid.UUID) error {
	return g.distributeTx(ctx, g.store, groupID, senderID, keyID, memberIDs)
}

func (g *Groups) distributeTx(ctx context.Context, tx *store.Store, groupID, senderID uuid.UUID, keyID uint32, memberIDs []uuid.UUID) error {
	rows := make([]domain.SenderKeyDistribution, 0, len(memberIDs))
	for _, m := range memberIDs {
		if m == senderID {
			continue
		}
		rows = append(rows, domain.SenderKeyDistribution{
			ID:          uuid.New(),
			GroupID:     groupID,
			SenderID:    senderID,
			RecipientID: m,
			KeyID:       keyID,
		})
	}
	return tx.Distributions().AddBatch(ctx, rows)
}

// Encrypt encrypts a group broadcast once under the sender's active key,
// lazily creating and distributing one on first send.
func (g *Groups) Encrypt(ctx context.Context, groupID uuid.UUID, req dto.EncryptGroupMessageRequest) (dto.GroupMessage, error) {
	senderID, err := uuid.Parse(req.SenderID)
	if err != nil {
		return dto.GroupMessage{}, fmt.Errorf("%w: invalid senderId", ErrInvalidRequest)
	}

	var out dto.GroupMessage
	err = g.store.WithTx(ctx, func(tx *store.Store) error {
		key, err := tx.SenderKeys().Active(ctx, groupID, senderID)
		if errors.Is(err, store.ErrRecordNotFound) {
			members, merr := g.members.GetMembers(ctx, groupID)
			if merr != nil {
				return merr
			}
			created, cerr := g.createSenderKeyTx(ctx, tx, groupID, senderID)
			if cerr != nil {
				return cerr
			}
			if derr := g.distributeTx(ctx, tx, groupID, senderID, created.KeyID, members); derr != nil {
				return derr
			}
			key = &created
		} else if err != nil {
			return err
		}

		chain, err := decodeKey32(key.ChainKey)
		if err != nil {
			return fmt.Errorf("corrupt chain key: %w", err)
		}
		seed, err := base64.StdEncoding.DecodeString(key.SigningKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return errors.New("corrupt sender signing key")
		}
		signing := ed25519.NewKeyFromSeed(seed)

		counter := key.Counter
		ciphertext, nonce, signature, err := cryptocore.SealGroupMessage(chain, signing, counter, []byte(req.Plaintext))
		if err != nil {
			return err
		}
		if err := tx.SenderKeys().SetCounter(ctx, key.ID, counter+1); err != nil {
			return err
		}

		out = dto.GroupMessage{
			GroupID:    groupID.String(),
			SenderID:   senderID.String(),
			KeyID:      key.KeyID,
			Counter:    counter,
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
			Signature:  base64.StdEncoding.EncodeToString(signature),
		}
		return nil
	})
	if err != nil {
		return dto.GroupMessage{}, err
	}
	return out, nil
}

// Decrypt opens a group message for a recipient. The recipient must hold a
// distribution for the exact key version; the signature is verified before
// any decryption, and a mismatch is fatal to the operation.
func (g *Groups) Decrypt(ctx context.Context, groupID uuid.UUID, req dto.DecryptGroupMessageRequest) (dto.DecryptGroupMessageResponse, error) {
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, fmt.Errorf("%w: invalid recipientId", ErrInvalidRequest)
	}
	senderID, err := uuid.Parse(req.Message.SenderID)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, fmt.Errorf("%w: invalid senderId", ErrInvalidRequest)
	}

	distributed, err := g.store.Distributions().Exists(ctx, groupID, senderID, recipientID, req.Message.KeyID)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, err
	}
	if !distributed {
		return dto.DecryptGroupMessageResponse{}, ErrSenderKeyNotDistributed
	}

	key, err := g.store.SenderKeys().Get(ctx, groupID, senderID, req.Message.KeyID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return dto.DecryptGroupMessageResponse{}, ErrSenderKeyNotDistributed
		}
		return dto.DecryptGroupMessageResponse{}, err
	}

	chain, err := decodeKey32(key.ChainKey)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, fmt.Errorf("corrupt chain key: %w", err)
	}
	verify, err := base64.StdEncoding.DecodeString(key.VerifyKey)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, errors.New("corrupt sender verify key")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Message.Ciphertext)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, fmt.Errorf("%w: malformed ciphertext", ErrInvalidRequest)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	rawNonce, err := base64.StdEncoding.DecodeString(req.Message.Nonce)
	if err != nil || len(rawNonce) != len(nonce) {
		return dto.DecryptGroupMessageResponse{}, fmt.Errorf("%w: malformed nonce", ErrInvalidRequest)
	}
	copy(nonce[:], rawNonce)
	signature, err := base64.StdEncoding.DecodeString(req.Message.Signature)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, fmt.Errorf("%w: malformed signature", ErrInvalidRequest)
	}

	plaintext, err := cryptocore.OpenGroupMessage(chain, verify, req.Message.Counter, nonce, ciphertext, signature)
	if err != nil {
		return dto.DecryptGroupMessageResponse{}, err
	}
	return dto.DecryptGroupMessageResponse{Plaintext: string(plaintext)}, nil
}

// OnMemberAdded distributes every active sender key in the group to the
// new member. Senders are not forced to rotate: the new member receiving
// keys up to the join point is acceptable since earlier ciphertexts were
// never delivered to them.
func (g *Groups) OnMemberAdded(ctx context.Context, groupID, newMemberID uuid.UUID) error {
	return g.store.WithTx(ctx, func(tx *store.Store) error {
		keys, err := tx.SenderKeys().ActiveForGroup(ctx, groupID)
		if err != nil {
			return err
		}
		rows := make([]domain.SenderKeyDistribution, 0, len(keys))
		for _, k := range keys {
			if k.SenderID == newMemberID {
				continue
			}
			rows = append(rows, domain.SenderKeyDistribution{
				ID:          uuid.New(),
				GroupID:     groupID,
				SenderID:    k.SenderID,
				RecipientID: newMemberID,
				KeyID:       k.KeyID,
			})
		}
		return tx.Distributions().AddBatch(ctx, rows)
	})
}

// OnMemberRemoved deletes all distributions to the removed member, revokes
// their own sender keys, and rotates every remaining sender's key so the
// removed member cannot decrypt anything sent after removal even if they
// kept old key material out-of-band.
func (g *Groups) OnMemberRemoved(ctx context.Context, groupID, removedMemberID uuid.UUID) error {
	err := g.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Distributions().DeleteForRecipient(ctx, groupID, removedMemberID); err != nil {
			return err
		}
		if err := tx.Distributions().DeleteForSender(ctx, groupID, removedMemberID); err != nil {
			return err
		}
		return tx.SenderKeys().RevokeSender(ctx, groupID, removedMemberID)
	})
	if err != nil {
		return err
	}
	_, err = g.RotateAllSenderKeys(ctx, groupID, domain.RotationReasonMemberRemoved)
	return err
}

// RotateSenderKey creates and distributes a new key for one sender; the
// new keyId is strictly greater than any previous one.
func (g *Groups) RotateSenderKey(ctx context.Context, groupID, senderID uuid.UUID, reason string) (domain.GroupSenderKey, error) {
	if reason == "" {
		reason = domain.RotationReasonManual
	}
	members, err := g.members.GetMembers(ctx, groupID)
	if err != nil {
		return domain.GroupSenderKey{}, err
	}
	var created domain.GroupSenderKey
	err = g.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		if created, err = g.createSenderKeyTx(ctx, tx, groupID, senderID); err != nil {
			return err
		}
		if err := g.distributeTx(ctx, tx, groupID, senderID, created.KeyID, members); err != nil {
			return err
		}
		return tx.RotationLogs().Append(ctx, domain.KeyRotationLog{
			SubjectID: groupID,
			KeyType:   "senderKey",
			Reason:    reason,
		})
	})
	return created, err
}

// RotateAllSenderKeys rotates every current member's key. O(members) key
// creations and O(members^2) distribution rows; callers should be aware of
// the cost for very large groups.
func (g *Groups) RotateAllSenderKeys(ctx context.Context, groupID uuid.UUID, reason string) ([]uuid.UUID, error) {
	members, err := g.members.GetMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	rotated := make([]uuid.UUID, 0, len(members))
	for _, senderID := range members {
		if _, err := g.RotateSenderKey(ctx, groupID, senderID, reason); err != nil {
			return rotated, fmt.Errorf("rotate sender %s: %w", senderID, err)
		}
		rotated = append(rotated, senderID)
	}
	return rotated, nil
}

// Status is a read-only diagnostic for the group.
func (g *Groups) Status(ctx context.Context, groupID uuid.UUID) (dto.GroupStatusResponse, error) {
	members, err := g.members.GetMembers(ctx, groupID)
	if err != nil {
		return dto.GroupStatusResponse{}, err
	}
	count, err := g.store.SenderKeys().CountForGroup(ctx, groupID)
	if err != nil {
		return dto.GroupStatusResponse{}, err
	}
	resp := dto.GroupStatusResponse{
		GroupID:        groupID.String(),
		Enabled:        count > 0,
		SenderKeyCount: count,
		MemberCount:    len(members),
	}
	last, err := g.store.RotationLogs().LastForSubject(ctx, groupID)
	if err != nil {
		return dto.GroupStatusResponse{}, err
	}
	if last != nil {
		t := last.CreatedAt
		resp.LastRotationAt = &t
	}
	return resp, nil
}
