package service_test

import (
	"encoding/base64"
	"testing"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory sqlite is single-writer; a second connection would see
	// "database is locked" under concurrent transactions.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(domain.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store.New(db)
}

type testUserKeys struct {
	id       uuid.UUID
	identity cryptocore.IdentityKeyPair
	signed   cryptocore.SignedPreKey
	oneTime  []cryptocore.OneTimePreKey
}

func newTestUserKeys(t *testing.T, oneTimeCount int) testUserKeys {
	t.Helper()

	identity, err := cryptocore.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signed, err := cryptocore.GenerateSignedPreKey(identity.SigningPrivate, 1)
	if err != nil {
		t.Fatalf("generate signed prekey: %v", err)
	}
	oneTime, err := cryptocore.GenerateOneTimePreKeys(1, oneTimeCount)
	if err != nil {
		t.Fatalf("generate one-time prekeys: %v", err)
	}
	return testUserKeys{
		id:       uuid.New(),
		identity: identity,
		signed:   signed,
		oneTime:  oneTime,
	}
}

func (u testUserKeys) publishRequest() dto.PublishKeysRequest {
	req := dto.PublishKeysRequest{
		UserID:               u.id.String(),
		IdentityKey:          b64(u.identity.DHPublic[:]),
		IdentitySignatureKey: b64(u.identity.SigningPublic),
		SignedPreKey: dto.SignedPreKey{
			KeyID:     u.signed.KeyID,
			PublicKey: b64(u.signed.Key.Public[:]),
			Signature: b64(u.signed.Signature),
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, otk := range u.oneTime {
		req.OneTimePreKeys = append(req.OneTimePreKeys, dto.OneTimePreKey{
			KeyID:     otk.KeyID,
			PublicKey: b64(otk.Key.Public[:]),
		})
	}
	return req
}

// oneTimePair returns the generated pair matching a consumed key id.
func (u testUserKeys) oneTimePair(t *testing.T, keyID uint32) cryptocore.KeyPair {
	t.Helper()
	for _, otk := range u.oneTime {
		if otk.KeyID == keyID {
			return otk.Key
		}
	}
	t.Fatalf("no one-time prekey with id %d", keyID)
	return cryptocore.KeyPair{}
}

func freshOneTimePreKeys(t *testing.T, startID uint32, count int) []dto.OneTimePreKey {
	t.Helper()
	keys, err := cryptocore.GenerateOneTimePreKeys(startID, count)
	if err != nil {
		t.Fatalf("generate one-time prekeys: %v", err)
	}
	out := make([]dto.OneTimePreKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, dto.OneTimePreKey{KeyID: k.KeyID, PublicKey: b64(k.Key.Public[:])})
	}
	return out
}

func freshSignedPreKey(t *testing.T, identity cryptocore.IdentityKeyPair, keyID uint32) dto.SignedPreKey {
	t.Helper()
	signed, err := cryptocore.GenerateSignedPreKey(identity.SigningPrivate, keyID)
	if err != nil {
		t.Fatalf("generate signed prekey: %v", err)
	}
	return dto.SignedPreKey{
		KeyID:     signed.KeyID,
		PublicKey: b64(signed.Key.Public[:]),
		Signature: b64(signed.Signature),
		CreatedAt: time.Now().UTC(),
	}
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
