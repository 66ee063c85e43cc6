package cryptocore

import (
	"bytes"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func TestX3DHSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bob, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	spk, err := GenerateSignedPreKey(bob.SigningPrivate, 1)
	if err != nil {
		t.Fatalf("signed prekey: %v", err)
	}
	otks, err := GenerateOneTimePreKeys(1, 1)
	if err != nil {
		t.Fatalf("one-time prekeys: %v", err)
	}
	otkID := otks[0].KeyID
	otkPub := otks[0].Key.Public

	bundle := &PreKeyBundle{
		IdentityDH:      bob.DHPublic,
		IdentityVerify:  bob.SigningPublic,
		SignedPreKeyID:  spk.KeyID,
		SignedPreKey:    spk.Key.Public,
		SignedPreKeySig: spk.Signature,
		OneTimePreKeyID: &otkID,
		OneTimePreKey:   &otkPub,
	}

	aliceSecret, ephemeral, err := EstablishInitiator(alice, bundle)
	if err != nil {
		t.Fatalf("EstablishInitiator: %v", err)
	}
	bobSecret, err := EstablishResponder(bob, spk.Key, &otks[0].Key, alice.DHPublic, ephemeral)
	if err != nil {
		t.Fatalf("EstablishResponder: %v", err)
	}
	if aliceSecret != bobSecret {
		t.Fatalf("shared secrets disagree")
	}
}

func TestX3DHWithoutOneTimePreKey(t *testing.T) {
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bob, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	spk, err := GenerateSignedPreKey(bob.SigningPrivate, 7)
	if err != nil {
		t.Fatalf("signed prekey: %v", err)
	}
	bundle := &PreKeyBundle{
		IdentityDH:      bob.DHPublic,
		IdentityVerify:  bob.SigningPublic,
		SignedPreKeyID:  spk.KeyID,
		SignedPreKey:    spk.Key.Public,
		SignedPreKeySig: spk.Signature,
	}
	aliceSecret, ephemeral, err := EstablishInitiator(alice, bundle)
	if err != nil {
		t.Fatalf("EstablishInitiator: %v", err)
	}
	bobSecret, err := EstablishResponder(bob, spk.Key, nil, alice.DHPublic, ephemeral)
	if err != nil {
		t.Fatalf("EstablishResponder: %v", err)
	}
	if aliceSecret != bobSecret {
		t.Fatalf("shared secrets disagree without one-time prekey")
	}
}

func TestVerifyPreKeyBundleRejectsTamperedSignature(t *testing.T) {
	bob, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	spk, err := GenerateSignedPreKey(bob.SigningPrivate, 1)
	if err != nil {
		t.Fatalf("signed prekey: %v", err)
	}
	bundle := &PreKeyBundle{
		IdentityDH:      bob.DHPublic,
		IdentityVerify:  bob.SigningPublic,
		SignedPreKey:    spk.Key.Public,
		SignedPreKeySig: append([]byte(nil), spk.Signature...),
	}
	bundle.SignedPreKeySig[0] ^= 0xff
	if err := VerifyPreKeyBundle(bundle); !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("expected ErrSignatureVerification, got %v", err)
	}

	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	if _, _, err := EstablishInitiator(alice, bundle); !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("EstablishInitiator accepted tampered bundle: %v", err)
	}
}

func TestSealOpenMessageRoundTrip(t *testing.T) {
	var secret [32]byte
	if err := readRandom(secret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	plaintext := []byte("the quick brown fox")
	ct, nonce, err := SealMessage(secret, 3, plaintext)
	if err != nil {
		t.Fatalf("SealMessage: %v", err)
	}
	got, err := OpenMessage(secret, 3, nonce, ct)
	if err != nil {
		t.Fatalf("OpenMessage: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
	if _, err := OpenMessage(secret, 4, nonce, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong counter should fail authentication, got %v", err)
	}
	ct[0] ^= 0x01
	if _, err := OpenMessage(secret, 3, nonce, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered ciphertext should fail, got %v", err)
	}
}

func TestGroupSealOpen(t *testing.T) {
	sk, err := NewSenderKey()
	if err != nil {
		t.Fatalf("NewSenderKey: %v", err)
	}
	plaintext := []byte("hello group")
	ct, nonce, sig, err := SealGroupMessage(sk.ChainKey, sk.SigningPrivate, 0, plaintext)
	if err != nil {
		t.Fatalf("SealGroupMessage: %v", err)
	}
	got, err := OpenGroupMessage(sk.ChainKey, sk.VerifyPublic, 0, nonce, ct, sig)
	if err != nil {
		t.Fatalf("OpenGroupMessage: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	bad := append([]byte(nil), ct...)
	bad[0] ^= 0x01
	if _, err := OpenGroupMessage(sk.ChainKey, sk.VerifyPublic, 0, nonce, bad, sig); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("tampered ciphertext should fail signature check, got %v", err)
	}

	other, err := NewSenderKey()
	if err != nil {
		t.Fatalf("NewSenderKey: %v", err)
	}
	if _, err := OpenGroupMessage(sk.ChainKey, other.VerifyPublic, 0, nonce, ct, sig); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("wrong verify key should fail, got %v", err)
	}
}

func TestGenerateOneTimePreKeysSequentialIDs(t *testing.T) {
	keys, err := GenerateOneTimePreKeys(100, 5)
	if err != nil {
		t.Fatalf("GenerateOneTimePreKeys: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %d", len(keys))
	}
	for i, k := range keys {
		if k.KeyID != 100+uint32(i) {
			t.Fatalf("key %d has id %d", i, k.KeyID)
		}
	}
	if keys[0].Key.Public == keys[1].Key.Public {
		t.Fatalf("consecutive one-time prekeys share public key")
	}
}

func TestDeterministicIdentityGeneration(t *testing.T) {
	generate := func() IdentityKeyPair {
		restore := UseDeterministicRandom(deterministicReader(4096))
		defer restore()
		id, err := GenerateIdentityKeyPair()
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		return id
	}
	a := generate()
	b := generate()
	if a.DHPublic != b.DHPublic {
		t.Fatalf("deterministic source produced different identities")
	}
}
