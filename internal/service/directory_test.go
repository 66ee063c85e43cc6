package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/service"

	"github.com/google/uuid"
)

func TestPublishAndFetchBundle(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{})
	ctx := context.Background()

	user := newTestUserKeys(t, 3)
	resp, err := directory.Publish(ctx, user.publishRequest())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.UserID != user.id.String() || resp.OneTimePreKeys != 3 {
		t.Fatalf("unexpected publish response: %+v", resp)
	}

	bundle, err := directory.FetchBundle(ctx, user.id, uuid.New())
	if err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}
	if bundle.IdentityKey != b64(user.identity.DHPublic[:]) {
		t.Fatalf("bundle identity key mismatch")
	}
	if bundle.SignedPreKey.KeyID != user.signed.KeyID {
		t.Fatalf("bundle signed prekey id = %d, want %d", bundle.SignedPreKey.KeyID, user.signed.KeyID)
	}
	if bundle.OneTimePreKey == nil {
		t.Fatalf("expected a one-time prekey in the bundle")
	}
}

func TestFirstPublishRequiresOneTimePreKeys(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{MinOneTimeKeys: 2})

	user := newTestUserKeys(t, 1)
	_, err := directory.Publish(context.Background(), user.publishRequest())
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("want ErrInvalidRequest, got %v", err)
	}
}

func TestPublishRejectsZeroSignedPreKeyID(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{})

	user := newTestUserKeys(t, 1)
	req := user.publishRequest()
	req.SignedPreKey.KeyID = 0

	_, err := directory.Publish(context.Background(), req)
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("zero signed prekey id: want ErrInvalidRequest, got %v", err)
	}
}

func TestFetchBundleUnknownUser(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{})

	_, err := directory.FetchBundle(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, service.ErrUserKeysNotFound) {
		t.Fatalf("want ErrUserKeysNotFound, got %v", err)
	}
}

func TestBundleFetchConsumesPoolExactlyOnce(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{ReplenishThreshold: 2})
	ctx := context.Background()

	user := newTestUserKeys(t, 3)
	if _, err := directory.Publish(ctx, user.publishRequest()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seen := map[uint32]bool{}
	for i := 0; i < 5; i++ {
		bundle, err := directory.FetchBundle(ctx, user.id, uuid.New())
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if i < 3 {
			if bundle.OneTimePreKey == nil {
				t.Fatalf("fetch %d: pool drained early", i)
			}
			if seen[bundle.OneTimePreKey.KeyID] {
				t.Fatalf("fetch %d: one-time key %d served twice", i, bundle.OneTimePreKey.KeyID)
			}
			seen[bundle.OneTimePreKey.KeyID] = true
		} else if bundle.OneTimePreKey != nil {
			t.Fatalf("fetch %d: expected exhausted pool, got key %d", i, bundle.OneTimePreKey.KeyID)
		}
	}

	status, err := directory.Status(ctx, user.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.RemainingOneTimeCount != 0 || !status.NeedsReplenish {
		t.Fatalf("unexpected status after exhaustion: %+v", status)
	}
}

func TestConcurrentFetchesNeverShareOneTimeKey(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{})
	ctx := context.Background()

	const fetchers = 8

	user := newTestUserKeys(t, fetchers)
	if _, err := directory.Publish(ctx, user.publishRequest()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan uint32, fetchers)
	errs := make(chan error, fetchers)
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bundle, err := directory.FetchBundle(ctx, user.id, uuid.New())
			if err != nil {
				errs <- err
				return
			}
			if bundle.OneTimePreKey != nil {
				results <- bundle.OneTimePreKey.KeyID
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent fetch: %v", err)
	}
	seen := map[uint32]bool{}
	for id := range results {
		if seen[id] {
			t.Fatalf("one-time key %d handed to two fetchers", id)
		}
		seen[id] = true
	}
	if len(seen) != fetchers {
		t.Fatalf("served %d distinct keys, want %d", len(seen), fetchers)
	}
}

func TestReplenishTopsUpPool(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{})
	ctx := context.Background()

	refill := newTestUserKeys(t, 2)
	_, err := directory.Replenish(ctx, dto.ReplenishRequest{
		UserID:         uuid.New().String(),
		OneTimePreKeys: refill.publishRequest().OneTimePreKeys,
	})
	if !errors.Is(err, service.ErrUserKeysNotFound) {
		t.Fatalf("replenish for unknown user: want ErrUserKeysNotFound, got %v", err)
	}

	user := newTestUserKeys(t, 1)
	if _, err := directory.Publish(ctx, user.publishRequest()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	more := freshOneTimePreKeys(t, 2, 5)
	resp, err := directory.Replenish(ctx, dto.ReplenishRequest{UserID: user.id.String(), OneTimePreKeys: more})
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if resp.Added != 5 || resp.Remaining != 6 {
		t.Fatalf("unexpected replenish response: %+v", resp)
	}
}

func TestRotateSignedPreKey(t *testing.T) {
	st := setupStore(t)
	directory := service.NewDirectory(st, service.DirectoryConfig{})
	ctx := context.Background()

	user := newTestUserKeys(t, 1)
	if _, err := directory.Publish(ctx, user.publishRequest()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stale := user.publishRequest().SignedPreKey // key id 1, same as published
	_, err := directory.RotateSignedPreKey(ctx, dto.RotateSignedPreKeyRequest{
		UserID:       user.id.String(),
		SignedPreKey: stale,
	})
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("non-increasing key id: want ErrInvalidRequest, got %v", err)
	}

	next := freshSignedPreKey(t, user.identity, 2)
	resp, err := directory.RotateSignedPreKey(ctx, dto.RotateSignedPreKeyRequest{
		UserID:       user.id.String(),
		SignedPreKey: next,
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if resp.SignedPreKey.KeyID != 2 {
		t.Fatalf("rotated key id = %d, want 2", resp.SignedPreKey.KeyID)
	}

	bundle, err := directory.FetchBundle(ctx, user.id, uuid.New())
	if err != nil {
		t.Fatalf("fetch after rotation: %v", err)
	}
	if bundle.SignedPreKey.KeyID != 2 {
		t.Fatalf("bundle serves key id %d after rotation", bundle.SignedPreKey.KeyID)
	}

	status, err := directory.Status(ctx, user.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LastRotationAt == nil {
		t.Fatalf("rotation was not recorded in the audit log")
	}
}
