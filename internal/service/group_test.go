package service_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/membership"
	"e2ee-keys/internal/service"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

func setupGroup(t *testing.T, memberCount int) (st *store.Store, groups *service.Groups, members *membership.Provider, groupID uuid.UUID, ids []uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	st = setupStore(t)
	members = membership.New(st)
	groups = service.NewGroups(st, members)
	groupID = uuid.New()

	for i := 0; i < memberCount; i++ {
		id := uuid.New()
		if err := members.Add(ctx, groupID, id); err != nil {
			t.Fatalf("add member %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return st, groups, members, groupID, ids
}

func encryptAs(t *testing.T, groups *service.Groups, groupID, senderID uuid.UUID, text string) dto.GroupMessage {
	t.Helper()
	msg, err := groups.Encrypt(context.Background(), groupID, dto.EncryptGroupMessageRequest{
		SenderID:  senderID.String(),
		Plaintext: text,
	})
	if err != nil {
		t.Fatalf("group encrypt: %v", err)
	}
	return msg
}

func TestGroupEncryptDecryptRoundTrip(t *testing.T) {
	_, groups, _, groupID, ids := setupGroup(t, 3)
	ctx := context.Background()
	sender, member := ids[0], ids[1]

	msg := encryptAs(t, groups, groupID, sender, "hello group")
	if msg.Counter != 0 {
		t.Fatalf("first message counter = %d, want 0", msg.Counter)
	}

	out, err := groups.Decrypt(ctx, groupID, dto.DecryptGroupMessageRequest{
		RecipientID: member.String(),
		Message:     msg,
	})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out.Plaintext != "hello group" {
		t.Fatalf("round trip got %q", out.Plaintext)
	}

	next := encryptAs(t, groups, groupID, sender, "again")
	if next.Counter != 1 {
		t.Fatalf("second message counter = %d, want 1", next.Counter)
	}
	if next.KeyID != msg.KeyID {
		t.Fatalf("key rotated between consecutive sends")
	}
}

func TestConcurrentGroupSendsClaimDistinctCounters(t *testing.T) {
	_, groups, _, groupID, ids := setupGroup(t, 2)
	ctx := context.Background()
	sender := ids[0]

	// First send creates and distributes the key before the race starts.
	encryptAs(t, groups, groupID, sender, "warmup")

	const senders = 8

	var wg sync.WaitGroup
	results := make(chan dto.GroupMessage, senders)
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := groups.Encrypt(ctx, groupID, dto.EncryptGroupMessageRequest{
				SenderID:  sender.String(),
				Plaintext: "racing",
			})
			if err != nil {
				errs <- err
				return
			}
			results <- msg
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent group encrypt: %v", err)
	}
	seen := map[uint64]bool{}
	for msg := range results {
		if seen[msg.Counter] {
			t.Fatalf("counter %d issued to two group encryptions", msg.Counter)
		}
		seen[msg.Counter] = true
	}
	if len(seen) != senders {
		t.Fatalf("issued %d distinct counters, want %d", len(seen), senders)
	}
}

func TestNonMemberCannotDecrypt(t *testing.T) {
	_, groups, _, groupID, ids := setupGroup(t, 2)

	msg := encryptAs(t, groups, groupID, ids[0], "members only")

	outsider := uuid.New()
	_, err := groups.Decrypt(context.Background(), groupID, dto.DecryptGroupMessageRequest{
		RecipientID: outsider.String(),
		Message:     msg,
	})
	if !errors.Is(err, service.ErrSenderKeyNotDistributed) {
		t.Fatalf("want ErrSenderKeyNotDistributed, got %v", err)
	}
}

func TestTamperedGroupMessageRejected(t *testing.T) {
	_, groups, _, groupID, ids := setupGroup(t, 2)

	msg := encryptAs(t, groups, groupID, ids[0], "intact")
	raw, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	raw[0] ^= 0x01
	msg.Ciphertext = b64(raw)

	_, err = groups.Decrypt(context.Background(), groupID, dto.DecryptGroupMessageRequest{
		RecipientID: ids[1].String(),
		Message:     msg,
	})
	if !errors.Is(err, cryptocore.ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func TestMemberAddedReceivesActiveKeys(t *testing.T) {
	_, groups, members, groupID, ids := setupGroup(t, 2)
	ctx := context.Background()
	sender := ids[0]

	encryptAs(t, groups, groupID, sender, "before join")

	joiner := uuid.New()
	if err := members.Add(ctx, groupID, joiner); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := groups.OnMemberAdded(ctx, groupID, joiner); err != nil {
		t.Fatalf("on member added: %v", err)
	}

	msg := encryptAs(t, groups, groupID, sender, "after join")
	out, err := groups.Decrypt(ctx, groupID, dto.DecryptGroupMessageRequest{
		RecipientID: joiner.String(),
		Message:     msg,
	})
	if err != nil {
		t.Fatalf("joiner decrypt: %v", err)
	}
	if out.Plaintext != "after join" {
		t.Fatalf("joiner got %q", out.Plaintext)
	}
}

func TestMemberRemovalCutsOffRemovedMember(t *testing.T) {
	_, groups, members, groupID, ids := setupGroup(t, 3)
	ctx := context.Background()
	sender, removed, remaining := ids[0], ids[1], ids[2]

	before := encryptAs(t, groups, groupID, sender, "before removal")

	if err := members.Remove(ctx, groupID, removed); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := groups.OnMemberRemoved(ctx, groupID, removed); err != nil {
		t.Fatalf("on member removed: %v", err)
	}

	// Distributions to the removed member are gone, so even the message
	// sent before removal is no longer served to them.
	_, err := groups.Decrypt(ctx, groupID, dto.DecryptGroupMessageRequest{
		RecipientID: removed.String(),
		Message:     before,
	})
	if !errors.Is(err, service.ErrSenderKeyNotDistributed) {
		t.Fatalf("removed member old message: want ErrSenderKeyNotDistributed, got %v", err)
	}

	after := encryptAs(t, groups, groupID, sender, "after removal")
	if after.KeyID <= before.KeyID {
		t.Fatalf("sender key was not rotated: keyId %d -> %d", before.KeyID, after.KeyID)
	}

	_, err = groups.Decrypt(ctx, groupID, dto.DecryptGroupMessageRequest{
		RecipientID: removed.String(),
		Message:     after,
	})
	if !errors.Is(err, service.ErrSenderKeyNotDistributed) {
		t.Fatalf("removed member new message: want ErrSenderKeyNotDistributed, got %v", err)
	}

	out, err := groups.Decrypt(ctx, groupID, dto.DecryptGroupMessageRequest{
		RecipientID: remaining.String(),
		Message:     after,
	})
	if err != nil {
		t.Fatalf("remaining member decrypt: %v", err)
	}
	if out.Plaintext != "after removal" {
		t.Fatalf("remaining member got %q", out.Plaintext)
	}
}

func TestRotationKeepsOldMessagesReadable(t *testing.T) {
	_, groups, _, groupID, ids := setupGroup(t, 2)
	ctx := context.Background()
	sender, reader := ids[0], ids[1]

	old := encryptAs(t, groups, groupID, sender, "pre-rotation")

	first, err := groups.RotateSenderKey(ctx, groupID, sender, domain.RotationReasonManual)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	second, err := groups.RotateSenderKey(ctx, groupID, sender, domain.RotationReasonManual)
	if err != nil {
		t.Fatalf("rotate again: %v", err)
	}
	if second.KeyID <= first.KeyID || first.KeyID <= old.KeyID {
		t.Fatalf("key ids not strictly increasing: %d, %d, %d", old.KeyID, first.KeyID, second.KeyID)
	}

	// Superseded keys stay decrypt-only readable.
	out, err := groups.Decrypt(ctx, groupID, dto.DecryptGroupMessageRequest{
		RecipientID: reader.String(),
		Message:     old,
	})
	if err != nil {
		t.Fatalf("decrypt pre-rotation message: %v", err)
	}
	if out.Plaintext != "pre-rotation" {
		t.Fatalf("pre-rotation message got %q", out.Plaintext)
	}

	fresh := encryptAs(t, groups, groupID, sender, "post-rotation")
	if fresh.KeyID != second.KeyID {
		t.Fatalf("new message uses key %d, want %d", fresh.KeyID, second.KeyID)
	}

	status, err := groups.Status(ctx, groupID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Enabled || status.LastRotationAt == nil {
		t.Fatalf("unexpected group status: %+v", status)
	}
}
