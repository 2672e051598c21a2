package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/testutil"
)

type staticPresence map[string]string

func (p staticPresence) GetMany(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if st, ok := p[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func TestFindOrCreateDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.convs.FindOrCreateDirect(ctx, f.alice.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("FindOrCreateDirect() error = %v", err)
	}
	again, err := f.convs.FindOrCreateDirect(ctx, f.bob.ID, f.alice.ID)
	if err != nil {
		t.Fatalf("FindOrCreateDirect() reversed error = %v", err)
	}
	if first.ID != again.ID {
		t.Errorf("pair order created a second conversation: %s vs %s", first.ID, again.ID)
	}
	if len(again.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(again.Participants))
	}

	if _, err := f.convs.FindOrCreateDirect(ctx, f.alice.ID, f.alice.ID); !IsValidation(err) {
		t.Errorf("self conversation error = %v, want ValidationError", err)
	}
	if _, err := f.convs.FindOrCreateDirect(ctx, "", f.alice.ID); !IsValidation(err) {
		t.Errorf("empty id error = %v, want ValidationError", err)
	}
}

func TestFindOrCreateDirect_Concurrent(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := f.convs.FindOrCreateDirect(context.Background(), f.alice.ID, f.bob.ID)
			errs[i] = err
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("goroutine %d error = %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("goroutine %d got %s, want %s", i, ids[i], ids[0])
		}
	}
	var n int64
	f.db.Model(&models.Conversation{}).Count(&n)
	if n != 1 {
		t.Errorf("conversations = %d, want 1", n)
	}
}

func TestMarkRead_Conversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carol := testutil.SeedUser(t, f.db, "carol")
	msg := f.send(t, f.alice, f.bob, "hi")

	if err := f.convs.MarkRead(ctx, "missing", f.bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation error = %v, want ErrNotFound", err)
	}
	if err := f.convs.MarkRead(ctx, msg.ConversationID, carol.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider error = %v, want ErrForbidden", err)
	}
	if err := f.convs.MarkRead(ctx, msg.ConversationID, f.bob.ID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if f.unreadByMessages(t, msg.ConversationID, f.bob.ID) != 0 {
		t.Error("messages addressed to bob should all be read")
	}
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.alice, f.bob, "one")
	f.send(t, f.bob, f.alice, "two")

	if err := f.convs.Clear(ctx, msg.ConversationID, f.alice.ID); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	page, err := f.msgs.ListForConversation(ctx, msg.ConversationID, 1, 10)
	if err != nil {
		t.Fatalf("ListForConversation() error = %v", err)
	}
	if len(page.Messages) != 0 || page.Total != 0 {
		t.Errorf("messages after clear = %d (total %d), want 0", len(page.Messages), page.Total)
	}
	conv, err := f.convs.Get(ctx, msg.ConversationID)
	if err != nil {
		t.Fatalf("Get() after clear error = %v, conversation should be kept", err)
	}
	if conv.LastMessage != "" || conv.LastMessageTime != nil {
		t.Errorf("preview = %q %v, want cleared", conv.LastMessage, conv.LastMessageTime)
	}
	for _, u := range []models.User{f.alice, f.bob} {
		if got := f.unread(t, msg.ConversationID, u.ID); got != 0 {
			t.Errorf("unread(%s) = %d, want 0", u.Name, got)
		}
	}

	again := f.send(t, f.alice, f.bob, "after")
	if again.ConversationID != msg.ConversationID {
		t.Error("sending after clear should reuse the conversation")
	}
}

func TestListForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carol := testutil.SeedUser(t, f.db, "carol")
	dave := testutil.SeedUser(t, f.db, "dave")

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	f.msgs.now = func() time.Time { return clock }

	withBob := f.send(t, f.alice, f.bob, "old")
	clock = base.Add(time.Hour)
	f.send(t, carol, f.alice, "newer")
	if _, err := f.convs.FindOrCreateDirect(ctx, f.alice.ID, dave.ID); err != nil {
		t.Fatalf("FindOrCreateDirect() error = %v", err)
	}

	f.convs.presence = staticPresence{carol.ID: "dnd"}
	views, err := f.convs.ListForUser(ctx, f.alice.ID)
	if err != nil {
		t.Fatalf("ListForUser() error = %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("len = %d, want 3", len(views))
	}
	if views[0].OtherUser.ID != carol.ID || views[1].ID != withBob.ConversationID || views[2].OtherUser.ID != dave.ID {
		t.Errorf("order = %s, %s, %s; want carol, bob, dave", views[0].OtherUser.Name, views[1].OtherUser.Name, views[2].OtherUser.Name)
	}
	if views[0].Unread != 1 || views[1].Unread != 0 {
		t.Errorf("unread = %d, %d; want 1, 0", views[0].Unread, views[1].Unread)
	}
	if views[0].OtherUser.Status != "dnd" {
		t.Errorf("carol status = %q, want presence override dnd", views[0].OtherUser.Status)
	}
	if views[1].OtherUser.Status != "online" {
		t.Errorf("bob status = %q, want stored online", views[1].OtherUser.Status)
	}
	if views[2].LastMessageTime != nil {
		t.Errorf("empty conversation lastMessageTime = %v, want nil", views[2].LastMessageTime)
	}

	bobViews, _ := f.convs.ListForUser(ctx, f.bob.ID)
	if len(bobViews) != 1 || bobViews[0].Unread != 1 {
		t.Errorf("bob views = %+v, want one with unread 1", bobViews)
	}
}
