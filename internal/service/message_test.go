package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/testutil"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []MessageDTO
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg MessageDTO) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

type fixture struct {
	db    *gorm.DB
	convs *ConversationService
	msgs  *MessageService
	pub   *recordingPublisher
	alice models.User
	bob   models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewTestDB(t)
	pub := &recordingPublisher{}
	convs := NewConversationService(gdb, nil)
	return &fixture{
		db:    gdb,
		convs: convs,
		msgs:  NewMessageService(gdb, convs, pub),
		pub:   pub,
		alice: testutil.SeedUser(t, gdb, "alice"),
		bob:   testutil.SeedUser(t, gdb, "bob"),
	}
}

func (f *fixture) send(t *testing.T, from, to models.User, content string) *MessageDTO {
	t.Helper()
	msg, err := f.msgs.Send(context.Background(), SendInput{SenderID: from.ID, RecipientID: to.ID, Content: content})
	if err != nil {
		t.Fatalf("Send(%q) error = %v", content, err)
	}
	return msg
}

func (f *fixture) unread(t *testing.T, conversationID, userID string) int {
	t.Helper()
	var p models.ConversationParticipant
	if err := f.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&p).Error; err != nil {
		t.Fatalf("load participant: %v", err)
	}
	return p.UnreadCount
}

// unreadByMessages 直接数未读消息，用来核对计数器。
func (f *fixture) unreadByMessages(t *testing.T, conversationID, userID string) int {
	t.Helper()
	var n int64
	if err := f.db.Model(&models.Message{}).
		Where("conversation_id = ? AND recipient_id = ? AND is_read = ?", conversationID, userID, false).
		Count(&n).Error; err != nil {
		t.Fatalf("count unread: %v", err)
	}
	return int(n)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		in   SendInput
	}{
		{"missing sender", SendInput{RecipientID: f.bob.ID, Content: "hi"}},
		{"missing recipient", SendInput{SenderID: f.alice.ID, Content: "hi"}},
		{"self message", SendInput{SenderID: f.alice.ID, RecipientID: f.alice.ID, Content: "hi"}},
		{"blank content", SendInput{SenderID: f.alice.ID, RecipientID: f.bob.ID, Content: " \n\t "}},
		{"too long", SendInput{SenderID: f.alice.ID, RecipientID: f.bob.ID, Content: strings.Repeat("é", MaxContentRunes+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.msgs.Send(context.Background(), tt.in)
			if !IsValidation(err) {
				t.Errorf("Send() error = %v, want ValidationError", err)
			}
		})
	}
	if len(f.pub.msgs) != 0 {
		t.Errorf("rejected sends published %d events", len(f.pub.msgs))
	}
}

func TestSend_TrimsAndAcceptsMaxLength(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, f.alice, f.bob, "  hi there  ")
	if msg.Content != "hi there" {
		t.Errorf("Content = %q, want trimmed", msg.Content)
	}
	long := strings.Repeat("字", MaxContentRunes)
	if _, err := f.msgs.Send(context.Background(), SendInput{SenderID: f.alice.ID, RecipientID: f.bob.ID, Content: long}); err != nil {
		t.Errorf("Send() at max length error = %v", err)
	}
}

func TestSend_UnknownUsers(t *testing.T) {
	f := newFixture(t)
	_, err := f.msgs.Send(context.Background(), SendInput{SenderID: f.alice.ID, RecipientID: "ghost", Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown recipient error = %v, want ErrNotFound", err)
	}
	_, err = f.msgs.Send(context.Background(), SendInput{SenderID: "ghost", RecipientID: f.bob.ID, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown sender error = %v, want ErrNotFound", err)
	}
}

func TestSend_ReusesDirectConversation(t *testing.T) {
	f := newFixture(t)
	a := f.send(t, f.alice, f.bob, "hi")
	b := f.send(t, f.bob, f.alice, "hey")
	if a.ConversationID != b.ConversationID {
		t.Errorf("replies landed in a new conversation: %s vs %s", a.ConversationID, b.ConversationID)
	}
	if b.SenderName != "bob" {
		t.Errorf("SenderName = %q, want bob", b.SenderName)
	}
}

func TestSend_ExplicitConversationRequiresParticipants(t *testing.T) {
	f := newFixture(t)
	carol := testutil.SeedUser(t, f.db, "carol")
	msg := f.send(t, f.alice, f.bob, "hi")

	_, err := f.msgs.Send(context.Background(), SendInput{
		SenderID: carol.ID, RecipientID: f.bob.ID, Content: "let me in", ConversationID: msg.ConversationID,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider send error = %v, want ErrForbidden", err)
	}
	_, err = f.msgs.Send(context.Background(), SendInput{
		SenderID: f.alice.ID, RecipientID: f.bob.ID, Content: "x", ConversationID: "missing",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation error = %v, want ErrNotFound", err)
	}
}

func TestUnreadAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	script := []struct {
		from, to models.User
	}{
		{f.alice, f.bob}, {f.alice, f.bob}, {f.bob, f.alice}, {f.alice, f.bob}, {f.bob, f.alice},
	}
	var convID string
	for i, step := range script {
		convID = f.send(t, step.from, step.to, "msg").ConversationID
		for _, u := range []models.User{f.alice, f.bob} {
			if got, want := f.unread(t, convID, u.ID), f.unreadByMessages(t, convID, u.ID); got != want {
				t.Fatalf("step %d: unread(%s) = %d, want %d", i, u.Name, got, want)
			}
		}
	}
	if got := f.unread(t, convID, f.bob.ID); got != 3 {
		t.Errorf("bob unread = %d, want 3", got)
	}
	if got := f.unread(t, convID, f.alice.ID); got != 2 {
		t.Errorf("alice unread = %d, want 2", got)
	}

	if err := f.msgs.MarkAllRead(ctx, convID, f.bob.ID); err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	if got := f.unread(t, convID, f.bob.ID); got != 0 {
		t.Errorf("bob unread after MarkAllRead = %d, want 0", got)
	}
	if got := f.unread(t, convID, f.alice.ID); got != 2 {
		t.Errorf("alice unread changed to %d", got)
	}
}

func TestMarkRead_SingleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.send(t, f.alice, f.bob, "one")
	f.send(t, f.alice, f.bob, "two")

	if err := f.msgs.MarkRead(ctx, first.ID, f.alice.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("sender MarkRead error = %v, want ErrForbidden", err)
	}
	if err := f.msgs.MarkRead(ctx, "missing", f.bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing MarkRead error = %v, want ErrNotFound", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.msgs.MarkRead(ctx, first.ID, f.bob.ID); err != nil {
			t.Fatalf("MarkRead() error = %v", err)
		}
		if got := f.unread(t, first.ConversationID, f.bob.ID); got != 1 {
			t.Errorf("call %d: unread = %d, want 1", i+1, got)
		}
	}
}

func TestMarkAllRead_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.alice, f.bob, "one")
	f.send(t, f.bob, f.alice, "two")

	snapshot := func() (int, int, int) {
		return f.unread(t, msg.ConversationID, f.alice.ID),
			f.unread(t, msg.ConversationID, f.bob.ID),
			f.unreadByMessages(t, msg.ConversationID, f.bob.ID)
	}

	if err := f.msgs.MarkAllRead(ctx, msg.ConversationID, f.bob.ID); err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	a1, b1, m1 := snapshot()
	if err := f.msgs.MarkAllRead(ctx, msg.ConversationID, f.bob.ID); err != nil {
		t.Fatalf("second MarkAllRead() error = %v", err)
	}
	a2, b2, m2 := snapshot()
	if a1 != a2 || b1 != b2 || m1 != m2 {
		t.Errorf("state changed: (%d,%d,%d) -> (%d,%d,%d)", a1, b1, m1, a2, b2, m2)
	}
	if b2 != 0 || a2 != 1 {
		t.Errorf("unread alice=%d bob=%d, want 1 and 0", a2, b2)
	}
}

func TestListForConversation_OrderAndPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 固定时钟，逼出同一时刻的消息，验证顺序仍按发送先后
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.msgs.now = func() time.Time { return frozen }

	var convID string
	var sent []string
	for i := 0; i < 23; i++ {
		from, to := f.alice, f.bob
		if i%3 == 0 {
			from, to = f.bob, f.alice
		}
		m := f.send(t, from, to, "m")
		convID = m.ConversationID
		sent = append(sent, m.ID)
	}

	all, err := f.msgs.ListForConversation(ctx, convID, 1, MaxPageSize)
	if err != nil {
		t.Fatalf("ListForConversation() error = %v", err)
	}
	if all.Total != 23 || all.HasMore {
		t.Fatalf("Total = %d HasMore = %v, want 23 false", all.Total, all.HasMore)
	}
	for i, m := range all.Messages {
		if m.ID != sent[i] {
			t.Fatalf("position %d = %s, want %s", i, m.ID, sent[i])
		}
		if i > 0 && m.CreatedAt.Before(all.Messages[i-1].CreatedAt) {
			t.Fatalf("position %d goes back in time", i)
		}
	}

	var paged []string
	for page := 1; ; page++ {
		p, err := f.msgs.ListForConversation(ctx, convID, page, 5)
		if err != nil {
			t.Fatalf("page %d error = %v", page, err)
		}
		for _, m := range p.Messages {
			paged = append(paged, m.ID)
		}
		if !p.HasMore {
			break
		}
	}
	if strings.Join(paged, ",") != strings.Join(sent, ",") {
		t.Errorf("paged order differs from full order")
	}
}

func TestListForConversation_PageBounds(t *testing.T) {
	f := newFixture(t)
	m := f.send(t, f.alice, f.bob, "x")

	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, DefaultPageSize},
		{-3, 10, 1, 10},
		{2, 1000, 2, MaxPageSize},
	}
	for _, tt := range tests {
		p, err := f.msgs.ListForConversation(context.Background(), m.ConversationID, tt.page, tt.size)
		if err != nil {
			t.Fatalf("ListForConversation() error = %v", err)
		}
		if p.Page != tt.wantPage || p.Limit != tt.wantSize {
			t.Errorf("(%d,%d) -> page %d limit %d, want %d %d", tt.page, tt.size, p.Page, p.Limit, tt.wantPage, tt.wantSize)
		}
	}
}

func TestSend_DeliveryIndependence(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("push channel down")

	msg, err := f.msgs.Send(context.Background(), SendInput{SenderID: f.alice.ID, RecipientID: f.bob.ID, Content: "still stored"})
	if err != nil {
		t.Fatalf("Send() error = %v, want success despite push failure", err)
	}
	page, err := f.msgs.ListForConversation(context.Background(), msg.ConversationID, 1, 10)
	if err != nil {
		t.Fatalf("ListForConversation() error = %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != msg.ID {
		t.Errorf("stored messages = %+v, want the sent message", page.Messages)
	}
	if len(f.pub.msgs) != 1 || f.pub.msgs[0].SenderName != "alice" {
		t.Errorf("published = %+v, want one event with sender name", f.pub.msgs)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.send(t, f.alice, f.bob, "first")
	second := f.send(t, f.alice, f.bob, "second")

	if err := f.msgs.Delete(ctx, second.ID, f.bob.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("recipient Delete error = %v, want ErrForbidden", err)
	}
	if err := f.msgs.Delete(ctx, second.ID, f.alice.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := f.unread(t, first.ConversationID, f.bob.ID); got != 1 {
		t.Errorf("unread after deleting unread message = %d, want 1", got)
	}
	conv, err := f.convs.Get(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conv.LastMessage != "first" {
		t.Errorf("preview = %q, want first", conv.LastMessage)
	}

	if err := f.msgs.MarkRead(ctx, first.ID, f.bob.ID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if err := f.msgs.Delete(ctx, first.ID, f.alice.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := f.unread(t, first.ConversationID, f.bob.ID); got != 0 {
		t.Errorf("unread after deleting read message = %d, want 0", got)
	}
	conv, _ = f.convs.Get(ctx, first.ConversationID)
	if conv.LastMessage != "" || conv.LastMessageTime != nil {
		t.Errorf("preview after deleting everything = %q %v, want empty", conv.LastMessage, conv.LastMessageTime)
	}
}
