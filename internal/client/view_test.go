package client

import (
	"strings"
	"testing"
	"time"
)

func at(min int) time.Time {
	return time.Date(2026, 1, 2, 10, min, 0, 0, time.UTC)
}

func msg(id, conv, from, to, content string, ts time.Time) Message {
	return Message{ID: id, ConversationID: conv, SenderID: from, RecipientID: to, Content: content, CreatedAt: ts}
}

func syncedView(t *testing.T, history ...Message) *View {
	t.Helper()
	v := NewView("alice")
	v.SetConversations([]Conversation{
		{ID: "c1", Participants: []string{"alice", "bob"}, OtherUser: &User{ID: "bob", Name: "Bob"}},
		{ID: "c2", Participants: []string{"alice", "carol"}, OtherUser: &User{ID: "carol", Name: "Carol"}},
	})
	v.Select("c1")
	if !v.Loaded("c1", history) {
		t.Fatal("Loaded() should apply to the selected conversation")
	}
	return v
}

func ids(entries []Entry) string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return strings.Join(out, ",")
}

func TestView_States(t *testing.T) {
	v := NewView("alice")
	if v.State() != Idle {
		t.Fatalf("State() = %v, want idle", v.State())
	}
	v.Select("c1")
	if v.State() != Loading {
		t.Fatalf("State() = %v, want loading", v.State())
	}
	if v.Loaded("other", nil) {
		t.Error("Loaded() for a different conversation should be ignored")
	}
	v.Loaded("c1", []Message{msg("m1", "c1", "bob", "alice", "hi", at(1))})
	if v.State() != Synced {
		t.Fatalf("State() = %v, want synced", v.State())
	}
	if v.Loaded("c1", nil) {
		t.Error("Loaded() after sync should be ignored")
	}
	v.Select("")
	if v.State() != Idle {
		t.Fatalf("State() = %v, want idle", v.State())
	}
}

func TestView_PushDuringLoadingIsMerged(t *testing.T) {
	v := NewView("alice")
	v.Select("c1")
	v.Receive(msg("m2", "c1", "bob", "alice", "second", at(2)))
	v.Receive(msg("m3", "c1", "bob", "alice", "third", at(3)))

	v.Loaded("c1", []Message{
		msg("m1", "c1", "bob", "alice", "first", at(1)),
		msg("m2", "c1", "bob", "alice", "second", at(2)),
	})
	if got := ids(v.Messages()); got != "m1,m2,m3" {
		t.Errorf("Messages() = %s, want m1,m2,m3", got)
	}
}

func TestView_OptimisticSendConfirm(t *testing.T) {
	v := syncedView(t)

	tmp, err := v.BeginSend("  hello  ")
	if err != nil {
		t.Fatalf("BeginSend() error = %v", err)
	}
	if !strings.HasPrefix(tmp.ID, tempPrefix) || tmp.Content != "hello" || tmp.RecipientID != "bob" {
		t.Fatalf("BeginSend() = %+v", tmp)
	}
	entries := v.Messages()
	if len(entries) != 1 || !entries[0].Pending {
		t.Fatalf("expected one pending entry, got %+v", entries)
	}

	v.Receive(msg("m0", "c1", "bob", "alice", "before", at(1)))
	v.ConfirmSend(tmp.ID, msg("srv-1", "c1", "alice", "bob", "hello", at(2)))

	entries = v.Messages()
	if got := ids(entries); got != "srv-1,m0" {
		t.Errorf("Messages() = %s, want temp replaced in place", got)
	}
	if entries[0].Pending {
		t.Error("confirmed entry should not be pending")
	}
}

func TestView_ConfirmAfterEchoDoesNotDuplicate(t *testing.T) {
	v := syncedView(t)
	tmp, _ := v.BeginSend("hello")
	server := msg("srv-1", "c1", "alice", "bob", "hello", at(2))

	v.Receive(server)
	v.ConfirmSend(tmp.ID, server)

	if got := ids(v.Messages()); got != "srv-1" {
		t.Errorf("Messages() = %s, want single server entry", got)
	}
}

func TestView_FailSendRollsBack(t *testing.T) {
	v := syncedView(t, msg("m1", "c1", "bob", "alice", "hi", at(1)))
	tmp, _ := v.BeginSend("lost")
	v.FailSend(tmp.ID)

	if got := ids(v.Messages()); got != "m1" {
		t.Errorf("Messages() = %s, want m1", got)
	}
	for _, s := range v.Sidebar() {
		if s.ConversationID == "c1" && s.LastMessage != "hi" {
			t.Errorf("preview = %q, want restored to hi", s.LastMessage)
		}
	}
}

func TestView_BeginSendRequiresSynced(t *testing.T) {
	v := NewView("alice")
	if _, err := v.BeginSend("x"); err == nil {
		t.Error("BeginSend() while idle should fail")
	}
	v = syncedView(t)
	if _, err := v.BeginSend("   "); err == nil {
		t.Error("BeginSend() with blank content should fail")
	}
}

func TestView_ReceiveUpdatesSidebar(t *testing.T) {
	v := syncedView(t)

	v.Receive(msg("m1", "c1", "bob", "alice", "open conv", at(1)))
	v.Receive(msg("m2", "c2", "carol", "alice", "other conv", at(5)))
	v.Receive(msg("m3", "c2", "carol", "alice", "again", at(6)))
	v.Receive(msg("m4", "c3", "dave", "alice", "new conv", at(3)))
	v.Receive(msg("m1", "c1", "bob", "alice", "open conv", at(1)))

	if got := ids(v.Messages()); got != "m1" {
		t.Errorf("Messages() = %s, want m1 once", got)
	}

	side := v.Sidebar()
	var order []string
	unread := map[string]int{}
	for _, s := range side {
		order = append(order, s.ConversationID)
		unread[s.ConversationID] = s.Unread
	}
	if got := strings.Join(order, ","); got != "c2,c3,c1" {
		t.Errorf("Sidebar() order = %s, want c2,c3,c1", got)
	}
	if unread["c1"] != 0 || unread["c2"] != 2 || unread["c3"] != 1 {
		t.Errorf("unread = %v", unread)
	}
	if side[0].LastMessage != "again" {
		t.Errorf("c2 preview = %q, want again", side[0].LastMessage)
	}
}

func TestView_ReceiveReportsShown(t *testing.T) {
	v := NewView("alice")
	v.Select("c1")
	if v.Receive(msg("m1", "c1", "bob", "alice", "while loading", at(1))) {
		t.Error("push buffered during loading should not be reported as shown")
	}
	v.Loaded("c1", nil)

	tests := []struct {
		name string
		m    Message
		want bool
	}{
		{"open conversation", msg("m2", "c1", "bob", "alice", "hi", at(2)), true},
		{"own echo", msg("m3", "c1", "alice", "bob", "mine", at(3)), false},
		{"other conversation", msg("m4", "c2", "carol", "alice", "psst", at(4)), false},
	}
	for _, tt := range tests {
		if got := v.Receive(tt.m); got != tt.want {
			t.Errorf("%s: Receive() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestView_SelectResetsUnread(t *testing.T) {
	v := syncedView(t)
	v.Receive(msg("m1", "c2", "carol", "alice", "ping", at(1)))
	v.Select("c2")
	for _, s := range v.Sidebar() {
		if s.ConversationID == "c2" && s.Unread != 0 {
			t.Errorf("c2 unread = %d after select, want 0", s.Unread)
		}
	}
}

func TestView_TypingClearsAfterTTL(t *testing.T) {
	v := syncedView(t)
	v.ttl = 50 * time.Millisecond

	v.Typing("bob")
	if !v.IsTyping() {
		t.Fatal("IsTyping() = false right after typing event")
	}
	time.Sleep(30 * time.Millisecond)
	v.Typing("bob")
	time.Sleep(30 * time.Millisecond)
	if !v.IsTyping() {
		t.Error("a fresh typing event should restart the timer")
	}
	time.Sleep(80 * time.Millisecond)
	if v.IsTyping() {
		t.Error("IsTyping() should clear after the ttl elapses")
	}
}

func TestView_TypingIgnoresOthers(t *testing.T) {
	v := syncedView(t)
	v.Typing("carol")
	v.Typing("alice")
	if v.IsTyping() {
		t.Error("typing from a non-participant or self should be ignored")
	}
}

func TestView_SelectCancelsTypingTimer(t *testing.T) {
	v := syncedView(t)
	v.ttl = 60 * time.Millisecond

	v.Typing("bob")
	time.Sleep(30 * time.Millisecond)
	v.Select("c2")
	if v.IsTyping() {
		t.Fatal("Select() should clear the typing flag")
	}
	v.Loaded("c2", nil)
	v.Typing("carol")
	// 旧计时器若未取消，会在此期间误清标记
	time.Sleep(45 * time.Millisecond)
	if !v.IsTyping() {
		t.Error("stale timer from previous conversation cleared the flag")
	}
	time.Sleep(80 * time.Millisecond)
	if v.IsTyping() {
		t.Error("IsTyping() should clear after the ttl elapses")
	}
}

func TestView_Changes(t *testing.T) {
	v := NewView("alice")
	v.Select("c1")
	select {
	case <-v.Changes():
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
}
