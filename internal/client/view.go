package client

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TypingTTL 是收到 typing 事件后提示保持的时长。
const TypingTTL = 3 * time.Second

const tempPrefix = "tmp-"

// State 是当前打开会话的加载状态。
type State int

const (
	Idle State = iota
	Loading
	Synced
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Synced:
		return "synced"
	default:
		return "idle"
	}
}

var (
	errNotSynced    = errors.New("no synced conversation is open")
	errEmptyContent = errors.New("message content is empty")
)

// Entry 是消息列表中的一项，Pending 表示乐观追加且服务端尚未确认。
type Entry struct {
	Message
	Pending bool
}

// Summary 是侧边栏中的一行。
type Summary struct {
	ConversationID  string
	OtherUserID     string
	OtherUserName   string
	LastMessage     string
	LastMessageTime time.Time
	Unread          int
}

// View 合并 REST 历史、乐观发送与推送事件，所有方法并发安全。
type View struct {
	mu sync.Mutex

	self    string
	state   State
	open    string
	entries []Entry
	pending []Message // Loading 期间到达的推送

	convs map[string]*Summary

	typing    bool
	typingGen uint64
	timer     *time.Timer
	ttl       time.Duration

	now     func() time.Time
	changes chan struct{}
}

func NewView(selfID string) *View {
	return &View{
		self:    selfID,
		convs:   make(map[string]*Summary),
		ttl:     TypingTTL,
		now:     time.Now,
		changes: make(chan struct{}, 1),
	}
}

// Changes 在视图变化时收到信号，多次变化可能合并为一次。
func (v *View) Changes() <-chan struct{} { return v.changes }

func (v *View) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

// SetConversations 用 REST 返回的会话列表重建侧边栏。
func (v *View) SetConversations(list []Conversation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.convs = make(map[string]*Summary, len(list))
	for _, c := range list {
		s := &Summary{ConversationID: c.ID, LastMessage: c.LastMessage, Unread: c.Unread}
		if c.LastMessageTime != nil {
			s.LastMessageTime = *c.LastMessageTime
		}
		if c.OtherUser != nil {
			s.OtherUserID = c.OtherUser.ID
			s.OtherUserName = c.OtherUser.Name
		} else {
			s.OtherUserID = v.other(c.Participants)
		}
		v.convs[c.ID] = s
	}
	if s, ok := v.convs[v.open]; ok {
		s.Unread = 0
	}
	v.notify()
}

func (v *View) other(participants []string) string {
	for _, p := range participants {
		if p != v.self {
			return p
		}
	}
	return ""
}

// Select 打开一个会话并进入 Loading，同时取消上一个会话的 typing 计时。
func (v *View) Select(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopTyping()
	v.open = conversationID
	v.entries = nil
	v.pending = nil
	if conversationID == "" {
		v.state = Idle
	} else {
		v.state = Loading
		if s, ok := v.convs[conversationID]; ok {
			s.Unread = 0
		}
	}
	v.notify()
}

// Loaded 写入历史消息并进入 Synced，合并加载期间收到的推送。
// 与当前会话不符或不在 Loading 时忽略，返回是否生效。
func (v *View) Loaded(conversationID string, history []Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Loading || conversationID != v.open {
		return false
	}
	v.entries = make([]Entry, 0, len(history)+len(v.pending))
	for _, m := range history {
		v.appendUnique(m)
	}
	for _, m := range v.pending {
		v.appendUnique(m)
	}
	v.pending = nil
	v.state = Synced
	v.notify()
	return true
}

// BeginSend 乐观追加一条自己发送的消息，返回带临时 id 的副本。
func (v *View) BeginSend(content string) (Message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Synced {
		return Message{}, errNotSynced
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, errEmptyContent
	}
	m := Message{
		ID:             tempPrefix + uuid.NewString(),
		ConversationID: v.open,
		SenderID:       v.self,
		Content:        content,
		Read:           true,
		CreatedAt:      v.now().UTC(),
	}
	if s, ok := v.convs[v.open]; ok {
		m.RecipientID = s.OtherUserID
	}
	v.entries = append(v.entries, Entry{Message: m, Pending: true})
	v.preview(m)
	v.notify()
	return m, nil
}

// ConfirmSend 用服务端消息原地替换临时项。推送若已先到，则只删除临时项。
func (v *View) ConfirmSend(tempID string, msg Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(tempID)
	if i < 0 {
		return
	}
	if v.indexOf(msg.ID) >= 0 {
		v.entries = append(v.entries[:i], v.entries[i+1:]...)
	} else {
		v.entries[i] = Entry{Message: msg}
	}
	v.preview(msg)
	v.notify()
}

// FailSend 回滚一条发送失败的乐观消息。
func (v *View) FailSend(tempID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(tempID)
	if i < 0 {
		return
	}
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	v.refreshPreview()
	v.notify()
}

// Receive 处理 receiveMessage 推送。打开中的会话直接追加，
// 其余会话只更新侧边栏预览和未读数。shown 表示对方的消息已直接展示在当前会话中。
func (v *View) Receive(msg Message) (shown bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	isOpen := msg.ConversationID == v.open && v.state != Idle
	if isOpen {
		switch v.state {
		case Synced:
			v.appendUnique(msg)
			shown = msg.SenderID != v.self
		case Loading:
			v.pending = append(v.pending, msg)
		}
		if msg.SenderID != v.self {
			v.stopTyping()
		}
	}

	s := v.preview(msg)
	if !isOpen && msg.SenderID != v.self {
		s.Unread++
	}
	v.notify()
	return shown
}

// Typing 处理对方的 typing 事件：置位并重启尾随计时器。
func (v *View) Typing(senderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Idle || senderID == v.self {
		return
	}
	if s, ok := v.convs[v.open]; ok && s.OtherUserID != "" && s.OtherUserID != senderID {
		return
	}
	if v.timer != nil {
		v.timer.Stop()
	}
	v.typingGen++
	gen := v.typingGen
	v.typing = true
	v.timer = time.AfterFunc(v.ttl, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.typingGen != gen {
			return
		}
		v.typing = false
		v.timer = nil
		v.notify()
	})
	v.notify()
}

func (v *View) stopTyping() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.typingGen++
	v.typing = false
}

func (v *View) IsTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.typing
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *View) Open() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

// Messages 返回当前会话消息的副本。
func (v *View) Messages() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Entry(nil), v.entries...)
}

// Sidebar 返回按最后消息时间倒序的会话摘要，没有消息的排在最后。
func (v *View) Sidebar() []Summary {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Summary, 0, len(v.convs))
	for _, s := range v.convs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

func (v *View) indexOf(id string) int {
	for i := range v.entries {
		if v.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *View) appendUnique(m Message) {
	if v.indexOf(m.ID) >= 0 {
		return
	}
	v.entries = append(v.entries, Entry{Message: m})
}

func (v *View) preview(m Message) *Summary {
	s, ok := v.convs[m.ConversationID]
	if !ok {
		s = &Summary{ConversationID: m.ConversationID}
		if m.SenderID == v.self {
			s.OtherUserID = m.RecipientID
		} else {
			s.OtherUserID = m.SenderID
			s.OtherUserName = m.SenderName
		}
		v.convs[m.ConversationID] = s
	}
	if !m.CreatedAt.Before(s.LastMessageTime) {
		s.LastMessage = m.Content
		s.LastMessageTime = m.CreatedAt
	}
	return s
}

// refreshPreview 在回滚后用打开会话的最后一条消息重算预览。
func (v *View) refreshPreview() {
	s, ok := v.convs[v.open]
	if !ok {
		return
	}
	s.LastMessage = ""
	s.LastMessageTime = time.Time{}
	if n := len(v.entries); n > 0 {
		last := v.entries[n-1]
		s.LastMessage = last.Content
		s.LastMessageTime = last.CreatedAt
	}
}
