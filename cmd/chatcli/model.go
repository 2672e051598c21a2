package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/client"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sidebarWidth   = 32
	typingInterval = time.Second
)

// changedMsg 表示 View 有更新，需要重绘。
type changedMsg struct{}

// resultMsg 是异步操作的结果，status 显示在底部状态栏。
type resultMsg struct {
	status string
	err    error
}

type model struct {
	session *client.Session
	input   textinput.Model

	width  int
	height int

	status     string
	err        error
	lastTyping time.Time
}

func newModel(s *client.Session) model {
	ti := textinput.New()
	ti.Placeholder = "message, or /open N, /to USER TEXT, /notes, /refresh, /quit"
	ti.Prompt = "> "
	ti.Focus()
	return model{session: s, input: ti}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForChange(m.session.View))
}

func waitForChange(v *client.View) tea.Cmd {
	return func() tea.Msg {
		<-v.Changes()
		return changedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = msg.Width - sidebarWidth - 8
		return m, nil

	case changedMsg:
		return m, waitForChange(m.session.View)

	case resultMsg:
		m.status, m.err = msg.status, msg.err
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			if line == "/quit" {
				return m, tea.Quit
			}
			return m, m.run(line)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		tcmd := m.typing()
		return m, tea.Batch(cmd, tcmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// typing 在输入时向对方发送 typing 事件，每秒至多一次。
func (m *model) typing() tea.Cmd {
	if time.Since(m.lastTyping) < typingInterval || m.session.View.State() != client.Synced {
		return nil
	}
	other := m.otherUser()
	if other == "" {
		return nil
	}
	m.lastTyping = time.Now()
	s := m.session
	return func() tea.Msg {
		if err := s.Typing(other); err != nil {
			return resultMsg{err: err}
		}
		return nil
	}
}

func (m model) otherUser() string {
	open := m.session.View.Open()
	for _, c := range m.session.View.Sidebar() {
		if c.ConversationID == open {
			return c.OtherUserID
		}
	}
	return ""
}

func (m model) run(line string) tea.Cmd {
	s := m.session
	ctx := context.Background()

	if !strings.HasPrefix(line, "/") {
		other := m.otherUser()
		return func() tea.Msg {
			if _, err := s.Send(ctx, other, line); err != nil {
				return resultMsg{err: err}
			}
			return resultMsg{status: "sent"}
		}
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/open":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		side := s.View.Sidebar()
		if err != nil || n < 1 || n > len(side) {
			return result(fmt.Errorf("no conversation %q", arg))
		}
		id := side[n-1].ConversationID
		return func() tea.Msg {
			if err := s.Open(ctx, id); err != nil {
				return resultMsg{err: err}
			}
			return resultMsg{status: "opened " + id}
		}
	case "/to":
		to, text, ok := strings.Cut(strings.TrimSpace(arg), " ")
		if !ok || strings.TrimSpace(text) == "" {
			return result(fmt.Errorf("usage: /to USER TEXT"))
		}
		return func() tea.Msg {
			msg, err := s.API.Send(ctx, client.SendRequest{SenderID: s.UserID, RecipientID: to, Content: text})
			if err != nil {
				return resultMsg{err: err}
			}
			if err := s.Refresh(ctx); err != nil {
				return resultMsg{err: err}
			}
			if err := s.Open(ctx, msg.ConversationID); err != nil {
				return resultMsg{err: err}
			}
			return resultMsg{status: "sent to " + to}
		}
	case "/notes":
		return func() tea.Msg {
			list, err := s.API.Notifications(ctx, s.UserID)
			if err != nil {
				return resultMsg{err: err}
			}
			titles := make([]string, 0, 3)
			for i, n := range list.Notifications {
				if i == 3 {
					break
				}
				titles = append(titles, n.Title)
			}
			return resultMsg{status: fmt.Sprintf("%d unread notifications: %s", list.UnreadCount, strings.Join(titles, "; "))}
		}
	case "/refresh":
		return func() tea.Msg {
			if err := s.Refresh(ctx); err != nil {
				return resultMsg{err: err}
			}
			return resultMsg{status: "refreshed"}
		}
	}
	return result(fmt.Errorf("unknown command %s", cmd))
}

func result(err error) tea.Cmd {
	return func() tea.Msg { return resultMsg{err: err} }
}

func (m model) View() string {
	v := m.session.View
	open := v.Open()

	var side strings.Builder
	for i, c := range v.Sidebar() {
		name := c.OtherUserName
		if name == "" {
			name = c.OtherUserID
		}
		line := fmt.Sprintf("%d %s", i+1, name)
		if c.Unread > 0 {
			line += unreadStyle.Render(fmt.Sprintf(" (%d)", c.Unread))
		}
		if c.ConversationID == open {
			line = selectedStyle.Render(line)
		}
		side.WriteString(line + "\n")
		if c.LastMessage != "" {
			side.WriteString(hintStyle.Render("  "+truncate(c.LastMessage, sidebarWidth-6)) + "\n")
		}
	}

	var body strings.Builder
	switch v.State() {
	case client.Idle:
		body.WriteString(hintStyle.Render("select a conversation with /open N"))
	case client.Loading:
		body.WriteString(hintStyle.Render("loading..."))
	default:
		for _, e := range m.tail(v.Messages()) {
			line := e.CreatedAt.Local().Format("15:04") + " " + e.Content
			switch {
			case e.Pending:
				line = pendingStyle.Render(line + " ...")
			case e.SenderID == m.session.UserID:
				line = mineStyle.Render(line)
			}
			body.WriteString(line + "\n")
		}
		if v.IsTyping() {
			body.WriteString(hintStyle.Render("typing..."))
		}
	}

	h := m.height - 6
	if h < 5 {
		h = 5
	}
	left := panelStyle.Width(sidebarWidth).Height(h).Render(side.String())
	right := panelStyle.Width(m.width - sidebarWidth - 6).Height(h).Render(body.String())

	status := hintStyle.Render(m.status)
	if m.err != nil {
		status = errorStyle.Render(m.err.Error())
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render("chat · "+m.session.UserID),
		lipgloss.JoinHorizontal(lipgloss.Top, left, right),
		m.input.View(),
		status,
	)
}

// tail 只保留能放进消息面板的最后几条。
func (m model) tail(entries []client.Entry) []client.Entry {
	n := m.height - 8
	if n < 3 {
		n = 3
	}
	if len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
