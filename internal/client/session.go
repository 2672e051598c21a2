package client

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// HistoryPageSize 是打开会话时每页拉取的条数，与服务端上限一致。
const HistoryPageSize = 200

// Session 把 API、Conn 和 View 组装在一起。发送只走 REST，推送写入 View。
type Session struct {
	UserID string
	API    *API
	View   *View
	conn   *Conn

	pageSize int
}

// SessionConfig 描述一次登录会话所需的地址和令牌。
type SessionConfig struct {
	APIURL    string
	SocketURL string
	Token     string
	UserID    string
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		UserID: cfg.UserID,
		API:    NewAPI(cfg.APIURL, cfg.Token),
		View:   NewView(cfg.UserID),

		pageSize: HistoryPageSize,
	}
	s.conn = NewConn(ConnConfig{URL: cfg.SocketURL, Token: cfg.Token, UserID: cfg.UserID}, s.dispatch)
	return s
}

// Start 拉取会话列表并建立 socket 连接。
func (s *Session) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	return s.conn.Connect(ctx)
}

func (s *Session) Close() error { return s.conn.Close() }

// Refresh 重新拉取侧边栏。
func (s *Session) Refresh(ctx context.Context) error {
	list, err := s.API.Conversations(ctx, s.UserID)
	if err != nil {
		return err
	}
	s.View.SetConversations(list)
	return nil
}

// Open 选中会话、加载最新的历史并标记已读。
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.View.Select(conversationID)
	history, err := s.latest(ctx, conversationID)
	if err != nil {
		// 期间可能已切到别的会话
		if s.View.Open() == conversationID {
			s.View.Select("")
		}
		return err
	}
	s.View.Loaded(conversationID, history)
	s.markRead(ctx, conversationID)
	return nil
}

// latest 返回会话最后一到两页消息，按时间升序。服务端分页是升序的，
// 先用第一页拿到 total，再取末页，末页不满时补上前一页。
func (s *Session) latest(ctx context.Context, conversationID string) ([]Message, error) {
	first, err := s.API.Messages(ctx, conversationID, 1, s.pageSize)
	if err != nil {
		return nil, err
	}
	if !first.HasMore || first.Limit <= 0 {
		return first.Messages, nil
	}
	size := int64(first.Limit)
	last := int((first.Total + size - 1) / size)
	tail, err := s.API.Messages(ctx, conversationID, last, first.Limit)
	if err != nil {
		return nil, err
	}
	if len(tail.Messages) >= first.Limit {
		return tail.Messages, nil
	}
	prev := first
	if last > 2 {
		if prev, err = s.API.Messages(ctx, conversationID, last-1, first.Limit); err != nil {
			return nil, err
		}
	}
	out := make([]Message, 0, len(prev.Messages)+len(tail.Messages))
	out = append(out, prev.Messages...)
	return append(out, tail.Messages...), nil
}

func (s *Session) markRead(ctx context.Context, conversationID string) {
	if err := s.API.MarkRead(ctx, conversationID, s.UserID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read")
	}
}

// Send 乐观追加后调用 REST，失败时回滚。
func (s *Session) Send(ctx context.Context, recipientID, content string) (*Message, error) {
	tmp, err := s.View.BeginSend(content)
	if err != nil {
		return nil, err
	}
	if tmp.RecipientID == "" {
		tmp.RecipientID = recipientID
	}
	msg, err := s.API.Send(ctx, SendRequest{
		SenderID:       s.UserID,
		RecipientID:    tmp.RecipientID,
		Content:        tmp.Content,
		ConversationID: tmp.ConversationID,
	})
	if err != nil {
		s.View.FailSend(tmp.ID)
		return nil, err
	}
	s.View.ConfirmSend(tmp.ID, *msg)
	return msg, nil
}

// Typing 通知对方自己正在输入。
func (s *Session) Typing(recipientID string) error {
	return s.conn.Emit("typing", map[string]string{"senderId": s.UserID, "recipientId": recipientID})
}

func (s *Session) dispatch(ev Event) {
	switch ev.Event {
	case "receiveMessage":
		var m Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			log.Warn().Err(err).Msg("malformed receiveMessage")
			return
		}
		// 已展示在打开的会话里，同步清掉服务端未读；不阻塞读循环
		if s.View.Receive(m) && m.RecipientID == s.UserID {
			go s.markRead(context.Background(), m.ConversationID)
		}
	case "typing":
		var p struct {
			SenderID string `json:"senderId"`
		}
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		s.View.Typing(p.SenderID)
	case "error":
		log.Debug().RawJSON("data", ev.Data).Msg("socket error event")
	}
}
