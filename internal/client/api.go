package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RequestTimeout 是每个 REST 请求的固定超时。
const RequestTimeout = 10 * time.Second

// ErrTimeout 表示请求超过了 RequestTimeout。
var ErrTimeout = errors.New("request timed out")

// StatusError 是服务端返回的非 2xx 响应。
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type User struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Status string `json:"status"`
}

type Conversation struct {
	ID              string     `json:"_id"`
	Participants    []string   `json:"participants"`
	LastMessage     string     `json:"lastMessage"`
	LastMessageTime *time.Time `json:"lastMessageTime"`
	Unread          int        `json:"unread"`
	OtherUser       *User      `json:"otherUser,omitempty"`
}

type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	RecipientID    string    `json:"recipientId"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int64     `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

type SendRequest struct {
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Notification struct {
	ID            string    `json:"_id"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Read          bool      `json:"read"`
	RelatedTaskID *string   `json:"relatedTaskId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int64          `json:"unreadCount"`
}

// API 是消息子系统的 REST 客户端。失败直接返回错误，不做重试。
type API struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewAPI 创建客户端，baseURL 形如 http://host:8080/api/v1。
func NewAPI(baseURL, token string) *API {
	return &API{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: RequestTimeout,
		http:    &http.Client{},
	}
}

func (a *API) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	var out []Conversation
	err := a.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (a *API) Messages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/messages/conversation/" + url.PathEscape(conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out MessagePage
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Send(ctx context.Context, req SendRequest) (*Message, error) {
	var out Message
	if err := a.do(ctx, http.MethodPost, "/messages/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead 把会话中发给 userID 的消息全部标记为已读。
func (a *API) MarkRead(ctx context.Context, conversationID, userID string) error {
	body := map[string]string{"userId": userID}
	return a.do(ctx, http.MethodPut, "/messages/read/"+url.PathEscape(conversationID), body, nil)
}

func (a *API) Notifications(ctx context.Context, userID string) (*NotificationList, error) {
	var out NotificationList
	if err := a.do(ctx, http.MethodGet, "/notifications/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
