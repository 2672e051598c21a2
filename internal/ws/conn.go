package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/auth"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// 事件名
const (
	EventJoin           = "join"
	EventTyping         = "typing"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventError          = "error"
)

// Envelope 是 socket 上收发的统一外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	UserID string `json:"userId"`
}

type TypingPayload struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Client 是一条 socket 连接。subject 来自握手令牌，userID 在 join 之后才有值。
type Client struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan []byte

	mu     sync.Mutex
	userID string
	closed bool
}

func newClient(conn *websocket.Conn, subject string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{id: uuid.NewString(), subject: subject, conn: conn, send: make(chan []byte, buffer)}
}

func (c *Client) ID() string { return c.id }

// UserID 返回 join 时绑定的用户，未 join 时为空。
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// trySend 非阻塞入队，队列已满或已关闭时返回 false。
func (c *Client) trySend(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 升级为 WebSocket。令牌通过 Authorization 头或 token 查询参数传入。
func Serve(reg *Registry, disp *Dispatcher, secret string, cfg config.WebSocketConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(conn, claims.UserID, cfg.SendBuffer)
		s := &session{client: client, reg: reg, disp: disp, cfg: withDefaults(cfg)}

		go s.writePump()
		s.readPump()
	}
}

func withDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return cfg
}

type session struct {
	client *Client
	reg    *Registry
	disp   *Dispatcher
	cfg    config.WebSocketConfig
}

func (s *session) readPump() {
	c := s.client
	defer func() {
		s.reg.Unregister(c.id)
		c.closeSend()
		_ = c.conn.Close()
	}()
	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		var in Envelope
		if err := json.Unmarshal(data, &in); err != nil {
			s.reply("malformed event")
			continue
		}
		s.handle(in)
	}
}

func (s *session) handle(in Envelope) {
	c := s.client
	switch in.Event {
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(in.Data, &p); err != nil || p.UserID == "" {
			s.reply("join requires userId")
			return
		}
		if p.UserID != c.subject {
			log.Warn().Str("conn_id", c.id).Str("subject", c.subject).Str("user_id", p.UserID).Msg("ws join rejected")
			s.reply("join userId does not match token")
			return
		}
		if !s.reg.Register(p.UserID, c) {
			log.Debug().Str("conn_id", c.id).Str("user_id", p.UserID).Msg("ws join on closed connection ignored")
		}
	case EventTyping:
		var p TypingPayload
		if err := json.Unmarshal(in.Data, &p); err != nil || p.RecipientID == "" {
			s.reply("typing requires recipientId")
			return
		}
		if p.SenderID != "" && p.SenderID != c.subject {
			s.reply("typing senderId does not match token")
			return
		}
		if err := s.disp.PublishTyping(c.subject, p.RecipientID); err != nil {
			log.Error().Err(err).Str("conn_id", c.id).Msg("ws typing relay")
		}
	case EventSendMessage:
		// 消息只能经 REST 持久化后由服务端推送
		s.reply("sendMessage is not accepted on the socket; use POST /api/v1/messages/send")
	default:
		s.reply("unknown event")
	}
}

func (s *session) reply(msg string) {
	b, err := encode(EventError, ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	s.client.trySend(b)
}

func (s *session) writePump() {
	c := s.client
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
