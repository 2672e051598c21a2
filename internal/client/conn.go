package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event 是 socket 上的外层结构，与服务端一致。
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventHandler 在读 goroutine 中被调用，不应长时间阻塞。
type EventHandler func(Event)

type ConnConfig struct {
	URL    string
	Token  string
	UserID string
	Dialer *websocket.Dialer
	// MaxReconnect 是单次断线后重连的最长耗时，0 表示一直重试。
	MaxReconnect time.Duration
}

var ErrClosed = errors.New("connection closed")

// Conn 是显式创建、可注入的 socket 连接。每次(重)连都会发送 join，
// 断线后按指数退避自动重连，直到 Close 或 ctx 取消。
type Conn struct {
	cfg     ConnConfig
	handler EventHandler

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewConn(cfg ConnConfig, handler EventHandler) *Conn {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if handler == nil {
		handler = func(Event) {}
	}
	return &Conn{cfg: cfg, handler: handler}
}

// Connect 建立首个连接，失败直接返回；成功后在后台读取并负责重连。
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx, ws)
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	join, _ := json.Marshal(map[string]string{"userId": c.cfg.UserID})
	if err := ws.WriteJSON(Event{Event: "join", Data: join}); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

func (c *Conn) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.done)
	for {
		c.read(ws)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("url", c.cfg.URL).Msg("socket lost, reconnecting")

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.cfg.MaxReconnect
		var next *websocket.Conn
		err := backoff.Retry(func() error {
			var err error
			next, err = c.dial(ctx)
			return err
		}, backoff.WithContext(b, ctx))
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("url", c.cfg.URL).Msg("socket reconnect gave up")
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.ws = next
		c.mu.Unlock()
		ws = next
		log.Info().Str("url", c.cfg.URL).Msg("socket reconnected")
	}
}

func (c *Conn) read(ws *websocket.Conn) {
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			_ = ws.Close()
			return
		}
		c.handler(ev)
	}
}

// Emit 发送一个事件，未连接时返回 ErrClosed。
func (c *Conn) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return ErrClosed
	}
	return c.ws.WriteJSON(Event{Event: event, Data: raw})
}

// Close 断开连接并停止重连，可重复调用。
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, ws, done := c.cancel, c.ws, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = ws.Close()
	}
	<-done
	return err
}
