package ws

import (
	"context"

	clog "github.com/Arjunhubgit/Task-Manager-sub000/internal/log"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/metrics"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/service"
	"github.com/rs/zerolog/log"
)

// Dispatcher 把已持久化的消息推送到接收者的所有在线连接。
// 接收者离线不算错误；发送队列已满的连接会被踢掉并注销。
type Dispatcher struct {
	reg *Registry
}

func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Publish 推送 receiveMessage 事件，同一连接上按调用顺序送达。
func (d *Dispatcher) Publish(ctx context.Context, msg service.MessageDTO) error {
	b, err := encode(EventReceiveMessage, msg)
	if err != nil {
		return err
	}
	delivered := d.deliver(msg.RecipientID, b)
	if delivered == 0 {
		clog.Ctx(ctx).Debug().
			Str("recipient_id", msg.RecipientID).
			Str("message_id", msg.ID).
			Msg("recipient offline, message stored only")
	}
	return nil
}

// PublishTyping 转发正在输入信号，不落库。
func (d *Dispatcher) PublishTyping(senderID, recipientID string) error {
	b, err := encode(EventTyping, TypingPayload{SenderID: senderID})
	if err != nil {
		return err
	}
	d.deliver(recipientID, b)
	return nil
}

func (d *Dispatcher) deliver(userID string, b []byte) int {
	clients := d.reg.clientsFor(userID)
	if len(clients) == 0 {
		metrics.PushTotal.WithLabelValues(metrics.PushOffline).Inc()
		return 0
	}
	delivered := 0
	for _, c := range clients {
		if c.trySend(b) {
			delivered++
			metrics.PushTotal.WithLabelValues(metrics.PushDelivered).Inc()
			continue
		}
		metrics.PushTotal.WithLabelValues(metrics.PushDropped).Inc()
		log.Warn().Str("conn_id", c.id).Str("user_id", c.UserID()).Msg("slow consumer, dropping connection")
		d.reg.Unregister(c.id)
	}
	return delivered
}
