package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	clog "github.com/Arjunhubgit/Task-Manager-sub000/internal/log"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/metrics"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MaxContentRunes = 5000
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Publisher 把已提交的消息推送给在线的接收者。
type Publisher interface {
	Publish(ctx context.Context, msg MessageDTO) error
}

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db    *gorm.DB
	convs *ConversationService
	pub   Publisher
	now   func() time.Time
}

func NewMessageService(db *gorm.DB, convs *ConversationService, pub Publisher) *MessageService {
	return &MessageService{db: db, convs: convs, pub: pub, now: time.Now}
}

// MessageDTO 是对外输出的消息数据，也是推送事件的载荷。
type MessageDTO struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	RecipientID    string    `json:"recipientId"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toDTO(m models.Message, senderName string) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

// SendInput 是发送消息的参数；ConversationID 为空时按收发双方查找或创建一对一会话。
type SendInput struct {
	SenderID       string
	RecipientID    string
	Content        string
	ConversationID string
}

// Send 在一个事务内写入消息、更新会话预览和未读数，提交后再推送给接收者。
// 推送失败只记录日志，消息已持久化，不影响返回结果。
func (s *MessageService) Send(ctx context.Context, in SendInput) (*MessageDTO, error) {
	content := strings.TrimSpace(in.Content)
	switch {
	case in.SenderID == "":
		return nil, invalid("senderId", "required")
	case in.RecipientID == "":
		return nil, invalid("recipientId", "required")
	case in.SenderID == in.RecipientID:
		return nil, invalid("recipientId", "cannot message yourself")
	case content == "":
		return nil, invalid("content", "must not be empty")
	case utf8.RuneCountInString(content) > MaxContentRunes:
		return nil, invalid("content", "too long")
	}

	var out MessageDTO
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		names, err := userNames(tx, []string{in.SenderID, in.RecipientID})
		if err != nil {
			return err
		}
		if _, ok := names[in.SenderID]; !ok {
			return notFound("sender")
		}
		if _, ok := names[in.RecipientID]; !ok {
			return notFound("recipient")
		}

		convID := in.ConversationID
		if convID == "" {
			conv, err := s.convs.findOrCreateDirect(tx, in.SenderID, in.RecipientID, s.now().UTC())
			if err != nil {
				return err
			}
			convID = conv.ID
		} else if err := requireBoth(tx, convID, in.SenderID, in.RecipientID); err != nil {
			return err
		}

		ts, err := s.nextTimestamp(tx, convID)
		if err != nil {
			return err
		}
		msg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: convID,
			SenderID:       in.SenderID,
			RecipientID:    in.RecipientID,
			Content:        content,
			CreatedAt:      ts,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := s.convs.AppendMessagePreview(tx, convID, content, ts, in.SenderID); err != nil {
			return err
		}
		out = toDTO(msg, names[in.SenderID])
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()

	if s.pub != nil {
		if err := s.pub.Publish(ctx, out); err != nil {
			clog.Ctx(ctx).Error().Err(err).
				Str("message_id", out.ID).
				Str("recipient_id", out.RecipientID).
				Msg("publish message")
		}
	}
	return &out, nil
}

// nextTimestamp 返回严格晚于会话最新消息的时间，保证同一会话内按发送顺序排序。
// 精度截断到毫秒以兼容 MySQL datetime(3)。
func (s *MessageService) nextTimestamp(tx *gorm.DB, conversationID string) (time.Time, error) {
	ts := s.now().UTC().Truncate(time.Millisecond)
	var conv models.Conversation
	if err := tx.Select("id", "last_message_time").Where("id = ?", conversationID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ts, notFound("conversation")
		}
		return ts, err
	}
	if conv.LastMessageTime != nil && !ts.After(*conv.LastMessageTime) {
		ts = conv.LastMessageTime.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return ts, nil
}

func requireBoth(tx *gorm.DB, conversationID, a, b string) error {
	parts, err := participantsOf(tx, conversationID)
	if err != nil {
		return err
	}
	var hasA, hasB bool
	for _, p := range parts {
		hasA = hasA || p.UserID == a
		hasB = hasB || p.UserID == b
	}
	if !hasA || !hasB {
		return forbidden("sender and recipient must both be participants")
	}
	return nil
}

// MessagePage 是分页查询的结果。
type MessagePage struct {
	Messages []MessageDTO `json:"messages"`
	Page     int          `json:"page"`
	Limit    int          `json:"limit"`
	Total    int64        `json:"total"`
	HasMore  bool         `json:"hasMore"`
}

// ListForConversation 分页查询会话消息，page 从 1 开始，按 (created_at, id) 升序返回。
func (s *MessageService) ListForConversation(ctx context.Context, conversationID string, page, pageSize int) (*MessagePage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&total).Error; err != nil {
		return nil, err
	}

	var msgs []models.Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("created_at asc").Order("id asc").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	// 批量获取发送者名字
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	names, err := userNames(db, ids)
	if err != nil {
		return nil, err
	}

	out := &MessagePage{
		Messages: make([]MessageDTO, 0, len(msgs)),
		Page:     page,
		Limit:    pageSize,
		Total:    total,
		HasMore:  int64(page*pageSize) < total,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toDTO(m, names[m.SenderID]))
	}
	return out, nil
}

// MarkRead 把单条消息标记为已读，只有接收者可以操作。
// 消息原本未读时同步扣减接收者的未读数，重复调用无副作用。
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := findMessage(tx, messageID)
		if err != nil {
			return err
		}
		if msg.RecipientID != userID {
			return forbidden("only the recipient can mark a message read")
		}
		res := tx.Model(&models.Message{}).
			Where("id = ? AND is_read = ?", messageID, false).
			Update("is_read", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return decrementUnread(tx, msg.ConversationID, msg.RecipientID)
	})
}

// MarkAllRead 把会话内发给 userID 的消息全部标记为已读并清零未读数。
func (s *MessageService) MarkAllRead(ctx context.Context, conversationID, userID string) error {
	return s.convs.MarkRead(ctx, conversationID, userID)
}

// Delete 删除一条消息，只有发送者可以操作。删除未读消息时扣减接收者未读数，
// 并重新计算会话预览。
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := findMessage(tx, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID != userID {
			return forbidden("only the sender can delete a message")
		}
		if err := tx.Delete(&models.Message{}, "id = ?", messageID).Error; err != nil {
			return err
		}
		if !msg.Read {
			if err := decrementUnread(tx, msg.ConversationID, msg.RecipientID); err != nil {
				return err
			}
		}
		return refreshPreview(tx, msg.ConversationID)
	})
}

// Clear 删除会话全部消息，见 ConversationService.Clear。
func (s *MessageService) Clear(ctx context.Context, conversationID, userID string) error {
	return s.convs.Clear(ctx, conversationID, userID)
}

func findMessage(tx *gorm.DB, id string) (*models.Message, error) {
	var msg models.Message
	if err := tx.Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("message")
		}
		return nil, err
	}
	return &msg, nil
}

func decrementUnread(tx *gorm.DB, conversationID, userID string) error {
	return tx.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND unread_count > 0", conversationID, userID).
		UpdateColumn("unread_count", gorm.Expr("unread_count - ?", 1)).Error
}

// userNames 批量获取用户名，重复 ID 只查询一次。
func userNames(db *gorm.DB, ids []string) (map[string]string, error) {
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	names := make(map[string]string, len(uniq))
	if len(uniq) == 0 {
		return names, nil
	}
	var users []models.User
	if err := db.Select("id", "name").Where("id IN ?", uniq).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		names[u.ID] = u.Name
	}
	return names, nil
}
