package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceReader 批量查询在线状态；结果中缺失的用户沿用资料里的状态。
type PresenceReader interface {
	GetMany(ctx context.Context, userIDs []string) (map[string]string, error)
}

// ConversationService 封装会话、参与者及未读计数相关的业务逻辑。
type ConversationService struct {
	db       *gorm.DB
	presence PresenceReader
}

func NewConversationService(db *gorm.DB, presence PresenceReader) *ConversationService {
	return &ConversationService{db: db, presence: presence}
}

// UserSummary 是会话列表中附带的对方资料。
type UserSummary struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Status string `json:"status"`
}

// ConversationView 是某个用户视角下的会话列表项。
type ConversationView struct {
	ID              string         `json:"_id"`
	Participants    []string       `json:"participants"`
	LastMessage     string         `json:"lastMessage"`
	LastMessageTime *time.Time     `json:"lastMessageTime"`
	Unread          int            `json:"unread"`
	UnreadCount     map[string]int `json:"unreadCount"`
	OtherUser       *UserSummary   `json:"otherUser,omitempty"`
}

func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// FindOrCreateDirect 返回 a 与 b 的一对一会话，不存在则创建，与参数顺序无关。
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	if a == "" || b == "" {
		return nil, invalid("participants", "both user ids are required")
	}
	if a == b {
		return nil, invalid("participants", "a conversation needs two different users")
	}
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conv, err = s.findOrCreateDirect(tx, a, b, time.Now().UTC())
		return err
	})
	return conv, err
}

func (s *ConversationService) findOrCreateDirect(tx *gorm.DB, a, b string, now time.Time) (*models.Conversation, error) {
	key := directKey(a, b)

	var conv models.Conversation
	err := tx.Preload("Participants").Where("direct_key = ?", key).First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv = models.Conversation{ID: uuid.NewString(), DirectKey: &key, CreatedAt: now, UpdatedAt: now}
	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "direct_key"}}, DoNothing: true}).Create(&conv)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// 并发创建失败，对方的记录已提交
		if err := tx.Preload("Participants").Where("direct_key = ?", key).First(&conv).Error; err != nil {
			return nil, err
		}
		return &conv, nil
	}

	parts := []models.ConversationParticipant{
		{ConversationID: conv.ID, UserID: a, JoinedAt: now},
		{ConversationID: conv.ID, UserID: b, JoinedAt: now},
	}
	if err := tx.Create(&parts).Error; err != nil {
		return nil, err
	}
	conv.Participants = parts
	return &conv, nil
}

// AppendMessagePreview 更新会话预览，并给发送者以外的参与者未读数加一。
// 必须与插入消息处于同一事务。
func (s *ConversationService) AppendMessagePreview(tx *gorm.DB, conversationID, text string, ts time.Time, senderID string) error {
	res := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Updates(map[string]any{
		"last_message":      text,
		"last_message_time": ts,
		"updated_at":        ts,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("conversation")
	}
	return tx.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, senderID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

// Get 返回会话及其参与者 ID（按加入时间排序）。
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*ConversationView, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Preload("Participants").Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("conversation")
	}
	if err != nil {
		return nil, err
	}
	v := s.view(conv, "", nil)
	v.OtherUser = nil
	return &v, nil
}

// RequireParticipant 会话不存在返回 ErrNotFound，userID 不是参与者返回 ErrForbidden。
func (s *ConversationService) RequireParticipant(ctx context.Context, conversationID, userID string) error {
	return requireParticipant(s.db.WithContext(ctx), conversationID, userID)
}

func requireParticipant(tx *gorm.DB, conversationID, userID string) error {
	parts, err := participantsOf(tx, conversationID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.UserID == userID {
			return nil
		}
	}
	return forbidden("not a participant of this conversation")
}

func participantsOf(tx *gorm.DB, conversationID string) ([]models.ConversationParticipant, error) {
	var count int64
	if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, notFound("conversation")
	}
	var parts []models.ConversationParticipant
	if err := tx.Where("conversation_id = ?", conversationID).Find(&parts).Error; err != nil {
		return nil, err
	}
	return parts, nil
}

// MarkRead 清零 userID 的未读数并把发给 userID 的消息标记为已读，可重复调用。
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireParticipant(tx, conversationID, userID); err != nil {
			return err
		}
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND recipient_id = ? AND is_read = ?", conversationID, userID, false).
			Update("is_read", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			UpdateColumn("unread_count", 0).Error
	})
}

// Clear 删除会话内全部消息并重置预览和未读数，会话本身及参与者保留。
func (s *ConversationService) Clear(ctx context.Context, conversationID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireParticipant(tx, conversationID, userID); err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := setPreview(tx, conversationID, "", nil); err != nil {
			return err
		}
		return tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ?", conversationID).
			UpdateColumn("unread_count", 0).Error
	})
}

func setPreview(tx *gorm.DB, conversationID, text string, ts *time.Time) error {
	return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Updates(map[string]any{
		"last_message":      text,
		"last_message_time": ts,
		"updated_at":        time.Now().UTC(),
	}).Error
}

// refreshPreview 把预览指向剩余的最新一条消息。
func refreshPreview(tx *gorm.DB, conversationID string) error {
	var last models.Message
	err := tx.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return setPreview(tx, conversationID, "", nil)
	}
	if err != nil {
		return err
	}
	return setPreview(tx, conversationID, last.Content, &last.CreatedAt)
}

// ListForUser 按最近活动倒序返回用户的会话，附带对方资料和该用户的未读数。
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]ConversationView, error) {
	db := s.db.WithContext(ctx)

	var convs []models.Conversation
	err := db.Select("conversations.*").
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id AND cp.user_id = ?", userID).
		Preload("Participants").
		Order("conversations.last_message_time IS NULL").
		Order("conversations.last_message_time DESC").
		Order("conversations.updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}

	others := make([]string, 0, len(convs))
	seen := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		for _, p := range c.Participants {
			if p.UserID == userID {
				continue
			}
			if _, ok := seen[p.UserID]; !ok {
				seen[p.UserID] = struct{}{}
				others = append(others, p.UserID)
			}
		}
	}
	profiles, err := s.summaries(ctx, others)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, s.view(c, userID, profiles))
	}
	return out, nil
}

func (s *ConversationService) view(c models.Conversation, viewerID string, profiles map[string]UserSummary) ConversationView {
	parts := append([]models.ConversationParticipant(nil), c.Participants...)
	sort.Slice(parts, func(i, j int) bool {
		if !parts[i].JoinedAt.Equal(parts[j].JoinedAt) {
			return parts[i].JoinedAt.Before(parts[j].JoinedAt)
		}
		return parts[i].UserID < parts[j].UserID
	})

	v := ConversationView{
		ID:              c.ID,
		Participants:    make([]string, 0, len(parts)),
		LastMessage:     c.LastMessage,
		LastMessageTime: c.LastMessageTime,
		UnreadCount:     make(map[string]int, len(parts)),
	}
	for _, p := range parts {
		v.Participants = append(v.Participants, p.UserID)
		v.UnreadCount[p.UserID] = p.UnreadCount
		if p.UserID == viewerID {
			v.Unread = p.UnreadCount
		} else if v.OtherUser == nil {
			if sum, ok := profiles[p.UserID]; ok {
				sum := sum
				v.OtherUser = &sum
			} else {
				v.OtherUser = &UserSummary{ID: p.UserID, Status: "invisible"}
			}
		}
	}
	return v
}

func (s *ConversationService) summaries(ctx context.Context, ids []string) (map[string]UserSummary, error) {
	out := make(map[string]UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "name", "avatar", "status").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = UserSummary{ID: u.ID, Name: u.Name, Avatar: u.Avatar, Status: u.Status}
	}
	if s.presence == nil {
		return out, nil
	}
	statuses, err := s.presence.GetMany(ctx, ids)
	if err != nil {
		// 在线状态仅供参考，失败时沿用资料中的状态
		return out, nil
	}
	for id, st := range statuses {
		if sum, ok := out[id]; ok {
			sum.Status = st
			out[id] = sum
		}
	}
	return out, nil
}
