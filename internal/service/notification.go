package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/metrics"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 通知类型
const (
	NotifyTaskAssigned     = "task_assigned"
	NotifyTaskCompleted    = "task_completed"
	NotifyComment          = "comment"
	NotifyTeamMember       = "team_member"
	NotifyStatusUpdate     = "status_update"
	NotifyDeadlineReminder = "deadline_reminder"
)

var notificationTypes = map[string]struct{}{
	NotifyTaskAssigned:     {},
	NotifyTaskCompleted:    {},
	NotifyComment:          {},
	NotifyTeamMember:       {},
	NotifyStatusUpdate:     {},
	NotifyDeadlineReminder: {},
}

// ValidNotificationType 判断 t 是否为已知的通知类型。
func ValidNotificationType(t string) bool {
	_, ok := notificationTypes[t]
	return ok
}

// NotificationService 封装通知的增删改查，通知只通过 REST 轮询获取，不做推送。
type NotificationService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db, now: time.Now}
}

// NotificationDTO 是对外输出的通知数据。
type NotificationDTO struct {
	ID            string    `json:"_id"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Read          bool      `json:"read"`
	RelatedTaskID *string   `json:"relatedTaskId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toNotificationDTO(n models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:            n.ID,
		UserID:        n.UserID,
		Type:          n.Type,
		Title:         n.Title,
		Message:       n.Message,
		Read:          n.Read,
		RelatedTaskID: n.RelatedTaskID,
		CreatedAt:     n.CreatedAt,
	}
}

// CreateNotificationInput 是创建通知的参数，由任务生命周期等外部事件产生。
type CreateNotificationInput struct {
	UserID        string  `json:"userId"`
	Type          string  `json:"type"`
	Title         string  `json:"title"`
	Message       string  `json:"message"`
	RelatedTaskID *string `json:"relatedTaskId,omitempty"`
}

// Create 校验并写入一条未读通知。
func (s *NotificationService) Create(ctx context.Context, in CreateNotificationInput) (*NotificationDTO, error) {
	title := strings.TrimSpace(in.Title)
	switch {
	case in.UserID == "":
		return nil, invalid("userId", "required")
	case !ValidNotificationType(in.Type):
		return nil, invalid("type", "unknown notification type")
	case title == "":
		return nil, invalid("title", "required")
	}
	if in.RelatedTaskID != nil && *in.RelatedTaskID == "" {
		in.RelatedTaskID = nil
	}

	n := models.Notification{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		Type:          in.Type,
		Title:         title,
		Message:       in.Message,
		RelatedTaskID: in.RelatedTaskID,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return nil, err
	}
	metrics.NotificationsTotal.WithLabelValues(n.Type).Inc()
	dto := toNotificationDTO(n)
	return &dto, nil
}

// NotificationList 是用户通知列表及未读数。
type NotificationList struct {
	Notifications []NotificationDTO `json:"notifications"`
	UnreadCount   int64             `json:"unreadCount"`
}

// ListForUser 按创建时间倒序返回用户的全部通知。
func (s *NotificationService) ListForUser(ctx context.Context, userID string) (*NotificationList, error) {
	db := s.db.WithContext(ctx)

	var rows []models.Notification
	if err := db.Where("user_id = ?", userID).Order("created_at desc").Order("id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	var unread int64
	if err := db.Model(&models.Notification{}).Where("user_id = ? AND is_read = ?", userID, false).Count(&unread).Error; err != nil {
		return nil, err
	}

	out := &NotificationList{Notifications: make([]NotificationDTO, 0, len(rows)), UnreadCount: unread}
	for _, n := range rows {
		out.Notifications = append(out.Notifications, toNotificationDTO(n))
	}
	return out, nil
}

// MarkRead 将单条通知标记为已读，只能操作自己的通知。
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) error {
	db := s.db.WithContext(ctx)
	if _, err := s.owned(db, id, userID); err != nil {
		return err
	}
	return db.Model(&models.Notification{}).Where("id = ?", id).Update("is_read", true).Error
}

// MarkAllRead 将用户全部通知标记为已读。
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true).Error
}

// Delete 删除单条通知，只能删除自己的通知。
func (s *NotificationService) Delete(ctx context.Context, id, userID string) error {
	db := s.db.WithContext(ctx)
	if _, err := s.owned(db, id, userID); err != nil {
		return err
	}
	return db.Delete(&models.Notification{}, "id = ?", id).Error
}

// DeleteAll 删除用户的全部通知。
func (s *NotificationService) DeleteAll(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Notification{}).Error
}

func (s *NotificationService) owned(db *gorm.DB, id, userID string) (*models.Notification, error) {
	var n models.Notification
	if err := db.Where("id = ?", id).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("notification")
		}
		return nil, err
	}
	if n.UserID != userID {
		return nil, forbidden("notification belongs to another user")
	}
	return &n, nil
}
