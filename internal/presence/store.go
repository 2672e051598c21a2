package presence

import (
	"context"
	"fmt"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"gorm.io/gorm"
)

// 在线状态，由客户端自行上报，仅供参考。
const (
	Online    = "online"
	Idle      = "idle"
	DND       = "dnd"
	Invisible = "invisible"
)

// Valid 判断 status 是否为可接受的在线状态。
func Valid(status string) bool {
	switch status {
	case Online, Idle, DND, Invisible:
		return true
	}
	return false
}

// Store 读写用户在线状态。没有记录的用户视为 invisible。
type Store interface {
	Get(ctx context.Context, userID string) (string, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]string, error)
	Set(ctx context.Context, userID, status string) error
}

// DBStore 把状态保存在 users.status 列，是未配置 Redis 时的默认实现。
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore { return &DBStore{db: db} }

func (s *DBStore) Get(ctx context.Context, userID string) (string, error) {
	m, err := s.GetMany(ctx, []string{userID})
	if err != nil {
		return "", err
	}
	return m[userID], nil
}

func (s *DBStore) GetMany(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		out[id] = Invisible
	}
	if len(userIDs) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "status").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Status != "" {
			out[u.ID] = u.Status
		}
	}
	return out, nil
}

func (s *DBStore) Set(ctx context.Context, userID, status string) error {
	if !Valid(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("status", status).Error
}
