package service

import (
	"context"
	"errors"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/presence"
	"gorm.io/gorm"
)

// UserService 提供只读的用户资料查询和在线状态上报。用户的增删改由账户服务负责。
type UserService struct {
	db       *gorm.DB
	presence presence.Store
}

func NewUserService(db *gorm.DB, store presence.Store) *UserService {
	return &UserService{db: db, presence: store}
}

// Get 返回用户资料，状态取自 presence。
func (s *UserService) Get(ctx context.Context, userID string) (*UserSummary, error) {
	var u models.User
	err := s.db.WithContext(ctx).Select("id", "name", "avatar", "status").Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("user")
	}
	if err != nil {
		return nil, err
	}
	sum := &UserSummary{ID: u.ID, Name: u.Name, Avatar: u.Avatar, Status: u.Status}
	if st, err := s.presence.Get(ctx, userID); err == nil {
		sum.Status = st
	}
	return sum, nil
}

// SetStatus 更新用户自报的在线状态。
func (s *UserService) SetStatus(ctx context.Context, userID, status string) error {
	if !presence.Valid(status) {
		return invalid("status", "must be one of online, idle, dnd, invisible")
	}
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}
	return s.presence.Set(ctx, userID, status)
}
