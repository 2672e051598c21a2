package testutil

import (
	"fmt"
	"testing"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/db"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewTestDB 为当前测试创建独立的内存 SQLite 库并完成迁移，测试结束自动关闭。
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := db.Connect("sqlite", dsn)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := gdb.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// SeedUser 插入一个用户资料并返回。
func SeedUser(t *testing.T, gdb *gorm.DB, name string) models.User {
	t.Helper()

	u := models.User{
		ID:     uuid.NewString(),
		Name:   name,
		Email:  name + "@example.com",
		Role:   models.RoleMember,
		Status: "online",
	}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("seeding user %s: %v", name, err)
	}
	return u
}
