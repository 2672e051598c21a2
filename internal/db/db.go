package db

import (
	"fmt"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "postgres":
		return postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Connect 打开数据库连接，失败时重试数秒，等待刚启动的容器就绪。
func Connect(driver, dsn string) (*gorm.DB, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	var gdb *gorm.DB
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if driver == "sqlite" {
					// 共享缓存的内存库只能有一个写连接
					sqlDB.SetMaxOpenConns(1)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
				}
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, fmt.Errorf("connect %s: %w", driver, err)
}

// Migrate 自动迁移消息子系统读写的所有表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.Notification{},
	)
}
