package models

import "time"

// User 由账户服务维护，这里只读取资料并写入 Status 在线状态。
type User struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Name      string    `gorm:"size:120;not null"`
	Email     string    `gorm:"size:190;uniqueIndex"`
	Role      string    `gorm:"size:16;not null;default:member"`
	Status    string    `gorm:"size:16;not null;default:invisible"`
	Avatar    string    `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleHost   = "host"
)

type Conversation struct {
	ID string `gorm:"primaryKey;size:36"`
	// DirectKey 为 "<较小ID>:<较大ID>"，仅用于一对一会话，群聊为 NULL。
	DirectKey       *string    `gorm:"size:80;uniqueIndex"`
	LastMessage     string     `gorm:"type:text"`
	LastMessageTime *time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID"`
}

type ConversationParticipant struct {
	ConversationID string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"primaryKey;size:36;index"`
	UnreadCount    int    `gorm:"not null;default:0"`
	JoinedAt       time.Time
}

type Message struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"size:36;index:idx_msg_conv_created,priority:1;not null"`
	SenderID       string    `gorm:"size:36;index;not null"`
	RecipientID    string    `gorm:"size:36;index;not null"`
	Content        string    `gorm:"type:text;not null"`
	Read           bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2"`
}

type Notification struct {
	ID            string  `gorm:"primaryKey;size:36"`
	UserID        string  `gorm:"size:36;index;not null"`
	Type          string  `gorm:"size:32;not null"`
	Title         string  `gorm:"size:200;not null"`
	Message       string  `gorm:"type:text"`
	Read          bool    `gorm:"column:is_read;not null;default:false"`
	RelatedTaskID *string `gorm:"size:64"`
	CreatedAt     time.Time
}
