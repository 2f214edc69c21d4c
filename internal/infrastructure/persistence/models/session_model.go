package models

import (
	"time"
)

// SessionModel 数据库会话模型
type SessionModel struct {
	ID           string     `gorm:"primaryKey;size:64"`
	Name         string     `gorm:"size:128;not null"`
	ActivityType string     `gorm:"size:32;index"`
	Status       string     `gorm:"size:16;index;not null"`
	CreatedAt    time.Time  `gorm:"index"`
	StoppedAt    *time.Time
	UpdatedAt    time.Time
}

// TableName 指定表名
func (SessionModel) TableName() string {
	return "sessions"
}
