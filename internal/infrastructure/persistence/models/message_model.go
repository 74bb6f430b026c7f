package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionModel is the database row for one conversation session.
type SessionModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string `gorm:"size:255"`
	Agent     string `gorm:"size:64"`
	Shared    bool
	ShareURL  string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (SessionModel) TableName() string {
	return "sessions"
}

// MessageModel is the database row for one message in a session's log.
// Parts holds the JSON-encoded content-part list; Seq preserves log
// order under concurrent appends.
type MessageModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64;not null"`
	Seq       int    `gorm:"index;not null"`
	Role      string `gorm:"size:32;not null"`
	Parts     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (MessageModel) TableName() string {
	return "messages"
}
