package chat

import (
	"time"

	"gorm.io/gorm"
)

// HistoryMessage is one stored turn of the SQL history backend.
type HistoryMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(64);index:idx_chat_history_session_id;not null" json:"session_id"`
	Role      string    `gorm:"type:varchar(32);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (HistoryMessage) TableName() string { return "chat_history_messages" }

// AutoMigrate creates the tables used by Repo.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&HistoryMessage{}, &Job{})
}
