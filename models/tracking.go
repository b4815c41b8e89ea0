package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailTracking records engagement for one sent message. Sequence step
// conditions are evaluated against the lead's most recent row.
type EmailTracking struct {
	gorm.Model
	UserID uint  `gorm:"not null;index" json:"user_id"`
	LeadID *uint `gorm:"index" json:"lead_id,omitempty"`

	Recipient string `gorm:"not null;index" json:"recipient"`
	Subject   string `gorm:"not null" json:"subject"`
	MessageID string `gorm:"not null;uniqueIndex" json:"message_id"`

	SentAt     time.Time  `gorm:"not null;index" json:"sent_at"`
	OpenedAt   *time.Time `json:"opened_at"`
	OpenCount  int        `gorm:"default:0" json:"open_count"`
	ClickedAt  *time.Time `json:"clicked_at"`
	ClickCount int        `gorm:"default:0" json:"click_count"`
	RepliedAt  *time.Time `json:"replied_at"`
}
