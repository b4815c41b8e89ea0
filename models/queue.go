package models

import (
	"time"

	"gorm.io/gorm"
)

// QueueStatus is the delivery state of a queued email. Transitions are
// one-directional: pending -> sending -> (sent | pending retry | failed),
// pending -> cancelled. Sent, failed and cancelled are terminal.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueSending   QueueStatus = "sending"
	QueueSent      QueueStatus = "sent"
	QueueFailed    QueueStatus = "failed"
	QueueCancelled QueueStatus = "cancelled"
)

// Queue item priorities; lower number = more urgent.
const (
	PriorityHigh     = 10
	PrioritySequence = 30 // fixed priority for sequence-engine sends
	PriorityDefault  = 50 // neutral priority for ad-hoc sends
)

// EmailQueueItem is one outbound message record. Every email the system
// sends passes through this queue.
type EmailQueueItem struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Optional back-references; a queue item outlives the sequence that
	// created it
	LeadID     *uint `gorm:"index" json:"lead_id,omitempty"`
	CampaignID *uint `gorm:"index" json:"campaign_id,omitempty"`
	SequenceID *uint `gorm:"index" json:"sequence_id,omitempty"`

	Recipient string `gorm:"not null;index" json:"recipient"`
	Subject   string `gorm:"not null" json:"subject"`
	Body      string `gorm:"not null;type:text" json:"body"`

	ScheduledFor time.Time   `gorm:"not null;index" json:"scheduled_for"`
	Priority     int         `gorm:"not null;default:50" json:"priority"`
	Status       QueueStatus `gorm:"not null;default:'pending';index" json:"status"`

	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage      string     `json:"error_message"`
	SentAt            *time.Time `gorm:"index" json:"sent_at"`
	ProviderMessageID string     `json:"provider_message_id"`
}

// Terminal reports whether the item can never transition again.
func (q *EmailQueueItem) Terminal() bool {
	return q.Status == QueueSent || q.Status == QueueFailed || q.Status == QueueCancelled
}

// QueueStats summarizes one owner's queue.
type QueueStats struct {
	Pending      int64 `json:"pending"`
	Sending      int64 `json:"sending"`
	Sent         int64 `json:"sent"`
	Failed       int64 `json:"failed"`
	Cancelled    int64 `json:"cancelled"`
	SentLastHour int64 `json:"sent_last_hour"`
}
