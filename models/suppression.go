package models

import "gorm.io/gorm"

// Unsubscribe is a durable suppression entry. Presence of a row means the
// address may not receive mail; deleting the row restores eligibility.
type Unsubscribe struct {
	gorm.Model
	Email string `gorm:"not null;uniqueIndex" json:"email"`

	UserID *uint `json:"user_id,omitempty"`
	LeadID *uint `json:"lead_id,omitempty"`

	Reason string `json:"reason"`
	Source string `json:"source"` // link, api, import, manual
}
