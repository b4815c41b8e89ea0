package models

import (
	"time"

	"gorm.io/gorm"
)

// LeadStatus tracks where a lead is in the outreach lifecycle.
type LeadStatus string

const (
	LeadActive       LeadStatus = "active"
	LeadContacted    LeadStatus = "contacted"
	LeadUnsubscribed LeadStatus = "unsubscribed"
)

// Lead represents a single contact/prospect
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email       string `gorm:"not null;index" json:"email"`
	CompanyName string `json:"company_name"`
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`
	Website     string `json:"website"`
	Industry    string `json:"industry"`
	Address     string `json:"address"`
	City        string `json:"city"`
	State       string `json:"state"`
	Country     string `json:"country"`

	Status          LeadStatus `gorm:"not null;default:'active';index" json:"status"`
	LastContactedAt *time.Time `json:"last_contacted_at"`

	// Relations
	Activities  []LeadActivity       `gorm:"foreignKey:LeadID" json:"activities,omitempty"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:LeadID" json:"enrollments,omitempty"`
}

// LeadActivity tracks everything that happened to a lead
type LeadActivity struct {
	gorm.Model
	LeadID     uint  `gorm:"not null;index" json:"lead_id"`
	UserID     uint  `gorm:"not null;index" json:"user_id"`
	SequenceID *uint `json:"sequence_id,omitempty"`

	ActivityType string    `gorm:"not null" json:"activity_type"` // sent, opened, clicked, replied, unsubscribed
	ActivityAt   time.Time `gorm:"not null" json:"activity_at"`
	Details      string    `gorm:"type:text" json:"details"`

	// Relations
	Lead Lead `json:"-"`
}
