package models

import (
	"time"

	"gorm.io/gorm"
)

// StepCondition gates whether a step is sent or skipped, evaluated against
// the lead's most recently sent message.
type StepCondition string

const (
	ConditionAlways  StepCondition = "always"
	ConditionNoReply StepCondition = "no_reply"
	ConditionNoOpen  StepCondition = "no_open"
	ConditionClicked StepCondition = "clicked"
	ConditionReplied StepCondition = "replied"
)

// EnrollmentStatus is the lifecycle state of a lead's enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentStopped   EnrollmentStatus = "stopped"
	EnrollmentCompleted EnrollmentStatus = "completed"
)

// Sequence represents an ordered, reusable definition of timed outreach steps
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Relations
	Steps       []SequenceStep       `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// SequenceStep is one templated message plus its delay and send condition.
// Steps are numbered 1..N with no gaps; edits replace the full step list.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index:idx_sequence_step_order,unique" json:"sequence_id"`

	StepNumber int    `gorm:"not null;index:idx_sequence_step_order,unique" json:"step_number"`
	Subject    string `gorm:"not null" json:"subject"`
	Body       string `gorm:"not null;type:text" json:"body"`

	// Delay counted from when the previous step was dispatched or skipped
	DelayDays  int `gorm:"not null;default:0" json:"delay_days"`
	DelayHours int `gorm:"not null;default:0" json:"delay_hours"`

	Condition StepCondition `gorm:"not null;default:'always'" json:"condition"`
}

// Delay returns the wait before this step becomes due.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// SequenceEnrollment binds exactly one lead to one sequence. The
// (sequence_id, lead_id) pair is a natural key; re-enrollment resets the
// existing row instead of creating a duplicate.
type SequenceEnrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index:idx_enrollment_seq_lead,unique" json:"sequence_id"`
	LeadID     uint `gorm:"not null;index:idx_enrollment_seq_lead,unique" json:"lead_id"`

	Status EnrollmentStatus `gorm:"not null;default:'active';index" json:"status"`

	// CurrentStep counts steps already processed, sent or skipped
	CurrentStep    int        `gorm:"not null;default:0" json:"current_step"`
	LastStepSentAt *time.Time `json:"last_step_sent_at"`

	// NextStepDue is nil exactly when status is stopped or completed
	NextStepDue   *time.Time `gorm:"index" json:"next_step_due"`
	StoppedReason string     `json:"stopped_reason"`
}

// SequenceStats aggregates enrollment and delivery counts for one sequence.
type SequenceStats struct {
	ActiveEnrollments    int64 `json:"active_enrollments"`
	PausedEnrollments    int64 `json:"paused_enrollments"`
	StoppedEnrollments   int64 `json:"stopped_enrollments"`
	CompletedEnrollments int64 `json:"completed_enrollments"`
	EmailsSent           int64 `json:"emails_sent"`
}
