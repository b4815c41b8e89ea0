package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/models"
)

// SequenceStore persists sequences, steps and enrollments.
type SequenceStore interface {
	CreateSequence(ctx context.Context, seq *models.Sequence) error
	GetSequence(ctx context.Context, userID, id uint) (*models.Sequence, error)
	GetSequenceByID(ctx context.Context, id uint) (*models.Sequence, error)
	// ReplaceSteps swaps the full step list in one transaction and updates
	// name/description. Steps are edited via full replace, never patched.
	ReplaceSteps(ctx context.Context, seq *models.Sequence, steps []models.SequenceStep) error
	DeleteSequence(ctx context.Context, userID, id uint) error
	SequenceStats(ctx context.Context, sequenceID uint) (*models.SequenceStats, error)

	GetEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.SequenceEnrollment, error)
	GetEnrollmentByID(ctx context.Context, id uint) (*models.SequenceEnrollment, error)
	CreateEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error
	SaveEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.SequenceEnrollment, error)
}

// Enqueuer hands a rendered message to the delivery queue. Implemented by
// DeliveryQueue; enqueue is fire-and-forget from the sequence engine's side.
type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.EmailQueueItem, error)
}

// StepInput is one step definition as supplied by callers.
type StepInput struct {
	Subject    string               `json:"subject" validate:"required"`
	Body       string               `json:"body" validate:"required"`
	DelayDays  int                  `json:"delay_days" validate:"min=0"`
	DelayHours int                  `json:"delay_hours" validate:"min=0"`
	Condition  models.StepCondition `json:"condition"`
}

// SweepResult summarizes one ProcessDueSteps invocation.
type SweepResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// EnrollResult summarizes a batch enrollment.
type EnrollResult struct {
	Enrolled int `json:"enrolled"`
	Failed   int `json:"failed"`
}

// SequenceWithStats pairs a sequence with its aggregate counters.
type SequenceWithStats struct {
	Sequence *models.Sequence      `json:"sequence"`
	Stats    *models.SequenceStats `json:"stats"`
}

// SequenceEngine owns sequence definitions and per-lead enrollments, and
// turns due steps into delivery-queue items.
type SequenceEngine struct {
	store    SequenceStore
	leads    LeadStore
	tracking TrackingStore
	queue    Enqueuer
	logger   *logrus.Logger

	now       func() time.Time
	batchSize int
	report    func(error)
}

// DefaultSweepBatch bounds how many due enrollments one sweep touches when
// no explicit batch size is configured.
const DefaultSweepBatch = 100

func NewSequenceEngine(store SequenceStore, leads LeadStore, tracking TrackingStore, queue Enqueuer, batchSize int, logger *logrus.Logger) *SequenceEngine {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatch
	}
	return &SequenceEngine{
		store:     store,
		leads:     leads,
		tracking:  tracking,
		queue:     queue,
		logger:    logger,
		now:       time.Now,
		batchSize: batchSize,
		report:    reportError,
	}
}

// CreateSequence persists a sequence with steps numbered 1..N in the order
// given. Empty step lists are rejected.
func (e *SequenceEngine) CreateSequence(ctx context.Context, userID uint, name, description string, steps []StepInput) (*models.Sequence, error) {
	if len(steps) == 0 {
		return nil, errors.New("sequence needs at least one step")
	}
	seq := &models.Sequence{
		UserID:      userID,
		Name:        name,
		Description: description,
		Steps:       buildSteps(steps),
	}
	if err := e.store.CreateSequence(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// UpdateSequence replaces the sequence's name, description and full step
// list. Partial step patches are not supported.
func (e *SequenceEngine) UpdateSequence(ctx context.Context, userID, id uint, name, description string, steps []StepInput) (*models.Sequence, error) {
	if len(steps) == 0 {
		return nil, errors.New("sequence needs at least one step")
	}
	seq, err := e.store.GetSequence(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	seq.Name = name
	seq.Description = description
	if err := e.store.ReplaceSteps(ctx, seq, buildSteps(steps)); err != nil {
		return nil, err
	}
	return e.store.GetSequence(ctx, userID, id)
}

// DeleteSequence removes the sequence, its steps and its enrollments.
// Already-queued messages are left alone: a queue item outlives the
// sequence that created it.
func (e *SequenceEngine) DeleteSequence(ctx context.Context, userID, id uint) error {
	return e.store.DeleteSequence(ctx, userID, id)
}

// GetSequenceWithStats returns the sequence plus enrollment/send counters.
func (e *SequenceEngine) GetSequenceWithStats(ctx context.Context, userID, id uint) (*SequenceWithStats, error) {
	seq, err := e.store.GetSequence(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.SequenceStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SequenceWithStats{Sequence: seq, Stats: stats}, nil
}

// EnrollLead is idempotent: an active or paused enrollment is returned
// unchanged, a stopped or completed one is reset to step 0 and due now,
// and a missing one is created active and due now.
func (e *SequenceEngine) EnrollLead(ctx context.Context, sequenceID, leadID uint) (*models.SequenceEnrollment, error) {
	if _, err := e.store.GetSequenceByID(ctx, sequenceID); err != nil {
		return nil, err
	}
	if _, err := e.leads.GetLead(ctx, leadID); err != nil {
		return nil, err
	}

	now := e.now()
	existing, err := e.store.GetEnrollment(ctx, sequenceID, leadID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case models.EnrollmentActive, models.EnrollmentPaused:
			return existing, nil
		default:
			// re-enrollment resets the existing row, no duplicate
			existing.Status = models.EnrollmentActive
			existing.CurrentStep = 0
			existing.LastStepSentAt = nil
			existing.NextStepDue = &now
			existing.StoppedReason = ""
			return existing, e.store.SaveEnrollment(ctx, existing)
		}
	}

	enrollment := &models.SequenceEnrollment{
		SequenceID:  sequenceID,
		LeadID:      leadID,
		Status:      models.EnrollmentActive,
		CurrentStep: 0,
		NextStepDue: &now,
	}
	if err := e.store.CreateEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}
	return enrollment, nil
}

// EnrollLeads enrolls each lead independently; one failure does not abort
// the batch.
func (e *SequenceEngine) EnrollLeads(ctx context.Context, sequenceID uint, leadIDs []uint) EnrollResult {
	result := EnrollResult{}
	for _, leadID := range leadIDs {
		if _, err := e.EnrollLead(ctx, sequenceID, leadID); err != nil {
			result.Failed++
			e.logger.WithFields(logrus.Fields{
				"sequence_id": sequenceID,
				"lead_id":     leadID,
			}).WithError(err).Warn("enrollment failed")
			continue
		}
		result.Enrolled++
	}
	return result
}

// PauseEnrollment suspends an active enrollment.
func (e *SequenceEngine) PauseEnrollment(ctx context.Context, enrollmentID uint) error {
	enrollment, err := e.store.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentActive {
		return ErrInvalidTransition
	}
	enrollment.Status = models.EnrollmentPaused
	return e.store.SaveEnrollment(ctx, enrollment)
}

// ResumeEnrollment reactivates a paused enrollment.
func (e *SequenceEngine) ResumeEnrollment(ctx context.Context, enrollmentID uint) error {
	enrollment, err := e.store.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentPaused {
		return ErrInvalidTransition
	}
	enrollment.Status = models.EnrollmentActive
	if enrollment.NextStepDue == nil {
		now := e.now()
		enrollment.NextStepDue = &now
	}
	return e.store.SaveEnrollment(ctx, enrollment)
}

// StopEnrollment is terminal and records a human-readable reason. Stopping
// an already terminal enrollment is a no-op.
func (e *SequenceEngine) StopEnrollment(ctx context.Context, enrollmentID uint, reason string) error {
	enrollment, err := e.store.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status == models.EnrollmentStopped || enrollment.Status == models.EnrollmentCompleted {
		return nil
	}
	enrollment.Status = models.EnrollmentStopped
	enrollment.NextStepDue = nil
	enrollment.StoppedReason = reason
	return e.store.SaveEnrollment(ctx, enrollment)
}

// ProcessDueSteps is the scheduling sweep: it selects due active
// enrollments, evaluates step conditions and enqueues rendered messages.
// It never returns an error; per-enrollment failures are isolated and only
// aggregate counts reach the caller.
func (e *SequenceEngine) ProcessDueSteps(ctx context.Context) SweepResult {
	result := SweepResult{}

	due, err := e.store.DueEnrollments(ctx, e.now(), e.batchSize)
	if err != nil {
		e.logger.WithError(err).Error("sequence sweep: selecting due enrollments failed")
		return result
	}

	for i := range due {
		result.Processed++
		if err := e.processEnrollment(ctx, &due[i]); err != nil {
			result.Failed++
			e.report(err)
			e.logger.WithFields(logrus.Fields{
				"enrollment_id": due[i].ID,
				"sequence_id":   due[i].SequenceID,
				"lead_id":       due[i].LeadID,
			}).WithError(err).Error("sequence sweep: enrollment failed")
			continue
		}
		result.Succeeded++
	}
	return result
}

func (e *SequenceEngine) processEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing enrollment %d: %v", enrollment.ID, r)
		}
	}()

	seq, err := e.store.GetSequenceByID(ctx, enrollment.SequenceID)
	if err != nil {
		return err
	}

	nextNumber := enrollment.CurrentStep + 1
	step := stepByNumber(seq, nextNumber)
	if step == nil {
		return e.complete(ctx, enrollment)
	}

	last, err := e.tracking.LastSentMessage(ctx, enrollment.LeadID)
	if err != nil {
		return err
	}

	now := e.now()
	if !conditionMet(step.Condition, last) {
		// Skipped: no send, but the step still advances and the delay
		// clock restarts from the skip decision.
		enrollment.CurrentStep = nextNumber
		return e.advance(ctx, enrollment, seq, nextNumber, now)
	}

	lead, err := e.leads.GetLead(ctx, enrollment.LeadID)
	if err != nil {
		return err
	}

	attrs := LeadAttributes(lead)
	leadID := enrollment.LeadID
	sequenceID := enrollment.SequenceID
	if _, err := e.queue.Enqueue(ctx, EnqueueRequest{
		UserID:       seq.UserID,
		LeadID:       &leadID,
		SequenceID:   &sequenceID,
		Recipient:    lead.Email,
		Subject:      RenderTemplate(step.Subject, attrs),
		Body:         RenderTemplate(step.Body, attrs),
		ScheduledFor: now,
		Priority:     models.PrioritySequence,
	}); err != nil {
		return err
	}

	enrollment.CurrentStep = nextNumber
	enrollment.LastStepSentAt = &now
	return e.advance(ctx, enrollment, seq, nextNumber, now)
}

// advance computes the next due time from the step following the one just
// processed, or completes the enrollment when none exists.
func (e *SequenceEngine) advance(ctx context.Context, enrollment *models.SequenceEnrollment, seq *models.Sequence, processed int, at time.Time) error {
	following := stepByNumber(seq, processed+1)
	if following == nil {
		enrollment.Status = models.EnrollmentCompleted
		enrollment.NextStepDue = nil
	} else {
		due := at.Add(following.Delay())
		enrollment.Status = models.EnrollmentActive
		enrollment.NextStepDue = &due
	}
	return e.store.SaveEnrollment(ctx, enrollment)
}

func (e *SequenceEngine) complete(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	enrollment.Status = models.EnrollmentCompleted
	enrollment.NextStepDue = nil
	return e.store.SaveEnrollment(ctx, enrollment)
}

// conditionMet evaluates a step condition against the lead's most recently
// sent message. With no prior message the condition is vacuously true.
func conditionMet(condition models.StepCondition, last *models.EmailTracking) bool {
	if last == nil {
		return true
	}
	switch condition {
	case models.ConditionNoReply:
		return last.RepliedAt == nil
	case models.ConditionNoOpen:
		return last.OpenedAt == nil
	case models.ConditionClicked:
		return last.ClickedAt != nil
	case models.ConditionReplied:
		return last.RepliedAt != nil
	default: // ConditionAlways and anything unrecognized
		return true
	}
}

func stepByNumber(seq *models.Sequence, number int) *models.SequenceStep {
	for i := range seq.Steps {
		if seq.Steps[i].StepNumber == number {
			return &seq.Steps[i]
		}
	}
	return nil
}

func buildSteps(inputs []StepInput) []models.SequenceStep {
	steps := make([]models.SequenceStep, 0, len(inputs))
	for i, input := range inputs {
		condition := input.Condition
		if condition == "" {
			condition = models.ConditionAlways
		}
		steps = append(steps, models.SequenceStep{
			StepNumber: i + 1,
			Subject:    input.Subject,
			Body:       input.Body,
			DelayDays:  input.DelayDays,
			DelayHours: input.DelayHours,
			Condition:  condition,
		})
	}
	return steps
}
