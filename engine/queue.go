package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leadpilot/models"
)

// QueueStore persists queue items. ClaimSending must be an atomic
// conditional transition (status guard on the UPDATE) so overlapping
// dispatch sweeps cannot both claim one item.
type QueueStore interface {
	CreateItem(ctx context.Context, item *models.EmailQueueItem) error
	// DuePending returns pending items with scheduled_for <= now and
	// attempts < maxAttempts, ordered by priority asc, scheduled_for asc.
	DuePending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.EmailQueueItem, error)
	// SentCountsSince maps owner id to the number of items sent since the
	// given instant.
	SentCountsSince(ctx context.Context, since time.Time) (map[uint]int, error)
	// ClaimSending transitions pending -> sending and increments attempts
	// in one conditional update. Returns false when the item was not
	// pending anymore (lost race or already resolved).
	ClaimSending(ctx context.Context, id uint) (bool, error)
	Reschedule(ctx context.Context, id uint, to time.Time) error
	CancelItem(ctx context.Context, id uint, reason string) error
	MarkSent(ctx context.Context, id uint, at time.Time, providerMessageID string) error
	MarkFailed(ctx context.Context, id uint, errorMessage string) error
	// ReturnPending reverts sending -> pending for a flat, immediately
	// eligible retry.
	ReturnPending(ctx context.Context, id uint, errorMessage string) error
	Stats(ctx context.Context, userID uint) (*models.QueueStats, error)
	RetryFailed(ctx context.Context, userID uint, maxAttempts int, now time.Time) (int64, error)
	CancelPending(ctx context.Context, userID uint, filters CancelFilters) (int64, error)
	CancelPendingByRecipient(ctx context.Context, email, reason string) (int64, error)
}

// CancelFilters optionally scope a bulk cancellation.
type CancelFilters struct {
	LeadID     *uint
	CampaignID *uint
	SequenceID *uint
}

// Suppressor is the delivery queue's view of the suppression gate.
type Suppressor interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// SenderPool resolves sending credentials for an owner.
type SenderPool interface {
	SenderFor(ctx context.Context, userID uint) (*models.Sender, error)
	IncrementUsage(ctx context.Context, senderID uint) error
}

// OutboundEmail is the payload handed to the mail transport.
type OutboundEmail struct {
	To        string
	Subject   string
	Body      string
	MessageID string
}

// MailTransport physically sends mail. Returns the provider message id.
type MailTransport interface {
	Send(ctx context.Context, sender *models.Sender, email OutboundEmail) (string, error)
}

// BodyDecorator appends tracking instrumentation and the unsubscribe footer
// to an outgoing HTML body.
type BodyDecorator interface {
	Decorate(body, recipient, messageID string) string
}

// EnqueueRequest creates one pending queue item.
type EnqueueRequest struct {
	UserID       uint      `json:"user_id" validate:"required"`
	Recipient    string    `json:"recipient" validate:"required"`
	Subject      string    `json:"subject" validate:"required"`
	Body         string    `json:"body" validate:"required"`
	ScheduledFor time.Time `json:"scheduled_for"` // zero value means now
	Priority     int       `json:"priority"`      // zero value means PriorityDefault
	LeadID       *uint     `json:"lead_id,omitempty"`
	CampaignID   *uint     `json:"campaign_id,omitempty"`
	SequenceID   *uint     `json:"sequence_id,omitempty"`
}

// DispatchResult summarizes one Dispatch invocation.
type DispatchResult struct {
	Processed   int `json:"processed"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rate_limited"`
}

// QueueConfig tunes the dispatcher.
type QueueConfig struct {
	MaxAttempts int
	RatePerHour int // sends per owner in the trailing 60 minutes
	BatchSize   int
}

// DefaultQueueConfig mirrors the defaults the dispatcher ships with.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxAttempts: 3, RatePerHour: 50, BatchSize: 100}
}

// DeliveryQueue is the single choke point through which all mail leaves the
// system: it enforces suppression, per-owner rate limits and retries.
type DeliveryQueue struct {
	store       QueueStore
	leads       LeadStore
	tracking    TrackingStore
	gate        Suppressor
	senders     SenderPool
	transport   MailTransport
	decorator   BodyDecorator
	enrollments EnrollmentStopper
	logger      *logrus.Logger

	cfg    QueueConfig
	now    func() time.Time
	report func(error)
}

func NewDeliveryQueue(
	store QueueStore,
	leads LeadStore,
	tracking TrackingStore,
	gate Suppressor,
	senders SenderPool,
	transport MailTransport,
	decorator BodyDecorator,
	enrollments EnrollmentStopper,
	cfg QueueConfig,
	logger *logrus.Logger,
) *DeliveryQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RatePerHour <= 0 {
		cfg.RatePerHour = 50
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &DeliveryQueue{
		store:       store,
		leads:       leads,
		tracking:    tracking,
		gate:        gate,
		senders:     senders,
		transport:   transport,
		decorator:   decorator,
		enrollments: enrollments,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		report:      reportError,
	}
}

// Enqueue creates a pending queue item. ScheduledFor defaults to now and
// priority to the neutral mid-value.
func (q *DeliveryQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.EmailQueueItem, error) {
	recipient := strings.ToLower(strings.TrimSpace(req.Recipient))
	if err := checkmail.ValidateFormat(recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", req.Recipient, err)
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = q.now()
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.PriorityDefault
	}

	item := &models.EmailQueueItem{
		UserID:       req.UserID,
		LeadID:       req.LeadID,
		CampaignID:   req.CampaignID,
		SequenceID:   req.SequenceID,
		Recipient:    recipient,
		Subject:      req.Subject,
		Body:         req.Body,
		ScheduledFor: scheduledFor,
		Priority:     priority,
		Status:       models.QueuePending,
	}
	if err := q.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

type dispatchOutcome int

const (
	outcomeSent dispatchOutcome = iota
	outcomeFailed
	outcomeRateLimited
	outcomeCancelled
	outcomeSkipped
)

// Dispatch drains due pending items: rate-limit check, suppression check,
// atomic claim, send, bookkeeping. It never returns an error; a sweep
// always produces a summary so the external scheduler cannot be starved by
// one bad record.
func (q *DeliveryQueue) Dispatch(ctx context.Context) DispatchResult {
	result := DispatchResult{}
	now := q.now()

	// The rate window is rebuilt from durable sent history every sweep;
	// it is never cached across invocations.
	sentCounts, err := q.store.SentCountsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		q.logger.WithError(err).Error("dispatch: rate window query failed")
		return result
	}

	items, err := q.store.DuePending(ctx, now, q.cfg.MaxAttempts, q.cfg.BatchSize)
	if err != nil {
		q.logger.WithError(err).Error("dispatch: selecting due items failed")
		return result
	}

	for i := range items {
		result.Processed++
		switch q.dispatchOne(ctx, &items[i], sentCounts) {
		case outcomeSent:
			result.Sent++
		case outcomeFailed:
			result.Failed++
		case outcomeRateLimited:
			result.RateLimited++
		}
	}
	return result
}

func (q *DeliveryQueue) dispatchOne(ctx context.Context, item *models.EmailQueueItem, sentCounts map[uint]int) (outcome dispatchOutcome) {
	claimed := false
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("item_id", item.ID).Errorf("dispatch: panic: %v", r)
			err := fmt.Errorf("dispatch item %d: panic: %v", item.ID, r)
			q.report(err)
			if claimed {
				// The item was already transitioned to sending; leave it
				// retryable or terminal, never stranded mid-claim.
				outcome = q.sendFailed(ctx, item, err)
				return
			}
			outcome = outcomeFailed
		}
	}()

	// Rate deferral is a scheduling decision, not an error: push the item
	// out an hour without touching attempts.
	if sentCounts[item.UserID] >= q.cfg.RatePerHour {
		if err := q.store.Reschedule(ctx, item.ID, q.now().Add(time.Hour)); err != nil {
			q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: reschedule failed")
		}
		return outcomeRateLimited
	}

	// Suppression is checked before every send attempt, sequence or ad hoc.
	suppressed, err := q.gate.IsSuppressed(ctx, item.Recipient)
	if err != nil {
		q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: suppression check failed")
		return outcomeSkipped
	}
	if suppressed {
		if err := q.store.CancelItem(ctx, item.ID, "suppressed"); err != nil {
			q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: cancel failed")
			return outcomeSkipped
		}
		if item.SequenceID != nil && item.LeadID != nil {
			if err := q.enrollments.StopEnrollment(ctx, *item.SequenceID, *item.LeadID, StopReasonUnsubscribed); err != nil {
				q.logger.WithError(err).WithFields(logrus.Fields{
					"sequence_id": *item.SequenceID,
					"lead_id":     *item.LeadID,
				}).Error("dispatch: stopping enrollment failed")
			}
		}
		return outcomeCancelled
	}

	ok, err := q.store.ClaimSending(ctx, item.ID)
	if err != nil {
		q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: claim failed")
		return outcomeSkipped
	}
	if !ok {
		// A concurrent sweep got there first.
		return outcomeSkipped
	}
	claimed = true
	item.Attempts++

	sender, err := q.senders.SenderFor(ctx, item.UserID)
	if err != nil {
		return q.sendFailed(ctx, item, err)
	}

	messageID := uuid.New().String()
	body := q.decorator.Decorate(item.Body, item.Recipient, messageID)

	providerID, err := q.transport.Send(ctx, sender, OutboundEmail{
		To:        item.Recipient,
		Subject:   item.Subject,
		Body:      body,
		MessageID: messageID,
	})
	if err != nil {
		return q.sendFailed(ctx, item, err)
	}
	if providerID == "" {
		providerID = messageID
	}

	sentAt := q.now()
	if err := q.store.MarkSent(ctx, item.ID, sentAt, providerID); err != nil {
		q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: marking sent failed")
	}
	if err := q.tracking.RecordSent(ctx, &models.EmailTracking{
		UserID:    item.UserID,
		LeadID:    item.LeadID,
		Recipient: item.Recipient,
		Subject:   item.Subject,
		MessageID: messageID,
		SentAt:    sentAt,
	}); err != nil {
		q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: recording tracking failed")
	}
	if item.LeadID != nil {
		if err := q.leads.TouchLastContacted(ctx, *item.LeadID, sentAt); err != nil {
			q.logger.WithError(err).WithField("lead_id", *item.LeadID).Warn("dispatch: updating lead failed")
		}
		if err := q.leads.AppendActivity(ctx, &models.LeadActivity{
			LeadID:       *item.LeadID,
			UserID:       item.UserID,
			SequenceID:   item.SequenceID,
			ActivityType: "sent",
			ActivityAt:   sentAt,
			Details:      item.Subject,
		}); err != nil {
			q.logger.WithError(err).WithField("lead_id", *item.LeadID).Warn("dispatch: recording activity failed")
		}
	}
	if err := q.senders.IncrementUsage(ctx, sender.ID); err != nil {
		q.logger.WithError(err).WithField("sender_id", sender.ID).Warn("dispatch: sender usage update failed")
	}

	// Later items in this same batch must see the updated count.
	sentCounts[item.UserID]++
	return outcomeSent
}

// sendFailed records the error and either retries flat (no backoff) or
// marks the item terminally failed once attempts are exhausted.
func (q *DeliveryQueue) sendFailed(ctx context.Context, item *models.EmailQueueItem, sendErr error) dispatchOutcome {
	q.logger.WithError(sendErr).WithFields(logrus.Fields{
		"item_id":  item.ID,
		"attempts": item.Attempts,
	}).Warn("dispatch: send failed")

	if item.Attempts >= q.cfg.MaxAttempts {
		q.report(fmt.Errorf("dispatch item %d: attempts exhausted: %w", item.ID, sendErr))
		if err := q.store.MarkFailed(ctx, item.ID, sendErr.Error()); err != nil {
			q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: marking failed failed")
		}
	} else {
		if err := q.store.ReturnPending(ctx, item.ID, sendErr.Error()); err != nil {
			q.logger.WithError(err).WithField("item_id", item.ID).Error("dispatch: returning to pending failed")
		}
	}
	return outcomeFailed
}

// GetQueueStats returns one owner's queue summary.
func (q *DeliveryQueue) GetQueueStats(ctx context.Context, userID uint) (*models.QueueStats, error) {
	return q.store.Stats(ctx, userID)
}

// RetryFailed returns failed items with remaining attempts to pending,
// due immediately.
func (q *DeliveryQueue) RetryFailed(ctx context.Context, userID uint) (int64, error) {
	return q.store.RetryFailed(ctx, userID, q.cfg.MaxAttempts, q.now())
}

// CancelPending cancels pending items, optionally scoped by lead, campaign
// or sequence.
func (q *DeliveryQueue) CancelPending(ctx context.Context, userID uint, filters CancelFilters) (int64, error) {
	return q.store.CancelPending(ctx, userID, filters)
}
