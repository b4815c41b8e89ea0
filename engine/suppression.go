package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"leadpilot/models"
)

// StopReasonUnsubscribed is recorded on enrollments force-stopped because
// the recipient unsubscribed.
const StopReasonUnsubscribed = "Email unsubscribed"

// SuppressionStore persists the durable suppression list.
type SuppressionStore interface {
	Upsert(ctx context.Context, entry *models.Unsubscribe) error
	Exists(ctx context.Context, email string) (bool, error)
	Remove(ctx context.Context, email string) error
}

// QueueCanceller cancels pending mail to an address; implemented by the
// queue store.
type QueueCanceller interface {
	CancelPendingByRecipient(ctx context.Context, email, reason string) (int64, error)
}

// SuppressionCache is an optional read-through cache in front of the
// durable table. The durable table stays authoritative; the cache only
// short-circuits repeated lookups.
type SuppressionCache interface {
	Get(ctx context.Context, email string) (suppressed, ok bool)
	Set(ctx context.Context, email string, suppressed bool)
	Invalidate(ctx context.Context, email string)
}

// UnsubscribeRequest carries one suppression request.
type UnsubscribeRequest struct {
	Email  string `json:"email" validate:"required"`
	Reason string `json:"reason"`
	Source string `json:"source"` // link, api, import, manual
	UserID *uint  `json:"user_id,omitempty"`
	LeadID *uint  `json:"lead_id,omitempty"`
}

// Gate is the authoritative yes/no check of whether an address may receive
// mail, and owns the side effects of unsubscribing.
type Gate struct {
	store       SuppressionStore
	leads       LeadStore
	enrollments EnrollmentStopper
	queue       QueueCanceller
	cache       SuppressionCache // may be nil
	logger      *logrus.Logger
}

func NewGate(store SuppressionStore, leads LeadStore, enrollments EnrollmentStopper, queue QueueCanceller, cache SuppressionCache, logger *logrus.Logger) *Gate {
	return &Gate{
		store:       store,
		leads:       leads,
		enrollments: enrollments,
		queue:       queue,
		cache:       cache,
		logger:      logger,
	}
}

// Unsubscribe idempotently records the suppression entry and cascades:
// matching leads flip to the unsubscribed status, their active enrollments
// are force-stopped, and pending queue items to the address are cancelled.
// Cascade failures are logged, not surfaced; the durable entry alone is
// enough to block future sends.
func (g *Gate) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return err
	}

	entry := &models.Unsubscribe{
		Email:  email,
		Reason: req.Reason,
		Source: req.Source,
		UserID: req.UserID,
		LeadID: req.LeadID,
	}
	if err := g.store.Upsert(ctx, entry); err != nil {
		return err
	}
	if g.cache != nil {
		g.cache.Set(ctx, email, true)
	}

	leadIDs, err := g.leads.MarkUnsubscribed(ctx, email)
	if err != nil {
		g.logger.WithError(err).WithField("email", email).Error("unsubscribe: lead cascade failed")
	} else if len(leadIDs) > 0 {
		if _, err := g.enrollments.StopActiveEnrollmentsForLeads(ctx, leadIDs, StopReasonUnsubscribed); err != nil {
			g.logger.WithError(err).WithField("email", email).Error("unsubscribe: enrollment cascade failed")
		}
	}

	if _, err := g.queue.CancelPendingByRecipient(ctx, email, "suppressed"); err != nil {
		g.logger.WithError(err).WithField("email", email).Error("unsubscribe: queue cascade failed")
	}

	g.logger.WithFields(logrus.Fields{
		"email":  email,
		"source": req.Source,
	}).Info("recipient unsubscribed")
	return nil
}

// IsSuppressed reports whether the address may not receive mail.
func (g *Gate) IsSuppressed(ctx context.Context, email string) (bool, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return false, err
	}
	if g.cache != nil {
		if suppressed, ok := g.cache.Get(ctx, normalized); ok {
			return suppressed, nil
		}
	}
	suppressed, err := g.store.Exists(ctx, normalized)
	if err != nil {
		return false, err
	}
	if g.cache != nil {
		g.cache.Set(ctx, normalized, suppressed)
	}
	return suppressed, nil
}

// Resubscribe removes the suppression entry and reverts affected leads to a
// neutral status. It is forward-looking only: cancelled queue items and
// stopped enrollments stay as they are.
func (g *Gate) Resubscribe(ctx context.Context, email string) error {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := g.store.Remove(ctx, normalized); err != nil {
		return err
	}
	if g.cache != nil {
		g.cache.Invalidate(ctx, normalized)
	}
	if err := g.leads.RevertUnsubscribed(ctx, normalized); err != nil {
		g.logger.WithError(err).WithField("email", normalized).Error("resubscribe: lead revert failed")
	}
	return nil
}

// BulkImport suppresses a batch of addresses with per-address isolation.
func (g *Gate) BulkImport(ctx context.Context, userID uint, emails []string, source string) (imported, skipped int) {
	if source == "" {
		source = "import"
	}
	owner := userID
	for _, email := range emails {
		err := g.Unsubscribe(ctx, UnsubscribeRequest{
			Email:  email,
			Source: source,
			UserID: &owner,
		})
		if err != nil {
			skipped++
			g.logger.WithError(err).WithField("email", email).Warn("bulk import: address skipped")
			continue
		}
		imported++
	}
	return imported, skipped
}

func normalizeEmail(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if err := checkmail.ValidateFormat(normalized); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", email, err)
	}
	return normalized, nil
}
