package engine

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"

	"leadpilot/models"
)

// ErrNotFound is returned when a referenced sequence, lead or enrollment
// does not exist. Store implementations map their own not-found errors to it.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned for illegal enrollment status changes.
var ErrInvalidTransition = errors.New("invalid status transition")

// reportError forwards sweep-level failures to the error tracker. Capture is
// a no-op when sentry was not initialized.
func reportError(err error) {
	sentry.CaptureException(err)
}

// LeadStore is the engine's view of the lead collection.
type LeadStore interface {
	GetLead(ctx context.Context, id uint) (*models.Lead, error)
	TouchLastContacted(ctx context.Context, id uint, at time.Time) error
	AppendActivity(ctx context.Context, activity *models.LeadActivity) error

	// MarkUnsubscribed flips every lead with the given address to the
	// unsubscribed status and returns the affected lead ids.
	MarkUnsubscribed(ctx context.Context, email string) ([]uint, error)
	RevertUnsubscribed(ctx context.Context, email string) error
}

// TrackingStore reads and writes per-message engagement records.
type TrackingStore interface {
	// LastSentMessage returns the lead's most recently sent message, or
	// (nil, nil) when the lead has never been mailed.
	LastSentMessage(ctx context.Context, leadID uint) (*models.EmailTracking, error)
	RecordSent(ctx context.Context, tracking *models.EmailTracking) error
}

// EnrollmentStopper force-stops enrollments; used by the delivery queue and
// the suppression gate when a recipient unsubscribes.
type EnrollmentStopper interface {
	StopEnrollment(ctx context.Context, sequenceID, leadID uint, reason string) error
	StopActiveEnrollmentsForLeads(ctx context.Context, leadIDs []uint, reason string) (int64, error)
}
