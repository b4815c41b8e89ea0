package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpilot/models"
)

type queueHarness struct {
	queue      *DeliveryQueue
	store      *memStore
	senders    *fakeSenders
	transport  *fakeTransport
	suppressor *fakeSuppressor
}

func newTestQueue(t *testing.T, cfg QueueConfig) *queueHarness {
	t.Helper()
	store := newMemStore()
	senders := newFakeSenders()
	transport := &fakeTransport{}
	suppressor := &fakeSuppressor{suppressed: make(map[string]bool)}
	queue := NewDeliveryQueue(
		store, store, store,
		suppressor,
		senders,
		transport,
		passthroughDecorator{},
		store,
		cfg,
		testLogger(),
	)
	return &queueHarness{
		queue:      queue,
		store:      store,
		senders:    senders,
		transport:  transport,
		suppressor: suppressor,
	}
}

func (h *queueHarness) freeze(at time.Time) {
	h.queue.now = func() time.Time { return at }
}

func (h *queueHarness) enqueue(t *testing.T, req EnqueueRequest) *models.EmailQueueItem {
	t.Helper()
	item, err := h.queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return item
}

func (h *queueHarness) item(id uint) *models.EmailQueueItem {
	return h.store.items[id]
}

func TestEnqueueDefaultsAndNormalization(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	item := h.enqueue(t, EnqueueRequest{
		UserID:    1,
		Recipient: "  Jane@Acme.COM ",
		Subject:   "Hi",
		Body:      "Hello",
	})

	assert.Equal(t, "jane@acme.com", item.Recipient)
	assert.Equal(t, models.QueuePending, item.Status)
	assert.Equal(t, models.PriorityDefault, item.Priority)
	assert.True(t, item.ScheduledFor.Equal(now))
	assert.Equal(t, 0, item.Attempts)
}

func TestEnqueueRejectsInvalidRecipient(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())

	_, err := h.queue.Enqueue(context.Background(), EnqueueRequest{
		UserID:    1,
		Recipient: "not-an-address",
		Subject:   "Hi",
		Body:      "Hello",
	})
	assert.Error(t, err)
	assert.Empty(t, h.store.items)
}

func TestDispatchSendsDueItem(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	lead := h.store.addLead(&models.Lead{UserID: 1, Email: "jane@acme.com"})
	leadID := lead.ID
	item := h.enqueue(t, EnqueueRequest{
		UserID:    1,
		LeadID:    &leadID,
		Recipient: "jane@acme.com",
		Subject:   "Hi",
		Body:      "Hello",
	})

	result := h.queue.Dispatch(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, Sent: 1}, result)

	stored := h.item(item.ID)
	assert.Equal(t, models.QueueSent, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.SentAt)
	assert.NotEmpty(t, stored.ProviderMessageID)

	require.Len(t, h.transport.sent, 1)
	assert.Equal(t, "jane@acme.com", h.transport.sent[0].To)

	// durable side effects: tracking row, lead touch, activity, sender usage
	require.Len(t, h.store.tracking, 1)
	assert.Equal(t, "jane@acme.com", h.store.tracking[0].Recipient)
	assert.NotNil(t, lead.LastContactedAt)
	require.Len(t, h.store.activities, 1)
	assert.Equal(t, "sent", h.store.activities[0].ActivityType)
	assert.Equal(t, 1, h.senders.usage[h.senders.sender.ID])
}

func TestDispatchOrdersByPriorityThenSchedule(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "late@acme.com", Subject: "s", Body: "b",
		Priority: models.PriorityDefault, ScheduledFor: now.Add(-time.Minute),
	})
	h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "urgent@acme.com", Subject: "s", Body: "b",
		Priority: models.PriorityHigh, ScheduledFor: now,
	})
	h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "early@acme.com", Subject: "s", Body: "b",
		Priority: models.PriorityDefault, ScheduledFor: now.Add(-time.Hour),
	})

	h.queue.Dispatch(context.Background())

	require.Len(t, h.transport.sent, 3)
	assert.Equal(t, "urgent@acme.com", h.transport.sent[0].To)
	assert.Equal(t, "early@acme.com", h.transport.sent[1].To)
	assert.Equal(t, "late@acme.com", h.transport.sent[2].To)
}

func TestDispatchLeavesFutureItems(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "jane@acme.com", Subject: "s", Body: "b",
		ScheduledFor: now.Add(time.Hour),
	})

	result := h.queue.Dispatch(context.Background())
	assert.Equal(t, DispatchResult{}, result)
	assert.Equal(t, models.QueuePending, h.item(item.ID).Status)
}

func TestDispatchRateLimitDefersWithoutAttempts(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RatePerHour = 2
	h := newTestQueue(t, cfg)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	// two sends already on the books inside the trailing hour
	for i := 0; i < 2; i++ {
		sentAt := now.Add(-30 * time.Minute)
		h.store.items[uint(100+i)] = &models.EmailQueueItem{
			UserID: 1, Recipient: "old@acme.com", Status: models.QueueSent, SentAt: &sentAt,
		}
		h.store.items[uint(100+i)].ID = uint(100 + i)
	}

	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "jane@acme.com", Subject: "s", Body: "b",
	})

	result := h.queue.Dispatch(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, RateLimited: 1}, result)

	stored := h.item(item.ID)
	assert.Equal(t, models.QueuePending, stored.Status)
	assert.Equal(t, 0, stored.Attempts, "rate deferral is not an attempt")
	assert.True(t, stored.ScheduledFor.Equal(now.Add(time.Hour)))
	assert.Empty(t, h.transport.sent)
}

func TestDispatchRateLimitCountsSendsWithinSweep(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RatePerHour = 1
	h := newTestQueue(t, cfg)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "first@acme.com", Subject: "s", Body: "b",
		Priority: models.PriorityHigh,
	})
	h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "second@acme.com", Subject: "s", Body: "b",
	})

	result := h.queue.Dispatch(context.Background())
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.RateLimited, "second item must see the first send")
	require.Len(t, h.transport.sent, 1)
	assert.Equal(t, "first@acme.com", h.transport.sent[0].To)
}

func TestDispatchRateLimitIsPerOwner(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RatePerHour = 1
	h := newTestQueue(t, cfg)

	h.enqueue(t, EnqueueRequest{UserID: 1, Recipient: "a@acme.com", Subject: "s", Body: "b"})
	h.enqueue(t, EnqueueRequest{UserID: 2, Recipient: "b@acme.com", Subject: "s", Body: "b"})

	result := h.queue.Dispatch(context.Background())
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 0, result.RateLimited)
}

func TestDispatchCancelsSuppressedAndStopsEnrollment(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()

	lead := h.store.addLead(&models.Lead{UserID: 1, Email: "jane@acme.com"})
	leadID := lead.ID
	sequenceID := uint(42)
	require.NoError(t, h.store.CreateEnrollment(ctx, &models.SequenceEnrollment{
		SequenceID: sequenceID,
		LeadID:     leadID,
		Status:     models.EnrollmentActive,
	}))

	h.suppressor.suppressed["jane@acme.com"] = true
	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, LeadID: &leadID, SequenceID: &sequenceID,
		Recipient: "jane@acme.com", Subject: "s", Body: "b",
	})

	result := h.queue.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Processed: 1}, result)

	stored := h.item(item.ID)
	assert.Equal(t, models.QueueCancelled, stored.Status)
	assert.Equal(t, "suppressed", stored.ErrorMessage)
	assert.Equal(t, 0, stored.Attempts, "suppression cancel happens before the claim")
	assert.Empty(t, h.transport.sent)

	enrollment, err := h.store.GetEnrollment(ctx, sequenceID, leadID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStopped, enrollment.Status)
	assert.Equal(t, StopReasonUnsubscribed, enrollment.StoppedReason)
}

func TestDispatchFlatRetryThenTerminalFailure(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()
	h.transport.failAll = true

	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "jane@acme.com", Subject: "s", Body: "b",
	})

	for attempt := 1; attempt <= 2; attempt++ {
		result := h.queue.Dispatch(ctx)
		assert.Equal(t, 1, result.Failed)
		stored := h.item(item.ID)
		assert.Equal(t, models.QueuePending, stored.Status, "non-final failure returns to pending")
		assert.Equal(t, attempt, stored.Attempts)
		assert.NotEmpty(t, stored.ErrorMessage)
	}

	result := h.queue.Dispatch(ctx)
	assert.Equal(t, 1, result.Failed)
	stored := h.item(item.ID)
	assert.Equal(t, models.QueueFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	// exhausted items never come back
	result = h.queue.Dispatch(ctx)
	assert.Equal(t, DispatchResult{}, result)
}

func TestDispatchPanicAfterClaimStaysRetryable(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()
	h.transport.panicAll = true

	var reported []error
	h.queue.report = func(err error) { reported = append(reported, err) }

	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "jane@acme.com", Subject: "s", Body: "b",
	})

	for attempt := 1; attempt <= 2; attempt++ {
		result := h.queue.Dispatch(ctx)
		assert.Equal(t, 1, result.Failed)
		stored := h.item(item.ID)
		assert.Equal(t, models.QueuePending, stored.Status, "a panic mid-send must not strand the item in sending")
		assert.Equal(t, attempt, stored.Attempts)
		assert.NotEmpty(t, stored.ErrorMessage)
	}

	result := h.queue.Dispatch(ctx)
	assert.Equal(t, 1, result.Failed)
	stored := h.item(item.ID)
	assert.Equal(t, models.QueueFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.NotEmpty(t, reported)

	// nothing left to pick up
	result = h.queue.Dispatch(ctx)
	assert.Equal(t, DispatchResult{}, result)
}

func TestDispatchRecoversAfterTransientFailure(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()
	h.transport.failNext = 1

	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "jane@acme.com", Subject: "s", Body: "b",
	})

	h.queue.Dispatch(ctx)
	assert.Equal(t, models.QueuePending, h.item(item.ID).Status)

	h.queue.Dispatch(ctx)
	stored := h.item(item.ID)
	assert.Equal(t, models.QueueSent, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestDispatchLostClaimIsSkipped(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()

	item := h.enqueue(t, EnqueueRequest{
		UserID: 1, Recipient: "jane@acme.com", Subject: "s", Body: "b",
	})

	// A concurrent sweep resolved the item between the snapshot and the claim.
	stale := *h.item(item.ID)
	h.item(item.ID).Status = models.QueueCancelled

	outcome := h.queue.dispatchOne(ctx, &stale, map[uint]int{})
	assert.Equal(t, outcomeSkipped, outcome)
	assert.Empty(t, h.transport.sent)
	assert.Equal(t, models.QueueCancelled, h.item(item.ID).Status)
}

func TestRetryFailedRespectsAttemptBudget(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.freeze(now)

	exhausted := h.enqueue(t, EnqueueRequest{UserID: 1, Recipient: "a@acme.com", Subject: "s", Body: "b"})
	retryable := h.enqueue(t, EnqueueRequest{UserID: 1, Recipient: "b@acme.com", Subject: "s", Body: "b"})
	h.item(exhausted.ID).Status = models.QueueFailed
	h.item(exhausted.ID).Attempts = 3
	h.item(retryable.ID).Status = models.QueueFailed
	h.item(retryable.ID).Attempts = 2

	retried, err := h.queue.RetryFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retried)
	assert.Equal(t, models.QueuePending, h.item(retryable.ID).Status)
	assert.True(t, h.item(retryable.ID).ScheduledFor.Equal(now))
	assert.Equal(t, models.QueueFailed, h.item(exhausted.ID).Status)
}

func TestCancelPendingScopedBySequence(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()

	seqA, seqB := uint(1), uint(2)
	inA := h.enqueue(t, EnqueueRequest{UserID: 1, SequenceID: &seqA, Recipient: "a@acme.com", Subject: "s", Body: "b"})
	inB := h.enqueue(t, EnqueueRequest{UserID: 1, SequenceID: &seqB, Recipient: "b@acme.com", Subject: "s", Body: "b"})

	cancelled, err := h.queue.CancelPending(ctx, 1, CancelFilters{SequenceID: &seqA})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)
	assert.Equal(t, models.QueueCancelled, h.item(inA.ID).Status)
	assert.Equal(t, models.QueuePending, h.item(inB.ID).Status)
}

func TestGetQueueStats(t *testing.T) {
	h := newTestQueue(t, DefaultQueueConfig())
	ctx := context.Background()

	h.enqueue(t, EnqueueRequest{UserID: 1, Recipient: "a@acme.com", Subject: "s", Body: "b"})
	sent := h.enqueue(t, EnqueueRequest{UserID: 1, Recipient: "b@acme.com", Subject: "s", Body: "b"})
	sentAt := time.Now()
	h.item(sent.ID).Status = models.QueueSent
	h.item(sent.ID).SentAt = &sentAt

	stats, err := h.queue.GetQueueStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.SentLastHour)
}
