package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore is an in-memory persistence layer shared by the engine tests. It
// implements the same store interfaces the GORM layer does.
type memStore struct {
	mu     sync.Mutex
	nextID uint

	sequences   map[uint]*models.Sequence
	leads       map[uint]*models.Lead
	enrollments map[uint]*models.SequenceEnrollment
	items       map[uint]*models.EmailQueueItem
	tracking    []*models.EmailTracking
	suppression map[string]*models.Unsubscribe
	activities  []*models.LeadActivity
}

func newMemStore() *memStore {
	return &memStore{
		sequences:   make(map[uint]*models.Sequence),
		leads:       make(map[uint]*models.Lead),
		enrollments: make(map[uint]*models.SequenceEnrollment),
		items:       make(map[uint]*models.EmailQueueItem),
		suppression: make(map[string]*models.Unsubscribe),
	}
}

func (m *memStore) id() uint {
	m.nextID++
	return m.nextID
}

func (m *memStore) addLead(lead *models.Lead) *models.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lead.ID == 0 {
		lead.ID = m.id()
	}
	if lead.Status == "" {
		lead.Status = models.LeadActive
	}
	m.leads[lead.ID] = lead
	return lead
}

// ---- SequenceStore ----

func (m *memStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq.ID = m.id()
	m.sequences[seq.ID] = seq
	return nil
}

func (m *memStore) GetSequence(ctx context.Context, userID, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok || seq.UserID != userID {
		return nil, ErrNotFound
	}
	return seq, nil
}

func (m *memStore) GetSequenceByID(ctx context.Context, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	return seq, nil
}

func (m *memStore) ReplaceSteps(ctx context.Context, seq *models.Sequence, steps []models.SequenceStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sequences[seq.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Name = seq.Name
	stored.Description = seq.Description
	stored.Steps = steps
	return nil
}

func (m *memStore) DeleteSequence(ctx context.Context, userID, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok || seq.UserID != userID {
		return ErrNotFound
	}
	delete(m.sequences, id)
	for eid, enrollment := range m.enrollments {
		if enrollment.SequenceID == id {
			delete(m.enrollments, eid)
		}
	}
	return nil
}

func (m *memStore) SequenceStats(ctx context.Context, sequenceID uint) (*models.SequenceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.SequenceStats{}
	for _, enrollment := range m.enrollments {
		if enrollment.SequenceID != sequenceID {
			continue
		}
		switch enrollment.Status {
		case models.EnrollmentActive:
			stats.ActiveEnrollments++
		case models.EnrollmentPaused:
			stats.PausedEnrollments++
		case models.EnrollmentStopped:
			stats.StoppedEnrollments++
		case models.EnrollmentCompleted:
			stats.CompletedEnrollments++
		}
	}
	for _, item := range m.items {
		if item.SequenceID != nil && *item.SequenceID == sequenceID && item.Status == models.QueueSent {
			stats.EmailsSent++
		}
	}
	return stats, nil
}

func (m *memStore) GetEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, enrollment := range m.enrollments {
		if enrollment.SequenceID == sequenceID && enrollment.LeadID == leadID {
			return enrollment, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetEnrollmentByID(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enrollment, ok := m.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return enrollment, nil
}

func (m *memStore) CreateEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	enrollment.ID = m.id()
	m.enrollments[enrollment.ID] = enrollment
	return nil
}

func (m *memStore) SaveEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[enrollment.ID]; !ok {
		return ErrNotFound
	}
	copied := *enrollment
	m.enrollments[enrollment.ID] = &copied
	return nil
}

func (m *memStore) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.SequenceEnrollment
	for _, enrollment := range m.enrollments {
		if enrollment.Status != models.EnrollmentActive || enrollment.NextStepDue == nil {
			continue
		}
		if enrollment.NextStepDue.After(now) {
			continue
		}
		due = append(due, *enrollment)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextStepDue.Before(*due[j].NextStepDue)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ---- EnrollmentStopper ----

func (m *memStore) StopEnrollment(ctx context.Context, sequenceID, leadID uint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, enrollment := range m.enrollments {
		if enrollment.SequenceID != sequenceID || enrollment.LeadID != leadID {
			continue
		}
		if enrollment.Status == models.EnrollmentActive || enrollment.Status == models.EnrollmentPaused {
			enrollment.Status = models.EnrollmentStopped
			enrollment.NextStepDue = nil
			enrollment.StoppedReason = reason
		}
	}
	return nil
}

func (m *memStore) StopActiveEnrollmentsForLeads(ctx context.Context, leadIDs []uint, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[uint]struct{}, len(leadIDs))
	for _, id := range leadIDs {
		wanted[id] = struct{}{}
	}
	var stopped int64
	for _, enrollment := range m.enrollments {
		if _, ok := wanted[enrollment.LeadID]; !ok {
			continue
		}
		if enrollment.Status == models.EnrollmentActive || enrollment.Status == models.EnrollmentPaused {
			enrollment.Status = models.EnrollmentStopped
			enrollment.NextStepDue = nil
			enrollment.StoppedReason = reason
			stopped++
		}
	}
	return stopped, nil
}

// ---- LeadStore ----

func (m *memStore) GetLead(ctx context.Context, id uint) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return lead, nil
}

func (m *memStore) TouchLastContacted(ctx context.Context, id uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return ErrNotFound
	}
	lead.LastContactedAt = &at
	return nil
}

func (m *memStore) AppendActivity(ctx context.Context, activity *models.LeadActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	activity.ID = m.id()
	m.activities = append(m.activities, activity)
	return nil
}

func (m *memStore) MarkUnsubscribed(ctx context.Context, email string) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint
	for _, lead := range m.leads {
		if lead.Email == email && lead.Status != models.LeadUnsubscribed {
			lead.Status = models.LeadUnsubscribed
			ids = append(ids, lead.ID)
		}
	}
	return ids, nil
}

func (m *memStore) RevertUnsubscribed(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lead := range m.leads {
		if lead.Email == email && lead.Status == models.LeadUnsubscribed {
			lead.Status = models.LeadActive
		}
	}
	return nil
}

// ---- TrackingStore ----

func (m *memStore) LastSentMessage(ctx context.Context, leadID uint) (*models.EmailTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *models.EmailTracking
	for _, t := range m.tracking {
		if t.LeadID == nil || *t.LeadID != leadID {
			continue
		}
		if last == nil || t.SentAt.After(last.SentAt) {
			last = t
		}
	}
	return last, nil
}

func (m *memStore) RecordSent(ctx context.Context, tracking *models.EmailTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracking.ID = m.id()
	m.tracking = append(m.tracking, tracking)
	return nil
}

// ---- QueueStore ----

func (m *memStore) CreateItem(ctx context.Context, item *models.EmailQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.id()
	m.items[item.ID] = item
	return nil
}

func (m *memStore) DuePending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.EmailQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.EmailQueueItem
	for _, item := range m.items {
		if item.Status != models.QueuePending {
			continue
		}
		if item.ScheduledFor.After(now) || item.Attempts >= maxAttempts {
			continue
		}
		due = append(due, *item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) SentCountsSince(ctx context.Context, since time.Time) (map[uint]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[uint]int)
	for _, item := range m.items {
		if item.Status == models.QueueSent && item.SentAt != nil && item.SentAt.After(since) {
			counts[item.UserID]++
		}
	}
	return counts, nil
}

func (m *memStore) ClaimSending(ctx context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != models.QueuePending {
		return false, nil
	}
	item.Status = models.QueueSending
	item.Attempts++
	return true, nil
}

func (m *memStore) Reschedule(ctx context.Context, id uint, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != models.QueuePending {
		return fmt.Errorf("item %d not pending", id)
	}
	item.ScheduledFor = to
	return nil
}

func (m *memStore) CancelItem(ctx context.Context, id uint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != models.QueuePending {
		return fmt.Errorf("item %d not pending", id)
	}
	item.Status = models.QueueCancelled
	item.ErrorMessage = reason
	return nil
}

func (m *memStore) MarkSent(ctx context.Context, id uint, at time.Time, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != models.QueueSending {
		return fmt.Errorf("item %d not sending", id)
	}
	item.Status = models.QueueSent
	item.SentAt = &at
	item.ProviderMessageID = providerMessageID
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uint, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != models.QueueSending {
		return fmt.Errorf("item %d not sending", id)
	}
	item.Status = models.QueueFailed
	item.ErrorMessage = errorMessage
	return nil
}

func (m *memStore) ReturnPending(ctx context.Context, id uint, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != models.QueueSending {
		return fmt.Errorf("item %d not sending", id)
	}
	item.Status = models.QueuePending
	item.ErrorMessage = errorMessage
	return nil
}

func (m *memStore) Stats(ctx context.Context, userID uint) (*models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.QueueStats{}
	hourAgo := time.Now().Add(-time.Hour)
	for _, item := range m.items {
		if item.UserID != userID {
			continue
		}
		switch item.Status {
		case models.QueuePending:
			stats.Pending++
		case models.QueueSending:
			stats.Sending++
		case models.QueueSent:
			stats.Sent++
			if item.SentAt != nil && item.SentAt.After(hourAgo) {
				stats.SentLastHour++
			}
		case models.QueueFailed:
			stats.Failed++
		case models.QueueCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *memStore) RetryFailed(ctx context.Context, userID uint, maxAttempts int, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var retried int64
	for _, item := range m.items {
		if item.UserID == userID && item.Status == models.QueueFailed && item.Attempts < maxAttempts {
			item.Status = models.QueuePending
			item.ScheduledFor = now
			retried++
		}
	}
	return retried, nil
}

func (m *memStore) CancelPending(ctx context.Context, userID uint, filters CancelFilters) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cancelled int64
	for _, item := range m.items {
		if item.UserID != userID || item.Status != models.QueuePending {
			continue
		}
		if filters.LeadID != nil && (item.LeadID == nil || *item.LeadID != *filters.LeadID) {
			continue
		}
		if filters.CampaignID != nil && (item.CampaignID == nil || *item.CampaignID != *filters.CampaignID) {
			continue
		}
		if filters.SequenceID != nil && (item.SequenceID == nil || *item.SequenceID != *filters.SequenceID) {
			continue
		}
		item.Status = models.QueueCancelled
		item.ErrorMessage = "cancelled"
		cancelled++
	}
	return cancelled, nil
}

func (m *memStore) CancelPendingByRecipient(ctx context.Context, email, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cancelled int64
	for _, item := range m.items {
		if item.Status == models.QueuePending && item.Recipient == email {
			item.Status = models.QueueCancelled
			item.ErrorMessage = reason
			cancelled++
		}
	}
	return cancelled, nil
}

// ---- SuppressionStore ----

func (m *memStore) Upsert(ctx context.Context, entry *models.Unsubscribe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.suppression[entry.Email]; ok {
		entry.ID = existing.ID
		return nil
	}
	entry.ID = m.id()
	m.suppression[entry.Email] = entry
	return nil
}

func (m *memStore) Exists(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suppression[email]
	return ok, nil
}

func (m *memStore) Remove(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suppression, email)
	return nil
}

// recordingEnqueuer captures enqueue requests for sequence engine tests.
type recordingEnqueuer struct {
	mu       sync.Mutex
	requests []EnqueueRequest
	err      error
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (*models.EmailQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.requests = append(r.requests, req)
	return &models.EmailQueueItem{Recipient: req.Recipient}, nil
}

// fakeSenders is a trivial sender pool.
type fakeSenders struct {
	sender *models.Sender
	err    error
	usage  map[uint]int
}

func newFakeSenders() *fakeSenders {
	return &fakeSenders{
		sender: &models.Sender{FromEmail: "me@example.com", FromName: "Me", DailyLimit: 500},
		usage:  make(map[uint]int),
	}
}

func (f *fakeSenders) SenderFor(ctx context.Context, userID uint) (*models.Sender, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sender, nil
}

func (f *fakeSenders) IncrementUsage(ctx context.Context, senderID uint) error {
	f.usage[senderID]++
	return nil
}

// fakeTransport records sent mail and can be scripted to fail or panic.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []OutboundEmail
	failNext int  // fail this many sends, then succeed
	failAll  bool // every send fails
	panicAll bool // every send panics
}

func (f *fakeTransport) Send(ctx context.Context, sender *models.Sender, email OutboundEmail) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicAll {
		panic("smtp: transport wedged")
	}
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return "", errors.New("smtp: connection refused")
	}
	f.sent = append(f.sent, email)
	return "<" + email.MessageID + "@example.com>", nil
}

// passthroughDecorator leaves bodies untouched.
type passthroughDecorator struct{}

func (passthroughDecorator) Decorate(body, recipient, messageID string) string {
	return body
}

// fakeSuppressor answers suppression checks from a fixed set.
type fakeSuppressor struct {
	suppressed map[string]bool
}

func (f *fakeSuppressor) IsSuppressed(ctx context.Context, email string) (bool, error) {
	return f.suppressed[email], nil
}

// memCache is an in-memory SuppressionCache that counts hits.
type memCache struct {
	mu     sync.Mutex
	values map[string]bool
	hits   int
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string]bool)}
}

func (c *memCache) Get(ctx context.Context, email string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	suppressed, ok := c.values[email]
	if ok {
		c.hits++
	}
	return suppressed, ok
}

func (c *memCache) Set(ctx context.Context, email string, suppressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[email] = suppressed
}

func (c *memCache) Invalidate(ctx context.Context, email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, email)
}
