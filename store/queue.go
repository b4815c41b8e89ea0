package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"leadpilot/engine"
	"leadpilot/models"
)

func (s *Store) CreateItem(ctx context.Context, item *models.EmailQueueItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) DuePending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.EmailQueueItem, error) {
	var items []models.EmailQueueItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ? AND attempts < ?", models.QueuePending, now, maxAttempts).
		Order("priority ASC, scheduled_for ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *Store) SentCountsSince(ctx context.Context, since time.Time) (map[uint]int, error) {
	rows := []struct {
		UserID uint
		Count  int
	}{}
	err := s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Select("user_id, COUNT(*) as count").
		Where("status = ? AND sent_at >= ?", models.QueueSent, since).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uint]int, len(rows))
	for _, row := range rows {
		counts[row.UserID] = row.Count
	}
	return counts, nil
}

// ClaimSending is the atomic claim: the status guard in the WHERE clause
// makes the pending -> sending transition a compare-and-swap, so two
// overlapping dispatch sweeps cannot both claim one item.
func (s *Store) ClaimSending(ctx context.Context, id uint) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueuePending).
		Updates(map[string]interface{}{
			"status":   models.QueueSending,
			"attempts": gorm.Expr("attempts + 1"),
		})
	return tx.RowsAffected == 1, tx.Error
}

func (s *Store) Reschedule(ctx context.Context, id uint, to time.Time) error {
	return s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueuePending).
		Update("scheduled_for", to).Error
}

func (s *Store) CancelItem(ctx context.Context, id uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueuePending).
		Updates(map[string]interface{}{
			"status":        models.QueueCancelled,
			"error_message": reason,
		}).Error
}

func (s *Store) MarkSent(ctx context.Context, id uint, at time.Time, providerMessageID string) error {
	return s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueSending).
		Updates(map[string]interface{}{
			"status":              models.QueueSent,
			"sent_at":             at,
			"provider_message_id": providerMessageID,
			"error_message":       "",
		}).Error
}

func (s *Store) MarkFailed(ctx context.Context, id uint, errorMessage string) error {
	return s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueSending).
		Updates(map[string]interface{}{
			"status":        models.QueueFailed,
			"error_message": errorMessage,
		}).Error
}

func (s *Store) ReturnPending(ctx context.Context, id uint, errorMessage string) error {
	return s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueSending).
		Updates(map[string]interface{}{
			"status":        models.QueuePending,
			"error_message": errorMessage,
		}).Error
}

func (s *Store) Stats(ctx context.Context, userID uint) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	rows := []struct {
		Status models.QueueStatus
		Count  int64
	}{}
	err := s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Select("status, COUNT(*) as count").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		switch row.Status {
		case models.QueuePending:
			stats.Pending = row.Count
		case models.QueueSending:
			stats.Sending = row.Count
		case models.QueueSent:
			stats.Sent = row.Count
		case models.QueueFailed:
			stats.Failed = row.Count
		case models.QueueCancelled:
			stats.Cancelled = row.Count
		}
	}
	err = s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("user_id = ? AND status = ? AND sent_at >= ?", userID, models.QueueSent, time.Now().Add(-time.Hour)).
		Count(&stats.SentLastHour).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) RetryFailed(ctx context.Context, userID uint, maxAttempts int, now time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("user_id = ? AND status = ? AND attempts < ?", userID, models.QueueFailed, maxAttempts).
		Updates(map[string]interface{}{
			"status":        models.QueuePending,
			"scheduled_for": now,
		})
	return tx.RowsAffected, tx.Error
}

func (s *Store) CancelPending(ctx context.Context, userID uint, filters engine.CancelFilters) (int64, error) {
	query := s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("user_id = ? AND status = ?", userID, models.QueuePending)
	if filters.LeadID != nil {
		query = query.Where("lead_id = ?", *filters.LeadID)
	}
	if filters.CampaignID != nil {
		query = query.Where("campaign_id = ?", *filters.CampaignID)
	}
	if filters.SequenceID != nil {
		query = query.Where("sequence_id = ?", *filters.SequenceID)
	}
	tx := query.Updates(map[string]interface{}{
		"status":        models.QueueCancelled,
		"error_message": "cancelled",
	})
	return tx.RowsAffected, tx.Error
}

func (s *Store) CancelPendingByRecipient(ctx context.Context, email, reason string) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("recipient = ? AND status = ?", email, models.QueuePending).
		Updates(map[string]interface{}{
			"status":        models.QueueCancelled,
			"error_message": reason,
		})
	return tx.RowsAffected, tx.Error
}
