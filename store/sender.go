package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"leadpilot/models"
)

// SenderFor selects the owner's active sender with the most remaining daily
// capacity.
func (s *Store) SenderFor(ctx context.Context, userID uint) (*models.Sender, error) {
	var senders []models.Sender
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&senders).Error
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, errors.New("no active senders available")
	}

	var best *models.Sender
	maxAvailable := 0
	for i := range senders {
		available := senders[i].DailyLimit - senders[i].SentToday
		if available > maxAvailable {
			maxAvailable = available
			best = &senders[i]
		}
	}
	if best == nil {
		return nil, errors.New("no senders with available capacity")
	}
	return best, nil
}

func (s *Store) IncrementUsage(ctx context.Context, senderID uint) error {
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + ?", 1),
			"total_sent": gorm.Expr("total_sent + ?", 1),
		}).Error
}

// ResetDailyCounters zeroes sent_today; invoked once per day by the
// dispatch worker.
func (s *Store) ResetDailyCounters(ctx context.Context) error {
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("sent_today > 0").
		Update("sent_today", 0).Error
}

// SendersWithIMAP lists senders the reply worker can poll.
func (s *Store) SendersWithIMAP(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host <> ''", true).
		Find(&senders).Error
	return senders, err
}

func (s *Store) UpdateSenderError(ctx context.Context, senderID uint, message string) {
	s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"last_error": message,
			"last_seen":  time.Now(),
		})
}

func (s *Store) TouchSender(ctx context.Context, senderID uint) {
	s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"last_error": nil,
			"last_seen":  time.Now(),
		})
}
