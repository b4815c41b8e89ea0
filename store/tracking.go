package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"leadpilot/models"
)

func (s *Store) LastSentMessage(ctx context.Context, leadID uint) (*models.EmailTracking, error) {
	var tracking models.EmailTracking
	err := s.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("sent_at DESC").
		First(&tracking).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tracking, nil
}

func (s *Store) RecordSent(ctx context.Context, tracking *models.EmailTracking) error {
	return s.db.WithContext(ctx).Create(tracking).Error
}

func (s *Store) GetByMessageID(ctx context.Context, messageID string) (*models.EmailTracking, error) {
	var tracking models.EmailTracking
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&tracking).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &tracking, nil
}

// RecordOpen stamps the first open and counts every one.
func (s *Store) RecordOpen(ctx context.Context, messageID string, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmailTracking{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"opened_at":  gorm.Expr("COALESCE(opened_at, ?)", at),
			"open_count": gorm.Expr("open_count + 1"),
		})
	return tx.RowsAffected > 0, tx.Error
}

// RecordClick stamps the first click and counts every one. A click implies
// an open.
func (s *Store) RecordClick(ctx context.Context, messageID string, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmailTracking{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"clicked_at":  gorm.Expr("COALESCE(clicked_at, ?)", at),
			"click_count": gorm.Expr("click_count + 1"),
			"opened_at":   gorm.Expr("COALESCE(opened_at, ?)", at),
		})
	return tx.RowsAffected > 0, tx.Error
}

// MarkReplied stamps the reply time for the message the reply references.
func (s *Store) MarkReplied(ctx context.Context, messageID string, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&models.EmailTracking{}).
		Where("message_id = ? AND replied_at IS NULL", messageID).
		Update("replied_at", at)
	return tx.RowsAffected > 0, tx.Error
}
