package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"leadpilot/models"
)

func (s *Store) Upsert(ctx context.Context, entry *models.Unsubscribe) error {
	var existing models.Unsubscribe
	err := s.db.WithContext(ctx).Where("email = ?", entry.Email).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(entry).Error
	}
	if err != nil {
		return err
	}
	// Already suppressed; unsubscribe is idempotent.
	entry.ID = existing.ID
	return nil
}

func (s *Store) Exists(ctx context.Context, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Unsubscribe{}).
		Where("email = ?", email).
		Count(&count).Error
	return count > 0, err
}

// Remove hard-deletes so the address can be suppressed again later without
// tripping the unique index on a soft-deleted row.
func (s *Store) Remove(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Unscoped().
		Where("email = ?", email).
		Delete(&models.Unsubscribe{}).Error
}
