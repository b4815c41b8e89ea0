package store

import (
	"context"
	"time"

	"leadpilot/models"
)

func (s *Store) GetLead(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := s.db.WithContext(ctx).First(&lead, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &lead, nil
}

func (s *Store) TouchLastContacted(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", id).
		Update("last_contacted_at", at).Error
}

func (s *Store) AppendActivity(ctx context.Context, activity *models.LeadActivity) error {
	return s.db.WithContext(ctx).Create(activity).Error
}

func (s *Store) MarkUnsubscribed(ctx context.Context, email string) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("email = ? AND status <> ?", email, models.LeadUnsubscribed).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id IN ?", ids).
		Update("status", models.LeadUnsubscribed).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) RevertUnsubscribed(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("email = ? AND status = ?", email, models.LeadUnsubscribed).
		Update("status", models.LeadActive).Error
}
