package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"leadpilot/models"
)

func (s *Store) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	return s.db.WithContext(ctx).Create(seq).Error
}

func (s *Store) GetSequence(ctx context.Context, userID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Where("id = ? AND user_id = ?", id, userID).
		First(&seq).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &seq, nil
}

func (s *Store) GetSequenceByID(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		First(&seq, id).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &seq, nil
}

func (s *Store) ReplaceSteps(ctx context.Context, seq *models.Sequence, steps []models.SequenceStep) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", seq.ID).Unscoped().Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		for i := range steps {
			steps[i].SequenceID = seq.ID
		}
		if err := tx.Create(&steps).Error; err != nil {
			return err
		}
		return tx.Model(&models.Sequence{}).Where("id = ?", seq.ID).
			Updates(map[string]interface{}{
				"name":        seq.Name,
				"description": seq.Description,
			}).Error
	})
}

// DeleteSequence cascades to steps and enrollments. Queue items keep their
// sequence back-reference and are not cancelled.
func (s *Store) DeleteSequence(ctx context.Context, userID, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.Sequence
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&seq).Error; err != nil {
			return wrapNotFound(err)
		}
		if err := tx.Where("sequence_id = ?", id).Delete(&models.SequenceEnrollment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("sequence_id = ?", id).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(&seq).Error
	})
}

func (s *Store) SequenceStats(ctx context.Context, sequenceID uint) (*models.SequenceStats, error) {
	stats := &models.SequenceStats{}
	counts := []struct {
		Status models.EnrollmentStatus
		Count  int64
	}{}
	err := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Select("status, COUNT(*) as count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		switch c.Status {
		case models.EnrollmentActive:
			stats.ActiveEnrollments = c.Count
		case models.EnrollmentPaused:
			stats.PausedEnrollments = c.Count
		case models.EnrollmentStopped:
			stats.StoppedEnrollments = c.Count
		case models.EnrollmentCompleted:
			stats.CompletedEnrollments = c.Count
		}
	}
	err = s.db.WithContext(ctx).Model(&models.EmailQueueItem{}).
		Where("sequence_id = ? AND status = ?", sequenceID, models.QueueSent).
		Count(&stats.EmailsSent).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) GetEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).
		First(&enrollment).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &enrollment, nil
}

func (s *Store) GetEnrollmentByID(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	if err := s.db.WithContext(ctx).First(&enrollment, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &enrollment, nil
}

func (s *Store) CreateEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	return s.db.WithContext(ctx).Create(enrollment).Error
}

func (s *Store) SaveEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	// Save with Select so nil NextStepDue actually clears the column
	return s.db.WithContext(ctx).Model(enrollment).
		Select("status", "current_step", "last_step_sent_at", "next_step_due", "stopped_reason").
		Updates(map[string]interface{}{
			"status":            enrollment.Status,
			"current_step":      enrollment.CurrentStep,
			"last_step_sent_at": enrollment.LastStepSentAt,
			"next_step_due":     enrollment.NextStepDue,
			"stopped_reason":    enrollment.StoppedReason,
		}).Error
}

func (s *Store) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.SequenceEnrollment, error) {
	var due []models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_step_due IS NOT NULL AND next_step_due <= ?", models.EnrollmentActive, now).
		Order("next_step_due ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}

func (s *Store) StopEnrollment(ctx context.Context, sequenceID, leadID uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND lead_id = ? AND status IN ?", sequenceID, leadID,
			[]models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused}).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStopped,
			"next_step_due":  nil,
			"stopped_reason": reason,
		}).Error
}

func (s *Store) StopActiveEnrollmentsForLeads(ctx context.Context, leadIDs []uint, reason string) (int64, error) {
	if len(leadIDs) == 0 {
		return 0, nil
	}
	tx := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("lead_id IN ? AND status = ?", leadIDs, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStopped,
			"next_step_due":  nil,
			"stopped_reason": reason,
		})
	return tx.RowsAffected, tx.Error
}
