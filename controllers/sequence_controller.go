package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/engine"
	"leadpilot/models"
	"leadpilot/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Engine *engine.SequenceEngine
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, eng *engine.SequenceEngine, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Engine: eng,
		Logger: logger,
	}
}

type sequenceInput struct {
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	Steps       []engine.StepInput `json:"steps" validate:"required,min=1,dive"`
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var input sequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	seq, err := sc.Engine.CreateSequence(c.Context(), userID, input.Name, input.Description, input.Steps)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    seq,
	})
}

func (sc *SequenceController) ListSequences(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var sequences []models.Sequence
	err := sc.DB.WithContext(c.Context()).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_number ASC")
		}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sequences).Error
	if err != nil {
		sc.Logger.WithError(err).Error("failed to list sequences")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences")
	}
	return utils.SuccessResponse(c, sequences)
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID")
	}

	result, err := sc.Engine.GetSequenceWithStats(c.Context(), userID, id)
	if errors.Is(err, engine.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found")
	}
	if err != nil {
		sc.Logger.WithError(err).Error("failed to fetch sequence")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence")
	}
	return utils.SuccessResponse(c, result)
}

func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID")
	}

	var input sequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	seq, err := sc.Engine.UpdateSequence(c.Context(), userID, id, input.Name, input.Description, input.Steps)
	if errors.Is(err, engine.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found")
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return utils.SuccessResponse(c, seq)
}

func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID")
	}

	if err := sc.Engine.DeleteSequence(c.Context(), userID, id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found")
		}
		sc.Logger.WithError(err).Error("failed to delete sequence")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence")
	}
	return utils.SuccessResponse(c, fiber.Map{"deleted": true})
}

func (sc *SequenceController) EnrollLeads(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	sequenceID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID")
	}

	var input struct {
		LeadIDs []uint `json:"lead_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	// Ownership check before enrolling on the caller's behalf
	var count int64
	sc.DB.WithContext(c.Context()).Model(&models.Sequence{}).
		Where("id = ? AND user_id = ?", sequenceID, userID).
		Count(&count)
	if count == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found")
	}

	result := sc.Engine.EnrollLeads(c.Context(), sequenceID, input.LeadIDs)
	return utils.SuccessResponse(c, result)
}

func (sc *SequenceController) PauseEnrollment(c *fiber.Ctx) error {
	return sc.transitionEnrollment(c, func(id uint) error {
		return sc.Engine.PauseEnrollment(c.Context(), id)
	})
}

func (sc *SequenceController) ResumeEnrollment(c *fiber.Ctx) error {
	return sc.transitionEnrollment(c, func(id uint) error {
		return sc.Engine.ResumeEnrollment(c.Context(), id)
	})
}

func (sc *SequenceController) StopEnrollment(c *fiber.Ctx) error {
	var input struct {
		Reason string `json:"reason"`
	}
	// Body is optional for stop
	_ = c.BodyParser(&input)
	if input.Reason == "" {
		input.Reason = "Stopped manually"
	}
	return sc.transitionEnrollment(c, func(id uint) error {
		return sc.Engine.StopEnrollment(c.Context(), id, input.Reason)
	})
}

func (sc *SequenceController) transitionEnrollment(c *fiber.Ctx, apply func(id uint) error) error {
	id, err := utils.ParseUint(c.Params("enrollmentID"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID")
	}
	if err := apply(id); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found")
		case errors.Is(err, engine.ErrInvalidTransition):
			return utils.ErrorResponse(c, fiber.StatusConflict, err.Error())
		default:
			sc.Logger.WithError(err).Error("enrollment transition failed")
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update enrollment")
		}
	}
	return utils.SuccessResponse(c, fiber.Map{"updated": true})
}
