package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/engine"
	"leadpilot/models"
	"leadpilot/utils"
)

type SuppressionController struct {
	DB     *gorm.DB
	Gate   *engine.Gate
	Logger *logrus.Logger
}

func NewSuppressionController(db *gorm.DB, gate *engine.Gate, logger *logrus.Logger) *SuppressionController {
	return &SuppressionController{
		DB:     db,
		Gate:   gate,
		Logger: logger,
	}
}

func (uc *SuppressionController) Unsubscribe(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req engine.UnsubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	req.UserID = &userID
	if req.Source == "" {
		req.Source = "manual"
	}

	if err := uc.Gate.Unsubscribe(c.Context(), req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"suppressed": true})
}

func (uc *SuppressionController) Resubscribe(c *fiber.Ctx) error {
	var input struct {
		Email string `json:"email" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	if err := uc.Gate.Resubscribe(c.Context(), input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"resubscribed": true})
}

func (uc *SuppressionController) Check(c *fiber.Ctx) error {
	email := c.Query("email")
	if email == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "email query parameter required")
	}

	suppressed, err := uc.Gate.IsSuppressed(c.Context(), email)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"suppressed": suppressed})
}

func (uc *SuppressionController) BulkImport(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var input struct {
		Emails []string `json:"emails" validate:"required,min=1"`
		Source string   `json:"source"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	imported, skipped := uc.Gate.BulkImport(c.Context(), userID, input.Emails, input.Source)
	return utils.SuccessResponse(c, fiber.Map{
		"imported": imported,
		"skipped":  skipped,
	})
}

func (uc *SuppressionController) List(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var entries []models.Unsubscribe
	err := uc.DB.WithContext(c.Context()).
		Where("user_id = ? OR user_id IS NULL", userID).
		Order("created_at DESC").
		Limit(500).
		Find(&entries).Error
	if err != nil {
		uc.Logger.WithError(err).Error("failed to list suppression entries")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch suppression list")
	}
	return utils.SuccessResponse(c, entries)
}
