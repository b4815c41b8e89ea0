package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/engine"
	"leadpilot/models"
	"leadpilot/utils"
)

type QueueController struct {
	DB     *gorm.DB
	Queue  *engine.DeliveryQueue
	Logger *logrus.Logger
}

func NewQueueController(db *gorm.DB, queue *engine.DeliveryQueue, logger *logrus.Logger) *QueueController {
	return &QueueController{
		DB:     db,
		Queue:  queue,
		Logger: logger,
	}
}

func (qc *QueueController) Enqueue(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req engine.EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	req.UserID = userID
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	item, err := qc.Queue.Enqueue(c.Context(), req)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    item,
	})
}

func (qc *QueueController) ListQueue(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	query := qc.DB.WithContext(c.Context()).
		Where("user_id = ?", userID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var items []models.EmailQueueItem
	err := query.Order("priority ASC, scheduled_for ASC").
		Limit(200).
		Find(&items).Error
	if err != nil {
		qc.Logger.WithError(err).Error("failed to list queue items")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch queue")
	}
	return utils.SuccessResponse(c, items)
}

func (qc *QueueController) GetStats(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	stats, err := qc.Queue.GetQueueStats(c.Context(), userID)
	if err != nil {
		qc.Logger.WithError(err).Error("failed to fetch queue stats")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch queue stats")
	}
	return utils.SuccessResponse(c, stats)
}

func (qc *QueueController) RetryFailed(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	retried, err := qc.Queue.RetryFailed(c.Context(), userID)
	if err != nil {
		qc.Logger.WithError(err).Error("failed to retry failed items")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to retry items")
	}
	return utils.SuccessResponse(c, fiber.Map{"retried": retried})
}

func (qc *QueueController) CancelPending(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var filters engine.CancelFilters
	if err := c.BodyParser(&filters); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}

	cancelled, err := qc.Queue.CancelPending(c.Context(), userID, filters)
	if err != nil {
		qc.Logger.WithError(err).Error("failed to cancel pending items")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel items")
	}
	return utils.SuccessResponse(c, fiber.Map{"cancelled": cancelled})
}
