package routes

import (
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "leadpilot/controllers"
	"leadpilot/engine"
	"leadpilot/middleware"
	"leadpilot/store"
)

// Setup wires all HTTP endpoints. Public tracking routes are rate limited;
// everything else requires a valid access token.
func Setup(
	app *fiber.App,
	db *gorm.DB,
	st *store.Store,
	sequences *engine.SequenceEngine,
	queue *engine.DeliveryQueue,
	gate *engine.Gate,
	logger *logrus.Logger,
) {
	sequenceController := controller.NewSequenceController(db, sequences, logger)
	queueController := controller.NewQueueController(db, queue, logger)
	suppressionController := controller.NewSuppressionController(db, gate, logger)
	trackController := controller.NewTrackController(st, gate, logger)

	// Public endpoints hit from email bodies (no auth). The IP rate limit
	// applies only here, never to the authenticated API.
	trackLimit := middleware.TrackRateLimiter()
	track := app.Group("/track", trackLimit)
	track.Get("/open/:messageID", trackController.TrackOpen)
	track.Get("/click/:messageID", trackController.TrackClick)
	app.Get("/unsubscribe/:token", trackLimit, trackController.Unsubscribe)

	api := app.Group("/api/v1", middleware.Protected(), fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	seqGroup := api.Group("/sequences")
	seqGroup.Post("/", sequenceController.CreateSequence)
	seqGroup.Get("/", sequenceController.ListSequences)
	seqGroup.Get("/:id", sequenceController.GetSequence)
	seqGroup.Put("/:id", sequenceController.UpdateSequence)
	seqGroup.Delete("/:id", sequenceController.DeleteSequence)
	seqGroup.Post("/:id/enroll", sequenceController.EnrollLeads)

	enrollments := api.Group("/enrollments")
	enrollments.Post("/:enrollmentID/pause", sequenceController.PauseEnrollment)
	enrollments.Post("/:enrollmentID/resume", sequenceController.ResumeEnrollment)
	enrollments.Post("/:enrollmentID/stop", sequenceController.StopEnrollment)

	queueGroup := api.Group("/queue")
	queueGroup.Post("/", queueController.Enqueue)
	queueGroup.Get("/", queueController.ListQueue)
	queueGroup.Get("/stats", queueController.GetStats)
	queueGroup.Post("/retry-failed", queueController.RetryFailed)
	queueGroup.Post("/cancel", queueController.CancelPending)

	suppression := api.Group("/suppression")
	suppression.Post("/", suppressionController.Unsubscribe)
	suppression.Get("/", suppressionController.List)
	suppression.Get("/check", suppressionController.Check)
	suppression.Post("/resubscribe", suppressionController.Resubscribe)
	suppression.Post("/import", suppressionController.BulkImport)

	logger.Info("routes initialized")
}
