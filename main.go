package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/config"
	"leadpilot/engine"
	"leadpilot/middleware"
	"leadpilot/routes"
	"leadpilot/store"
	"leadpilot/utils"
	"leadpilot/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.Warnf("Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	st := store.New(config.DB)

	var cache engine.SuppressionCache
	if config.AppConfig.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		cache = store.NewSuppressionCache(redisClient, 10*time.Minute)
	}

	gate := engine.NewGate(st, st, st, st, cache, logger)

	queue := engine.NewDeliveryQueue(
		st, st, st,
		gate,
		st,
		utils.NewSMTPTransport(),
		utils.NewTrackingDecorator(),
		st,
		engine.QueueConfig{
			MaxAttempts: config.AppConfig.QueueMaxAttempts,
			RatePerHour: config.AppConfig.QueueRatePerHour,
			BatchSize:   config.AppConfig.QueueBatchSize,
		},
		logger,
	)

	sequences := engine.NewSequenceEngine(st, st, st, queue, config.AppConfig.SequenceBatchSize, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.NewSequenceWorker(sequences, logger, config.AppConfig.SequenceInterval).Start(ctx)
	go worker.NewDispatchWorker(queue, st, logger, config.AppConfig.DispatchInterval).Start(ctx)
	go worker.NewReplyWorker(st, logger, config.AppConfig.ReplyPollInterval).Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.Setup(app, config.DB, st, sequences, queue, gate, logger)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
