package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/engine"
	"leadpilot/store"
)

// DispatchWorker sweeps the delivery queue on a fixed interval and resets
// per-sender daily counters when the calendar day changes.
type DispatchWorker struct {
	queue    *engine.DeliveryQueue
	store    *store.Store
	logger   *logrus.Logger
	interval time.Duration

	lastResetDay int
}

func NewDispatchWorker(queue *engine.DeliveryQueue, st *store.Store, logger *logrus.Logger, interval time.Duration) *DispatchWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DispatchWorker{
		queue:        queue,
		store:        st,
		logger:       logger,
		interval:     interval,
		lastResetDay: time.Now().YearDay(),
	}
}

func (dw *DispatchWorker) Start(ctx context.Context) {
	dw.logger.Info("Starting dispatch worker...")
	ticker := time.NewTicker(dw.interval)

	for {
		select {
		case <-ticker.C:
			dw.maybeResetDailyCounters(ctx)

			result := dw.queue.Dispatch(ctx)
			if result.Processed > 0 {
				dw.logger.WithFields(logrus.Fields{
					"processed":    result.Processed,
					"sent":         result.Sent,
					"failed":       result.Failed,
					"rate_limited": result.RateLimited,
				}).Info("dispatch sweep completed")
			}
		case <-ctx.Done():
			dw.logger.Info("Stopping dispatch worker...")
			ticker.Stop()
			return
		}
	}
}

func (dw *DispatchWorker) maybeResetDailyCounters(ctx context.Context) {
	day := time.Now().YearDay()
	if day == dw.lastResetDay {
		return
	}
	if err := dw.store.ResetDailyCounters(ctx); err != nil {
		dw.logger.WithError(err).Error("failed to reset sender daily counters")
		return
	}
	dw.lastResetDay = day
	dw.logger.Info("sender daily counters reset")
}
