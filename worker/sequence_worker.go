package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/engine"
)

// SequenceWorker drives the sequence engine on a fixed interval.
type SequenceWorker struct {
	engine   *engine.SequenceEngine
	logger   *logrus.Logger
	interval time.Duration
}

func NewSequenceWorker(eng *engine.SequenceEngine, logger *logrus.Logger, interval time.Duration) *SequenceWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SequenceWorker{
		engine:   eng,
		logger:   logger,
		interval: interval,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	sw.logger.Info("Starting sequence worker...")
	ticker := time.NewTicker(sw.interval)

	for {
		select {
		case <-ticker.C:
			result := sw.engine.ProcessDueSteps(ctx)
			if result.Processed > 0 {
				sw.logger.WithFields(logrus.Fields{
					"processed": result.Processed,
					"succeeded": result.Succeeded,
					"failed":    result.Failed,
				}).Info("sequence sweep completed")
			}
		case <-ctx.Done():
			sw.logger.Info("Stopping sequence worker...")
			ticker.Stop()
			return
		}
	}
}
