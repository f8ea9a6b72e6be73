package cron

import (
	"fmt"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/sirupsen/logrus"
)

const TaskCompileAll = "compile-all"

// BatchRunner runs a batch to completion. *batch.Manager implements it.
type BatchRunner interface {
	Run(opts batch.Options) (batch.Progress, error)
}

// NewCompileTask compiles the entry's examples, or the whole catalogue when
// the entry names none.
func NewCompileTask(runner BatchRunner, logger *logrus.Logger) Task {
	return func(entry types.ScheduledBatch) error {
		p, err := runner.Run(batch.Options{
			Examples: entry.Examples,
			Overview: entry.Overview,
		})
		if err != nil {
			return fmt.Errorf("failed to run batch: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"job_name": entry.Name,
			"batch_id": p.ID,
			"status":   p.Status,
		}).Info(p.Summary)

		if p.Failed > 0 {
			return fmt.Errorf("%d of %d jobs failed", p.Failed, p.Completed)
		}
		return nil
	}
}
