package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
)

// JobExecutor is the contract the scheduler invokes to run a job. On
// success the executor must leave the job SUCCEEDED in the store with its
// output path, progress at 100 and completed_at set. On error the scheduler
// marks the job FAILED.
type JobExecutor interface {
	Execute(ctx context.Context, job *model.Job) error
}

// Notifier receives job snapshots as the executor makes progress
type Notifier func(job *model.Job)

// SimulatedExecutor stands in for the image-processing pipeline when none
// is attached. It walks a fixed number of progress steps, updating tile
// counters the way the tiling pipeline does.
type SimulatedExecutor struct {
	store     *store.Store
	notify    Notifier
	resultDir string
	steps     int
	stepTime  time.Duration
	logger    logger.Logger
}

// NewSimulatedExecutor creates a simulated executor
func NewSimulatedExecutor(st *store.Store, notify Notifier, resultDir string, steps int, stepTime time.Duration, log logger.Logger) *SimulatedExecutor {
	if steps <= 0 {
		steps = 10
	}
	return &SimulatedExecutor{
		store:     st,
		notify:    notify,
		resultDir: resultDir,
		steps:     steps,
		stepTime:  stepTime,
		logger:    log,
	}
}

// Execute runs the simulated pipeline for one job
func (e *SimulatedExecutor) Execute(ctx context.Context, job *model.Job) error {
	switch job.Type {
	case model.JobTypeSegmentation, model.JobTypeTissueMask:
	default:
		return fmt.Errorf("unknown job type: %q", job.Type)
	}

	total := e.steps
	if _, err := e.store.UpdateJob(job.ID, store.JobUpdate{TilesTotal: &total}); err != nil {
		return err
	}

	for i := 1; i <= total; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.stepTime):
		}

		percent := float64(i) / float64(total) * 100
		processed := i
		snapshot, err := e.store.UpdateJob(job.ID, store.JobUpdate{
			ProgressPercent: &percent,
			TilesProcessed:  &processed,
		})
		if err != nil {
			return err
		}
		if e.notify != nil {
			e.notify(snapshot)
		}
	}

	suffix := strings.ToLower(string(job.Type))
	outputPath := filepath.Join(e.resultDir, job.WorkflowID, fmt.Sprintf("%s_%s.json", job.ID, suffix))
	succeeded := model.JobStatusSucceeded
	hundred := 100.0
	now := time.Now().UTC()
	snapshot, err := e.store.UpdateJob(job.ID, store.JobUpdate{
		Status:          &succeeded,
		OutputPath:      &outputPath,
		ProgressPercent: &hundred,
		CompletedAt:     &now,
	})
	if err != nil {
		return err
	}
	if e.notify != nil {
		e.notify(snapshot)
	}
	e.logger.Debug("simulated job finished", "job_id", job.ID, "output", outputPath)
	return nil
}
