// Package engine provides the branch-aware scheduling engine: a global
// worker semaphore, per-branch serialization and workflow dispatch.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/platform/metrics"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
)

// ProgressPublisher fans job and workflow progress out to subscribers
type ProgressPublisher interface {
	PublishJob(job *model.Job)
	PublishWorkflow(workflowID string)
}

// LifecycleEvents receives terminal transitions for downstream consumers
type LifecycleEvents interface {
	PublishJobFinished(job *model.Job)
	PublishWorkflowFinished(workflow *model.Workflow)
}

// Scheduler executes jobs under a global worker cap while serializing
// execution within each branch.
type Scheduler struct {
	store      *store.Store
	maxWorkers int
	workers    chan struct{}

	mu       sync.Mutex
	branches map[string]*sync.Mutex
	running  map[string]struct{}

	executor JobExecutor
	hub      ProgressPublisher
	events   LifecycleEvents
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   logger.Logger
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithExecutor sets the job executor
func WithExecutor(executor JobExecutor) Option {
	return func(s *Scheduler) { s.executor = executor }
}

// WithProgressPublisher sets the progress fan-out target
func WithProgressPublisher(hub ProgressPublisher) Option {
	return func(s *Scheduler) { s.hub = hub }
}

// WithLifecycleEvents sets the terminal-transition event publisher
func WithLifecycleEvents(events LifecycleEvents) Option {
	return func(s *Scheduler) { s.events = events }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// NewScheduler creates a scheduler with the given worker cap
func NewScheduler(st *store.Store, maxWorkers int, log logger.Logger, opts ...Option) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	s := &Scheduler{
		store:      st,
		maxWorkers: maxWorkers,
		workers:    make(chan struct{}, maxWorkers),
		branches:   make(map[string]*sync.Mutex),
		running:    make(map[string]struct{}),
		metrics:    metrics.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("scheduler"),
		logger:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info("scheduler initialized", "max_workers", maxWorkers)
	return s
}

// SetExecutor attaches the job executor after construction, replacing any
// executor given through WithExecutor.
func (s *Scheduler) SetExecutor(executor JobExecutor) {
	s.executor = executor
}

func branchKey(workflowID, branchID string) string {
	return workflowID + ":" + branchID
}

// branchLock returns the exclusive token for a branch, created lazily on
// first use.
func (s *Scheduler) branchLock(workflowID, branchID string) *sync.Mutex {
	key := branchKey(workflowID, branchID)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.branches[key]
	if !ok {
		lock = &sync.Mutex{}
		s.branches[key] = lock
	}
	return lock
}

// ScheduleJob acquires the job's branch token, then a worker slot, and runs
// the job to a terminal state. A job cancelled while queued is skipped.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *model.Job) error {
	log := s.logger.WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"workflow_id": job.WorkflowID,
		"branch_id":   job.BranchID,
	})

	waitStart := time.Now()
	lock := s.branchLock(job.WorkflowID, job.BranchID)
	lock.Lock()
	defer lock.Unlock()
	s.metrics.BranchWaitSeconds.Observe(time.Since(waitStart).Seconds())
	log.Debug("branch token acquired")

	// Re-read under the branch token so a cancel that won the race is
	// observed before any resources are taken.
	current, err := s.store.GetJob(job.ID)
	if err != nil {
		return err
	}
	if current.Status == model.JobStatusCancelled {
		log.Info("job cancelled before dispatch, skipping")
		return nil
	}

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.workers }()
	s.metrics.WorkerSlotsInUse.Inc()
	defer s.metrics.WorkerSlotsInUse.Dec()
	log.Debug("worker slot acquired")

	running := model.JobStatusRunning
	startedAt := time.Now().UTC()
	if _, err := s.store.UpdateJob(job.ID, store.JobUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// cancel slipped in between the re-read and the update
			log.Info("job no longer pending, skipping", "error", err)
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.running[job.ID] = struct{}{}
	s.mu.Unlock()
	s.metrics.JobsRunning.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		s.metrics.JobsRunning.Dec()
		s.recomputeWorkflow(job.WorkflowID)
	}()

	execCtx, span := s.tracer.Start(ctx, "scheduler.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", string(job.Type)),
			attribute.String("workflow.id", job.WorkflowID),
		))
	execErr := s.executor.Execute(execCtx, job)
	span.End()

	s.metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(startedAt).Seconds())

	if execErr != nil {
		log.Error("job execution failed", "error", execErr)
		failed := model.JobStatusFailed
		message := execErr.Error()
		completedAt := time.Now().UTC()
		if _, err := s.store.UpdateJob(job.ID, store.JobUpdate{
			Status:       &failed,
			ErrorMessage: &message,
			CompletedAt:  &completedAt,
		}); err != nil {
			log.Error("failed to record job failure", "error", err)
		}
	} else {
		log.Info("job completed")
	}

	if snapshot, err := s.store.GetJob(job.ID); err == nil {
		s.metrics.JobsFinished.WithLabelValues(string(snapshot.Status)).Inc()
		if s.hub != nil {
			s.hub.PublishJob(snapshot)
		}
		if s.events != nil {
			s.events.PublishJobFinished(snapshot)
		}
	}
	return nil
}

// CancelJob cancels a PENDING job. Returns false when the job is in any
// other state; running jobs are never preempted.
func (s *Scheduler) CancelJob(jobID string) (bool, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return false, err
	}
	if job.Status != model.JobStatusPending {
		s.logger.Warn("cannot cancel job", "job_id", jobID, "status", job.Status)
		return false, nil
	}

	cancelled := model.JobStatusCancelled
	if _, err := s.store.UpdateJob(jobID, store.JobUpdate{Status: &cancelled}); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// the dispatcher won the race and the job is already running
			return false, nil
		}
		return false, err
	}
	s.logger.Info("job cancelled", "job_id", jobID)
	s.recomputeWorkflow(job.WorkflowID)
	return true, nil
}

// RunningJobs returns the ids of currently executing jobs
func (s *Scheduler) RunningJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

// MaxWorkers returns the worker cap
func (s *Scheduler) MaxWorkers() int {
	return s.maxWorkers
}

// recomputeWorkflow rescans a workflow's jobs after a terminal transition
// and persists the aggregate counters and status.
func (s *Scheduler) recomputeWorkflow(workflowID string) {
	workflow, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		s.logger.Warn("workflow not found for aggregate update", "workflow_id", workflowID)
		return
	}

	jobs := s.store.ListWorkflowJobs(workflowID)
	completed, failed, cancelled, anyRunning := 0, 0, 0, false
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusSucceeded:
			completed++
		case model.JobStatusFailed:
			failed++
		case model.JobStatusCancelled:
			cancelled++
		case model.JobStatusRunning:
			anyRunning = true
		}
	}

	// Cancelled jobs count toward termination but toward neither counter: a
	// branch that skips its cancelled tail must still let the workflow finish.
	var status model.WorkflowStatus
	switch {
	case completed+failed+cancelled == len(jobs):
		if failed > 0 {
			status = model.WorkflowStatusFailed
		} else {
			status = model.WorkflowStatusSucceeded
		}
	case completed > 0 || anyRunning:
		status = model.WorkflowStatusRunning
	default:
		status = model.WorkflowStatusPending
	}

	update := store.WorkflowUpdate{
		Status:        &status,
		CompletedJobs: &completed,
		FailedJobs:    &failed,
	}
	if status.Terminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	snapshot, err := s.store.UpdateWorkflow(workflowID, update)
	if err != nil {
		s.logger.Error("failed to persist workflow aggregate", "workflow_id", workflowID, "error", err)
		return
	}
	s.logger.Debug("workflow aggregate updated",
		"workflow_id", workflowID,
		"completed", completed, "failed", failed, "total", len(jobs),
		"status", status)

	if s.hub != nil {
		s.hub.PublishWorkflow(workflowID)
	}
	if status.Terminal() {
		if workflow.Status != status && s.events != nil {
			s.events.PublishWorkflowFinished(snapshot)
		}
	}
}

// Status is the scheduler's observable state
type Status struct {
	MaxWorkers  int      `json:"max_workers"`
	RunningJobs []string `json:"running_jobs"`
}

// Status returns counters for observability
func (s *Scheduler) Status() Status {
	return Status{
		MaxWorkers:  s.maxWorkers,
		RunningJobs: s.RunningJobs(),
	}
}
