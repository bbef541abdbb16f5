// Package store provides the in-memory entity repository. The store
// exclusively owns workflow and job records; every other component holds
// identifiers and goes through its atomic operations.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

// ErrNotFound is returned when an entity id is unknown
var ErrNotFound = errors.New("not found")

// Store is a concurrent in-memory repository. All operations are atomic
// under a single mutex; reads return snapshots, never live records.
type Store struct {
	mu            sync.RWMutex
	workflows     map[string]*model.Workflow
	jobs          map[string]*model.Job
	userWorkflows map[string][]string
	workflowJobs  map[string][]string
}

// New creates an empty store
func New() *Store {
	return &Store{
		workflows:     make(map[string]*model.Workflow),
		jobs:          make(map[string]*model.Job),
		userWorkflows: make(map[string][]string),
		workflowJobs:  make(map[string][]string),
	}
}

// WorkflowUpdate is a set of field overwrites for a workflow. Nil fields
// are left untouched.
type WorkflowUpdate struct {
	Status        *model.WorkflowStatus
	CompletedJobs *int
	FailedJobs    *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobUpdate is a set of field overwrites for a job. Nil fields are left
// untouched.
type JobUpdate struct {
	Status          *model.JobStatus
	OutputPath      *string
	ErrorMessage    *string
	ProgressPercent *float64
	TilesProcessed  *int
	TilesTotal      *int
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// CreateWorkflow persists a workflow record
func (s *Store) CreateWorkflow(w *model.Workflow) *model.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[w.ID] = w.Clone()
	s.userWorkflows[w.UserID] = append(s.userWorkflows[w.UserID], w.ID)
	return w.Clone()
}

// GetWorkflow returns a snapshot of a workflow
func (s *Store) GetWorkflow(id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

// UpdateWorkflow applies field overwrites and returns the new snapshot
func (s *Store) UpdateWorkflow(id string, update WorkflowUpdate) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if update.Status != nil {
		w.Status = *update.Status
	}
	if update.CompletedJobs != nil {
		w.CompletedJobs = *update.CompletedJobs
	}
	if update.FailedJobs != nil {
		w.FailedJobs = *update.FailedJobs
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		w.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		w.CompletedAt = &t
	}
	return w.Clone(), nil
}

// ListUserWorkflows returns snapshots of a user's workflows in creation order
func (s *Store) ListUserWorkflows(userID string) []*model.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.userWorkflows[userID]
	out := make([]*model.Workflow, 0, len(ids))
	for _, id := range ids {
		if w, ok := s.workflows[id]; ok {
			out = append(out, w.Clone())
		}
	}
	return out
}

// CreateJob persists a job record
func (s *Store) CreateJob(j *model.Job) *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[j.ID] = j.Clone()
	s.workflowJobs[j.WorkflowID] = append(s.workflowJobs[j.WorkflowID], j.ID)
	return j.Clone()
}

// GetJob returns a snapshot of a job
func (s *Store) GetJob(id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

// UpdateJob applies field overwrites and returns the new snapshot. A status
// change is validated against the job lifecycle under the same lock, so a
// cancel racing a dispatch resolves atomically here.
func (s *Store) UpdateJob(id string, update JobUpdate) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if update.Status != nil {
		if err := model.ValidateJobTransition(j.Status, *update.Status); err != nil {
			return nil, err
		}
		j.Status = *update.Status
	}
	if update.OutputPath != nil {
		j.OutputPath = *update.OutputPath
	}
	if update.ErrorMessage != nil {
		j.ErrorMessage = *update.ErrorMessage
	}
	if update.ProgressPercent != nil && *update.ProgressPercent > j.ProgressPercent {
		// progress never regresses within a job's lifetime
		j.ProgressPercent = *update.ProgressPercent
	}
	if update.TilesProcessed != nil {
		j.TilesProcessed = *update.TilesProcessed
	}
	if update.TilesTotal != nil {
		j.TilesTotal = *update.TilesTotal
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		j.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		j.CompletedAt = &t
	}
	return j.Clone(), nil
}

// ListWorkflowJobs returns snapshots of a workflow's jobs in creation order
func (s *Store) ListWorkflowJobs(workflowID string) []*model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.workflowJobs[workflowID]
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out
}

// ListRunningJobsForUser returns snapshots of a user's RUNNING jobs
func (s *Store) ListRunningJobsForUser(userID string) []*model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Job
	for _, j := range s.jobs {
		if j.UserID == userID && j.Status == model.JobStatusRunning {
			out = append(out, j.Clone())
		}
	}
	return out
}

// PruneTerminalWorkflows removes terminal workflows completed before the
// cutoff, together with their jobs. Returns the number of workflows removed.
func (s *Store) PruneTerminalWorkflows(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for id, w := range s.workflows {
		if !w.Status.Terminal() || w.CompletedAt == nil || !w.CompletedAt.Before(cutoff) {
			continue
		}
		for _, jobID := range s.workflowJobs[id] {
			delete(s.jobs, jobID)
		}
		delete(s.workflowJobs, id)
		delete(s.workflows, id)
		ids := s.userWorkflows[w.UserID]
		for i, wid := range ids {
			if wid == id {
				s.userWorkflows[w.UserID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		removed++
	}
	return removed
}
