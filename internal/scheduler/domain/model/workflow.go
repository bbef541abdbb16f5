package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the aggregate state of a workflow
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	// WorkflowStatusCancelled is reserved: workflow cancellation cancels
	// pending jobs only and the aggregate resolves from job counters.
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// Terminal reports whether the status is final
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusSucceeded || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// DAG maps branch ids to the ordered job configs that branch runs serially
type DAG struct {
	Branches map[string][]JobConfig `json:"branches"`
}

// Validate rejects empty DAGs and empty branches
func (d *DAG) Validate() error {
	if len(d.Branches) == 0 {
		return errors.New("workflow requires at least one branch")
	}
	for branchID, configs := range d.Branches {
		if branchID == "" {
			return errors.New("branch id cannot be empty")
		}
		if len(configs) == 0 {
			return fmt.Errorf("branch %q has no jobs", branchID)
		}
		for i := range configs {
			if err := configs[i].Validate(); err != nil {
				return fmt.Errorf("branch %q job %d: %w", branchID, i, err)
			}
		}
	}
	return nil
}

// TotalJobs returns the number of jobs the DAG expands into
func (d *DAG) TotalJobs() int {
	total := 0
	for _, configs := range d.Branches {
		total += len(configs)
	}
	return total
}

// Workflow is a user-submitted unit of work
type Workflow struct {
	ID     string         `json:"id"`
	UserID string         `json:"user_id"`
	Name   string         `json:"name"`
	DAG    DAG            `json:"dag"`
	Status WorkflowStatus `json:"status"`

	TotalJobs     int `json:"total_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewWorkflow creates a pending workflow from a validated DAG
func NewWorkflow(userID, name string, dag DAG) (*Workflow, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if name == "" {
		return nil, errors.New("workflow name is required")
	}
	if err := dag.Validate(); err != nil {
		return nil, err
	}
	return &Workflow{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		DAG:       dag,
		Status:    WorkflowStatusPending,
		TotalJobs: dag.TotalJobs(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Clone returns a snapshot copy of the workflow
func (w *Workflow) Clone() *Workflow {
	c := *w
	if w.DAG.Branches != nil {
		c.DAG.Branches = make(map[string][]JobConfig, len(w.DAG.Branches))
		for branchID, configs := range w.DAG.Branches {
			cp := make([]JobConfig, len(configs))
			copy(cp, configs)
			c.DAG.Branches[branchID] = cp
		}
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AggregateProgress computes workflow progress as the mean of job percents
func AggregateProgress(jobs []*Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	sum := 0.0
	for _, j := range jobs {
		sum += j.ProgressPercent
	}
	return sum / float64(len(jobs))
}
