package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// JobType identifies the processing pipeline a job runs
type JobType string

const (
	JobTypeSegmentation JobType = "SEGMENTATION"
	JobTypeTissueMask   JobType = "TISSUE_MASK"
)

// ErrInvalidTransition is returned when a status change violates the job lifecycle
var ErrInvalidTransition = errors.New("invalid status transition")

// jobTransitions holds the legal job status transitions.
// PENDING -> RUNNING | CANCELLED; RUNNING -> SUCCEEDED | FAILED.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed},
}

// ValidateJobTransition checks a status change against the job lifecycle
func ValidateJobTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range jobTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// JobConfig is the submission-time description of a single job
type JobConfig struct {
	Type           JobType                `json:"type"`
	InputImagePath string                 `json:"input_image_path"`
	Params         map[string]interface{} `json:"params,omitempty"`
}

// Validate checks a job config for submission
func (c *JobConfig) Validate() error {
	switch c.Type {
	case JobTypeSegmentation, JobTypeTissueMask:
	default:
		return fmt.Errorf("unknown job type: %q", c.Type)
	}
	if c.InputImagePath == "" {
		return errors.New("input_image_path is required")
	}
	return nil
}

// Job is the atomic unit of execution
type Job struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	BranchID   string `json:"branch_id"`
	UserID     string `json:"user_id"`

	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`

	InputImagePath string `json:"input_image_path"`
	OutputPath     string `json:"output_path,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	ProgressPercent float64 `json:"progress_percent"`
	TilesProcessed  int     `json:"tiles_processed"`
	TilesTotal      int     `json:"tiles_total"`

	Params map[string]interface{} `json:"params,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job from a config
func NewJob(workflowID, branchID, userID string, cfg JobConfig) *Job {
	params := cfg.Params
	if params == nil {
		params = make(map[string]interface{})
	}
	return &Job{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		BranchID:       branchID,
		UserID:         userID,
		Type:           cfg.Type,
		Status:         JobStatusPending,
		InputImagePath: cfg.InputImagePath,
		Params:         params,
		CreatedAt:      time.Now().UTC(),
	}
}

// Clone returns a snapshot copy of the job
func (j *Job) Clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
