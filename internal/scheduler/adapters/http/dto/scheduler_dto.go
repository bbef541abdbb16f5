// Package dto defines the request and response shapes of the scheduler API
package dto

import (
	"errors"
	"time"

	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

// JobConfigDTO is one job description inside a submitted DAG
type JobConfigDTO struct {
	Type           string                 `json:"type"`
	InputImagePath string                 `json:"input_image_path"`
	Params         map[string]interface{} `json:"params,omitempty"`
}

// DAGDTO is the submitted branch structure
type DAGDTO struct {
	Branches map[string][]JobConfigDTO `json:"branches"`
}

// CreateWorkflowRequest is the POST /workflows body
type CreateWorkflowRequest struct {
	Name string `json:"name"`
	DAG  DAGDTO `json:"dag"`
}

// Validate checks the request surface; DAG semantics are validated by the
// domain layer.
func (r *CreateWorkflowRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if len(r.DAG.Branches) == 0 {
		return errors.New("dag.branches must not be empty")
	}
	return nil
}

// ToModel converts the request DAG to the domain DAG
func (r *CreateWorkflowRequest) ToModel() model.DAG {
	branches := make(map[string][]model.JobConfig, len(r.DAG.Branches))
	for branchID, configs := range r.DAG.Branches {
		out := make([]model.JobConfig, len(configs))
		for i, c := range configs {
			out[i] = model.JobConfig{
				Type:           model.JobType(c.Type),
				InputImagePath: c.InputImagePath,
				Params:         c.Params,
			}
		}
		branches[branchID] = out
	}
	return model.DAG{Branches: branches}
}

// WorkflowResponse is the workflow snapshot returned by the API
type WorkflowResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	TotalJobs       int        `json:"total_jobs"`
	CompletedJobs   int        `json:"completed_jobs"`
	FailedJobs      int        `json:"failed_jobs"`
	ProgressPercent float64    `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewWorkflowResponse builds a response from a workflow snapshot and its jobs
func NewWorkflowResponse(w *model.Workflow, jobs []*model.Job) WorkflowResponse {
	return WorkflowResponse{
		ID:              w.ID,
		Name:            w.Name,
		Status:          string(w.Status),
		TotalJobs:       w.TotalJobs,
		CompletedJobs:   w.CompletedJobs,
		FailedJobs:      w.FailedJobs,
		ProgressPercent: model.AggregateProgress(jobs),
		CreatedAt:       w.CreatedAt,
		StartedAt:       w.StartedAt,
		CompletedAt:     w.CompletedAt,
	}
}

// JobResponse is the job snapshot returned by the API
type JobResponse struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	BranchID        string     `json:"branch_id"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	InputImagePath  string     `json:"input_image_path"`
	OutputPath      string     `json:"output_path,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
	TilesProcessed  int        `json:"tiles_processed"`
	TilesTotal      int        `json:"tiles_total"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewJobResponse builds a response from a job snapshot
func NewJobResponse(j *model.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		WorkflowID:      j.WorkflowID,
		BranchID:        j.BranchID,
		Type:            string(j.Type),
		Status:          string(j.Status),
		InputImagePath:  j.InputImagePath,
		OutputPath:      j.OutputPath,
		ErrorMessage:    j.ErrorMessage,
		ProgressPercent: j.ProgressPercent,
		TilesProcessed:  j.TilesProcessed,
		TilesTotal:      j.TilesTotal,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// CancelWorkflowResponse is the DELETE /workflows/{id} body
type CancelWorkflowResponse struct {
	CancelledCount int `json:"cancelled_count"`
}
