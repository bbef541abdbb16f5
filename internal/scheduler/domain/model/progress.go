package model

import "time"

// ProgressUpdate is a point-in-time snapshot of one job's progress
// broadcast to job subscribers.
type ProgressUpdate struct {
	JobID           string    `json:"job_id"`
	WorkflowID      string    `json:"workflow_id"`
	Status          JobStatus `json:"status"`
	ProgressPercent float64   `json:"progress_percent"`
	TilesProcessed  int       `json:"tiles_processed"`
	TilesTotal      int       `json:"tiles_total"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewProgressUpdate builds an update from a job snapshot
func NewProgressUpdate(job *Job) ProgressUpdate {
	return ProgressUpdate{
		JobID:           job.ID,
		WorkflowID:      job.WorkflowID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		TilesProcessed:  job.TilesProcessed,
		TilesTotal:      job.TilesTotal,
		Timestamp:       time.Now().UTC(),
	}
}

// WorkflowProgressUpdate is the aggregate progress snapshot broadcast to
// workflow subscribers.
type WorkflowProgressUpdate struct {
	WorkflowID      string         `json:"workflow_id"`
	Status          WorkflowStatus `json:"status"`
	CompletedJobs   int            `json:"completed_jobs"`
	FailedJobs      int            `json:"failed_jobs"`
	TotalJobs       int            `json:"total_jobs"`
	ProgressPercent float64        `json:"progress_percent"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NewWorkflowProgressUpdate builds an update from a workflow snapshot and
// its jobs.
func NewWorkflowProgressUpdate(workflow *Workflow, jobs []*Job) WorkflowProgressUpdate {
	return WorkflowProgressUpdate{
		WorkflowID:      workflow.ID,
		Status:          workflow.Status,
		CompletedJobs:   workflow.CompletedJobs,
		FailedJobs:      workflow.FailedJobs,
		TotalJobs:       workflow.TotalJobs,
		ProgressPercent: AggregateProgress(jobs),
		Timestamp:       time.Now().UTC(),
	}
}
