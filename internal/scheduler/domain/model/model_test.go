package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{name: "pending to running", from: JobStatusPending, to: JobStatusRunning, wantErr: false},
		{name: "pending to cancelled", from: JobStatusPending, to: JobStatusCancelled, wantErr: false},
		{name: "running to succeeded", from: JobStatusRunning, to: JobStatusSucceeded, wantErr: false},
		{name: "running to failed", from: JobStatusRunning, to: JobStatusFailed, wantErr: false},
		{name: "running to cancelled", from: JobStatusRunning, to: JobStatusCancelled, wantErr: true},
		{name: "pending to succeeded", from: JobStatusPending, to: JobStatusSucceeded, wantErr: true},
		{name: "succeeded to running", from: JobStatusSucceeded, to: JobStatusRunning, wantErr: true},
		{name: "cancelled to running", from: JobStatusCancelled, to: JobStatusRunning, wantErr: true},
		{name: "failed to succeeded", from: JobStatusFailed, to: JobStatusSucceeded, wantErr: true},
		{name: "same status is a no-op", from: JobStatusRunning, to: JobStatusRunning, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDAGValidate(t *testing.T) {
	valid := JobConfig{Type: JobTypeSegmentation, InputImagePath: "/data/slide.svs"}

	tests := []struct {
		name    string
		dag     DAG
		wantErr bool
	}{
		{
			name:    "empty dag",
			dag:     DAG{},
			wantErr: true,
		},
		{
			name:    "empty branch",
			dag:     DAG{Branches: map[string][]JobConfig{"b1": {}}},
			wantErr: true,
		},
		{
			name:    "unknown job type",
			dag:     DAG{Branches: map[string][]JobConfig{"b1": {{Type: "RESIZE", InputImagePath: "/x"}}}},
			wantErr: true,
		},
		{
			name:    "missing input path",
			dag:     DAG{Branches: map[string][]JobConfig{"b1": {{Type: JobTypeTissueMask}}}},
			wantErr: true,
		},
		{
			name:    "valid two-branch dag",
			dag:     DAG{Branches: map[string][]JobConfig{"b1": {valid}, "b2": {valid, valid}}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dag.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewWorkflow(t *testing.T) {
	dag := DAG{Branches: map[string][]JobConfig{
		"b1": {{Type: JobTypeSegmentation, InputImagePath: "/data/a.svs"}},
		"b2": {
			{Type: JobTypeTissueMask, InputImagePath: "/data/b.svs"},
			{Type: JobTypeSegmentation, InputImagePath: "/data/b.svs"},
		},
	}}

	workflow, err := NewWorkflow("user-1", "slide batch", dag)
	require.NoError(t, err)

	assert.NotEmpty(t, workflow.ID)
	assert.Equal(t, WorkflowStatusPending, workflow.Status)
	assert.Equal(t, 3, workflow.TotalJobs)
	assert.Zero(t, workflow.CompletedJobs)

	_, err = NewWorkflow("", "no user", dag)
	assert.Error(t, err)
	_, err = NewWorkflow("user-1", "", dag)
	assert.Error(t, err)
	_, err = NewWorkflow("user-1", "empty", DAG{})
	assert.Error(t, err)
}

func TestJobClone(t *testing.T) {
	job := NewJob("wf-1", "b1", "user-1", JobConfig{
		Type:           JobTypeSegmentation,
		InputImagePath: "/data/a.svs",
		Params:         map[string]interface{}{"tile_size": 512},
	})

	clone := job.Clone()
	clone.Params["tile_size"] = 1024
	clone.Status = JobStatusRunning

	assert.Equal(t, 512, job.Params["tile_size"])
	assert.Equal(t, JobStatusPending, job.Status)
}

func TestAggregateProgress(t *testing.T) {
	assert.Zero(t, AggregateProgress(nil))

	jobs := []*Job{
		{ProgressPercent: 100},
		{ProgressPercent: 50},
		{ProgressPercent: 0},
	}
	assert.InDelta(t, 50.0, AggregateProgress(jobs), 0.0001)
}
