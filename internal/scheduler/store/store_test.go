package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

func newTestWorkflow(t *testing.T, userID string) *model.Workflow {
	t.Helper()
	workflow, err := model.NewWorkflow(userID, "test", model.DAG{Branches: map[string][]model.JobConfig{
		"b1": {{Type: model.JobTypeSegmentation, InputImagePath: "/data/a.svs"}},
	}})
	require.NoError(t, err)
	return workflow
}

func TestWorkflowCRUD(t *testing.T) {
	st := New()
	workflow := newTestWorkflow(t, "user-1")

	created := st.CreateWorkflow(workflow)
	assert.Equal(t, workflow.ID, created.ID)

	got, err := st.GetWorkflow(workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusPending, got.Status)

	_, err = st.GetWorkflow("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	running := model.WorkflowStatusRunning
	completed := 1
	updated, err := st.UpdateWorkflow(workflow.ID, WorkflowUpdate{
		Status:        &running,
		CompletedJobs: &completed,
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusRunning, updated.Status)
	assert.Equal(t, 1, updated.CompletedJobs)

	_, err = st.UpdateWorkflow("missing", WorkflowUpdate{Status: &running})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUserWorkflows(t *testing.T) {
	st := New()
	first := newTestWorkflow(t, "user-1")
	second := newTestWorkflow(t, "user-1")
	other := newTestWorkflow(t, "user-2")
	st.CreateWorkflow(first)
	st.CreateWorkflow(second)
	st.CreateWorkflow(other)

	got := st.ListUserWorkflows("user-1")
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	assert.Empty(t, st.ListUserWorkflows("user-3"))
}

func TestJobUpdateFields(t *testing.T) {
	st := New()
	job := model.NewJob("wf-1", "b1", "user-1", model.JobConfig{
		Type:           model.JobTypeSegmentation,
		InputImagePath: "/data/a.svs",
	})
	st.CreateJob(job)

	percent := 40.0
	processed := 4
	total := 10
	updated, err := st.UpdateJob(job.ID, JobUpdate{
		ProgressPercent: &percent,
		TilesProcessed:  &processed,
		TilesTotal:      &total,
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, updated.ProgressPercent)
	assert.Equal(t, 4, updated.TilesProcessed)

	// progress never regresses
	lower := 10.0
	updated, err = st.UpdateJob(job.ID, JobUpdate{ProgressPercent: &lower})
	require.NoError(t, err)
	assert.Equal(t, 40.0, updated.ProgressPercent)

	_, err = st.UpdateJob("missing", JobUpdate{ProgressPercent: &percent})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStatusTransitionEnforced(t *testing.T) {
	st := New()
	job := model.NewJob("wf-1", "b1", "user-1", model.JobConfig{
		Type:           model.JobTypeSegmentation,
		InputImagePath: "/data/a.svs",
	})
	st.CreateJob(job)

	cancelled := model.JobStatusCancelled
	_, err := st.UpdateJob(job.ID, JobUpdate{Status: &cancelled})
	require.NoError(t, err)

	// a dispatcher losing the cancel race is rejected atomically
	running := model.JobStatusRunning
	_, err = st.UpdateJob(job.ID, JobUpdate{Status: &running})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestSnapshotIsolation(t *testing.T) {
	st := New()
	job := model.NewJob("wf-1", "b1", "user-1", model.JobConfig{
		Type:           model.JobTypeSegmentation,
		InputImagePath: "/data/a.svs",
		Params:         map[string]interface{}{"k": "v"},
	})
	st.CreateJob(job)

	snapshot, err := st.GetJob(job.ID)
	require.NoError(t, err)
	snapshot.Status = model.JobStatusFailed
	snapshot.Params["k"] = "mutated"

	fresh, err := st.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, fresh.Status)
	assert.Equal(t, "v", fresh.Params["k"])
}

func TestListRunningJobsForUser(t *testing.T) {
	st := New()
	running := model.NewJob("wf-1", "b1", "user-1", model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/x"})
	pending := model.NewJob("wf-1", "b2", "user-1", model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/x"})
	otherUser := model.NewJob("wf-2", "b1", "user-2", model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/x"})
	st.CreateJob(running)
	st.CreateJob(pending)
	st.CreateJob(otherUser)

	status := model.JobStatusRunning
	_, err := st.UpdateJob(running.ID, JobUpdate{Status: &status})
	require.NoError(t, err)

	got := st.ListRunningJobsForUser("user-1")
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestPruneTerminalWorkflows(t *testing.T) {
	st := New()
	old := newTestWorkflow(t, "user-1")
	st.CreateWorkflow(old)
	job := model.NewJob(old.ID, "b1", "user-1", model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/x"})
	st.CreateJob(job)

	succeeded := model.WorkflowStatusSucceeded
	completedAt := time.Now().UTC().Add(-2 * time.Hour)
	_, err := st.UpdateWorkflow(old.ID, WorkflowUpdate{Status: &succeeded, CompletedAt: &completedAt})
	require.NoError(t, err)

	fresh := newTestWorkflow(t, "user-1")
	st.CreateWorkflow(fresh)

	removed := st.PruneTerminalWorkflows(time.Hour)
	assert.Equal(t, 1, removed)

	_, err = st.GetWorkflow(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetWorkflow(fresh.ID)
	assert.NoError(t, err)

	assert.Len(t, st.ListUserWorkflows("user-1"), 1)
}
