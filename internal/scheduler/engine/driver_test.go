package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
	"github.com/pathflow-ai/pathflow/internal/scheduler/tenant"
)

type driverFixture struct {
	store   *store.Store
	exec    *fakeExecutor
	sched   *Scheduler
	tenants *tenant.Manager
	driver  *Driver
}

func newDriverFixture(t *testing.T, maxWorkers, maxActiveUsers int, execDelay time.Duration) *driverFixture {
	t.Helper()
	st := store.New()
	log := logger.NewNop()
	exec := newFakeExecutor(st, execDelay)
	sched := NewScheduler(st, maxWorkers, log, WithExecutor(exec))
	tenants := tenant.NewManager(maxActiveUsers, st, log)
	driver := NewDriver(context.Background(), st, sched, tenants, nil, nil, log)
	return &driverFixture{store: st, exec: exec, sched: sched, tenants: tenants, driver: driver}
}

func segDAG(branches map[string]int) model.DAG {
	dag := model.DAG{Branches: make(map[string][]model.JobConfig)}
	for branchID, n := range branches {
		configs := make([]model.JobConfig, n)
		for i := range configs {
			configs[i] = model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/data/slide.svs"}
		}
		dag.Branches[branchID] = configs
	}
	return dag
}

func TestCreateWorkflowRejectsEmptyDAG(t *testing.T) {
	f := newDriverFixture(t, 2, 3, time.Millisecond)

	_, err := f.driver.CreateWorkflow("u1", "empty", model.DAG{})
	assert.Error(t, err)

	_, err = f.driver.CreateWorkflow("u1", "empty branch", model.DAG{
		Branches: map[string][]model.JobConfig{"b1": {}},
	})
	assert.Error(t, err)
}

func TestTwoBranchParallelism(t *testing.T) {
	f := newDriverFixture(t, 2, 3, 30*time.Millisecond)

	workflow, err := f.driver.CreateWorkflow("u1", "parallel", segDAG(map[string]int{"b1": 2, "b2": 2}))
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusPending, workflow.Status)
	assert.Equal(t, 4, workflow.TotalJobs)

	got := waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusSucceeded)
	assert.Equal(t, 4, got.CompletedJobs)
	assert.Zero(t, got.FailedJobs)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	assert.LessOrEqual(t, f.exec.maxConcurrent, 2)
	assert.Equal(t, 1, f.exec.maxBranchConcurrent)
}

func TestBranchFIFOOrder(t *testing.T) {
	f := newDriverFixture(t, 4, 3, 10*time.Millisecond)

	workflow, err := f.driver.CreateWorkflow("u1", "serial", segDAG(map[string]int{"b1": 3}))
	require.NoError(t, err)
	waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusSucceeded)

	jobs := f.store.ListWorkflowJobs(workflow.ID)
	require.Len(t, jobs, 3)

	// creation order within a branch is dispatch order
	started := f.exec.startedJobs()
	require.Len(t, started, 3)
	for i, job := range jobs {
		assert.Equal(t, job.ID, started[i])
	}

	// started_at is monotone across the branch
	for i := 1; i < len(jobs); i++ {
		require.NotNil(t, jobs[i].StartedAt)
		assert.False(t, jobs[i].StartedAt.Before(*jobs[i-1].StartedAt))
	}
}

func TestCancelPendingJobInRunningBranch(t *testing.T) {
	f := newDriverFixture(t, 1, 3, 100*time.Millisecond)

	workflow, err := f.driver.CreateWorkflow("u1", "cancel tail", segDAG(map[string]int{"b1": 3}))
	require.NoError(t, err)

	jobs := f.store.ListWorkflowJobs(workflow.ID)
	require.Len(t, jobs, 3)

	// wait for the first job to start, then cancel the tail job
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := f.store.GetJob(jobs[0].ID)
		require.NoError(t, err)
		if j.Status == model.JobStatusRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancelled, err := f.sched.CancelJob(jobs[2].ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got := waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusSucceeded)
	assert.Equal(t, 2, got.CompletedJobs)
	assert.Zero(t, got.FailedJobs)

	tail, err := f.store.GetJob(jobs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, tail.Status)
}

func TestCancelWorkflowCancelsPendingOnly(t *testing.T) {
	f := newDriverFixture(t, 1, 3, 150*time.Millisecond)

	workflow, err := f.driver.CreateWorkflow("u1", "cancel all", segDAG(map[string]int{"b1": 3}))
	require.NoError(t, err)

	jobs := f.store.ListWorkflowJobs(workflow.ID)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := f.store.GetJob(jobs[0].ID)
		require.NoError(t, err)
		if j.Status == model.JobStatusRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancelled, err := f.driver.CancelWorkflow(workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	got := waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusSucceeded)
	assert.Equal(t, 1, got.CompletedJobs)

	_, err = f.driver.CancelWorkflow("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutorFailureDoesNotHaltBranch(t *testing.T) {
	f := newDriverFixture(t, 2, 3, 5*time.Millisecond)

	workflow, err := f.driver.CreateWorkflow("u1", "partial failure", segDAG(map[string]int{"b1": 2}))
	require.NoError(t, err)
	jobs := f.store.ListWorkflowJobs(workflow.ID)
	f.exec.failOn(jobs[0].ID)

	got := waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusFailed)
	assert.Equal(t, 1, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)
}

func TestTenantQueueAdmission(t *testing.T) {
	f := newDriverFixture(t, 4, 2, 40*time.Millisecond)

	w1, err := f.driver.CreateWorkflow("u1", "one", segDAG(map[string]int{"b1": 2}))
	require.NoError(t, err)
	w2, err := f.driver.CreateWorkflow("u2", "two", segDAG(map[string]int{"b1": 2}))
	require.NoError(t, err)

	// wait until both admitted tenants hold their slots
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.tenants.Status().ActiveUsers == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	w3, err := f.driver.CreateWorkflow("u3", "three", segDAG(map[string]int{"b1": 2}))
	require.NoError(t, err)

	deadline = time.Now().Add(2 * time.Second)
	queuedSeen := false
	for time.Now().Before(deadline) {
		if f.tenants.Status().QueuedUsers == 1 {
			queuedSeen = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, queuedSeen, "third tenant was never queued")

	for _, id := range []string{w1.ID, w2.ID, w3.ID} {
		got := waitForStatus(t, f.store, id, model.WorkflowStatusSucceeded)
		assert.Equal(t, 2, got.CompletedJobs)
	}

	f.driver.Wait()
	status := f.tenants.Status()
	assert.Zero(t, status.ActiveUsers)
	assert.Zero(t, status.QueuedUsers)
}

func TestTenantSlotReleasedAfterWorkflow(t *testing.T) {
	f := newDriverFixture(t, 2, 1, 10*time.Millisecond)

	workflow, err := f.driver.CreateWorkflow("u1", "release", segDAG(map[string]int{"b1": 1}))
	require.NoError(t, err)
	waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusSucceeded)
	f.driver.Wait()

	// slot must be free for the next tenant without queueing
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.tenants.AcquireUserSlot(ctx, "u2"))
}

func TestPipelineDefaultsMergedIntoJobParams(t *testing.T) {
	f := newDriverFixture(t, 2, 3, time.Millisecond)
	f.driver.SetPipelineDefaults(PipelineDefaults{TileSize: 1024, TileOverlap: 128, BatchSize: 4})

	dag := model.DAG{Branches: map[string][]model.JobConfig{
		"b1": {
			{Type: model.JobTypeSegmentation, InputImagePath: "/data/slide.svs"},
			{
				Type:           model.JobTypeSegmentation,
				InputImagePath: "/data/slide.svs",
				Params:         map[string]interface{}{"tile_size": 512},
			},
		},
	}}
	workflow, err := f.driver.CreateWorkflow("u1", "defaults", dag)
	require.NoError(t, err)

	jobs := f.store.ListWorkflowJobs(workflow.ID)
	require.Len(t, jobs, 2)

	// omitted knobs pick up the configured defaults
	assert.Equal(t, 1024, jobs[0].Params["tile_size"])
	assert.Equal(t, 128, jobs[0].Params["tile_overlap"])
	assert.Equal(t, 4, jobs[0].Params["batch_size"])

	// explicit submission values win over defaults
	assert.Equal(t, 512, jobs[1].Params["tile_size"])
	assert.Equal(t, 128, jobs[1].Params["tile_overlap"])

	waitForStatus(t, f.store, workflow.ID, model.WorkflowStatusSucceeded)
}

func TestIdenticalDAGsYieldIndependentJobs(t *testing.T) {
	f := newDriverFixture(t, 2, 3, time.Millisecond)
	dag := segDAG(map[string]int{"b1": 2})

	w1, err := f.driver.CreateWorkflow("u1", "a", dag)
	require.NoError(t, err)
	w2, err := f.driver.CreateWorkflow("u1", "b", dag)
	require.NoError(t, err)
	require.NotEqual(t, w1.ID, w2.ID)

	waitForStatus(t, f.store, w1.ID, model.WorkflowStatusSucceeded)
	waitForStatus(t, f.store, w2.ID, model.WorkflowStatusSucceeded)

	seen := make(map[string]bool)
	for _, id := range []string{w1.ID, w2.ID} {
		for _, job := range f.store.ListWorkflowJobs(id) {
			assert.False(t, seen[job.ID], "job id reused across workflows")
			seen[job.ID] = true
		}
	}
	assert.Len(t, seen, 4)
}
