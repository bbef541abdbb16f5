package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/platform/metrics"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
	"github.com/pathflow-ai/pathflow/internal/scheduler/tenant"
)

// PipelineDefaults are executor knobs merged into a job's params when the
// submission omits them. Zero values are not merged.
type PipelineDefaults struct {
	TileSize    int
	TileOverlap int
	BatchSize   int
}

// apply fills missing params in place; explicit submission values win
func (p PipelineDefaults) apply(params map[string]interface{}) {
	defaults := map[string]int{
		"tile_size":    p.TileSize,
		"tile_overlap": p.TileOverlap,
		"batch_size":   p.BatchSize,
	}
	for key, value := range defaults {
		if value <= 0 {
			continue
		}
		if _, ok := params[key]; !ok {
			params[key] = value
		}
	}
}

// Driver expands submitted workflows into jobs and dispatches one serial
// chain per branch, gated by tenant admission.
type Driver struct {
	store     *store.Store
	scheduler *Scheduler
	tenants   *tenant.Manager
	hub       ProgressPublisher
	metrics   *metrics.Metrics
	logger    logger.Logger
	pipeline  PipelineDefaults

	// baseCtx outlives the submitting request; drivers run until their
	// workflow terminates or the process shuts down.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewDriver creates a workflow driver
func NewDriver(baseCtx context.Context, st *store.Store, sched *Scheduler, tenants *tenant.Manager, hub ProgressPublisher, m *metrics.Metrics, log logger.Logger) *Driver {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Driver{
		store:     st,
		scheduler: sched,
		tenants:   tenants,
		hub:       hub,
		metrics:   m,
		logger:    log,
		baseCtx:   baseCtx,
	}
}

// SetPipelineDefaults attaches the executor knobs merged into submitted
// jobs that do not set them.
func (d *Driver) SetPipelineDefaults(defaults PipelineDefaults) {
	d.pipeline = defaults
}

// CreateWorkflow persists the workflow and its jobs, starts the driver task
// and returns the workflow snapshot immediately. Execution errors surface
// through job and workflow status, never through this call.
func (d *Driver) CreateWorkflow(userID, name string, dag model.DAG) (*model.Workflow, error) {
	workflow, err := model.NewWorkflow(userID, name, dag)
	if err != nil {
		return nil, err
	}
	snapshot := d.store.CreateWorkflow(workflow)

	// Jobs are created branch by branch (branch order is not fixed); each
	// branch keeps its own ordered slice so dispatch order within a branch
	// matches submission order.
	jobsByBranch := make(map[string][]*model.Job, len(dag.Branches))
	for branchID, configs := range dag.Branches {
		branch := make([]*model.Job, 0, len(configs))
		for _, cfg := range configs {
			job := model.NewJob(workflow.ID, branchID, userID, cfg)
			d.pipeline.apply(job.Params)
			d.store.CreateJob(job)
			branch = append(branch, job)
		}
		jobsByBranch[branchID] = branch
	}

	d.wg.Add(1)
	go d.run(workflow.ID, userID, jobsByBranch)

	d.logger.Info("workflow submitted",
		"workflow_id", workflow.ID, "user_id", userID,
		"branches", len(dag.Branches), "total_jobs", workflow.TotalJobs)
	return snapshot, nil
}

// run is the workflow-driver task: admission, branch dispatch, release.
func (d *Driver) run(workflowID, userID string, jobsByBranch map[string][]*model.Job) {
	defer d.wg.Done()
	log := d.logger.WithFields(map[string]interface{}{
		"workflow_id": workflowID,
		"user_id":     userID,
	})

	if err := d.tenants.AcquireUserSlot(d.baseCtx, userID); err != nil {
		log.Warn("tenant admission aborted", "error", err)
		return
	}
	d.publishTenantGauges()

	// The driver holds its own long-lived reference on the tenant for the
	// whole dispatch, separate from the per-job brackets. Released after
	// every branch has drained.
	d.tenants.RegisterJobStart(userID)
	defer func() {
		d.tenants.RegisterJobEnd(userID)
		d.publishTenantGauges()
	}()

	running := model.WorkflowStatusRunning
	startedAt := time.Now().UTC()
	if _, err := d.store.UpdateWorkflow(workflowID, store.WorkflowUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		log.Error("failed to mark workflow running", "error", err)
		return
	}
	if d.hub != nil {
		d.hub.PublishWorkflow(workflowID)
	}
	log.Info("workflow dispatch started", "branches", len(jobsByBranch))

	var branches sync.WaitGroup
	for branchID, jobs := range jobsByBranch {
		branches.Add(1)
		go func(branchID string, jobs []*model.Job) {
			defer branches.Done()
			d.dispatchBranch(userID, branchID, jobs)
		}(branchID, jobs)
	}
	branches.Wait()
	log.Info("workflow dispatch finished")
}

// dispatchBranch runs a branch's jobs strictly in submission order. Each
// job is bracketed by tenant job accounting with a guaranteed-executed end.
func (d *Driver) dispatchBranch(userID, branchID string, jobs []*model.Job) {
	for _, job := range jobs {
		func(job *model.Job) {
			d.tenants.RegisterJobStart(userID)
			defer func() {
				d.tenants.RegisterJobEnd(userID)
				d.publishTenantGauges()
			}()
			if err := d.scheduler.ScheduleJob(d.baseCtx, job); err != nil {
				d.logger.Error("branch dispatch error",
					"branch_id", branchID, "job_id", job.ID, "error", err)
			}
		}(job)
	}
}

// CancelWorkflow cancels every PENDING job of a workflow and returns the
// number cancelled. Running jobs continue to completion.
func (d *Driver) CancelWorkflow(workflowID string) (int, error) {
	if _, err := d.store.GetWorkflow(workflowID); err != nil {
		return 0, err
	}
	cancelled := 0
	for _, job := range d.store.ListWorkflowJobs(workflowID) {
		if job.Status != model.JobStatusPending {
			continue
		}
		ok, err := d.scheduler.CancelJob(job.ID)
		if err != nil {
			d.logger.Warn("workflow cancel skipped job", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			cancelled++
		}
	}
	d.logger.Info("workflow cancellation requested", "workflow_id", workflowID, "cancelled", cancelled)
	return cancelled, nil
}

// Wait blocks until every in-flight driver task has finished. Used by
// graceful shutdown and tests.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) publishTenantGauges() {
	status := d.tenants.Status()
	d.metrics.TenantsActive.Set(float64(status.ActiveUsers))
	d.metrics.TenantsQueued.Set(float64(status.QueuedUsers))
}
