package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/platform/response"
	"github.com/pathflow-ai/pathflow/internal/scheduler/adapters/http/dto"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/engine"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
)

// userID extracts the opaque tenant id the transport layer supplies
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// WorkflowHandler handles workflow and job HTTP requests
type WorkflowHandler struct {
	store     *store.Store
	driver    *engine.Driver
	scheduler *engine.Scheduler
	logger    logger.Logger
}

// NewWorkflowHandler creates a workflow handler
func NewWorkflowHandler(st *store.Store, driver *engine.Driver, sched *engine.Scheduler, log logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		store:     st,
		driver:    driver,
		scheduler: sched,
		logger:    log,
	}
}

// RegisterRoutes registers workflow and job routes
func (h *WorkflowHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/workflows", h.CreateWorkflow).Methods("POST")
	router.HandleFunc("/workflows", h.ListWorkflows).Methods("GET")
	router.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods("GET")
	router.HandleFunc("/workflows/{id}", h.CancelWorkflow).Methods("DELETE")
	router.HandleFunc("/workflows/{id}/jobs", h.ListWorkflowJobs).Methods("GET")
	router.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	router.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
}

// CreateWorkflow submits a workflow for execution
func (h *WorkflowHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		response.Error(w, response.ErrBadRequest.WithMessage("X-User-ID header is required"))
		return
	}

	var req dto.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage(err.Error()))
		return
	}

	workflow, err := h.driver.CreateWorkflow(user, req.Name, req.ToModel())
	if err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage(err.Error()))
		return
	}
	response.Created(w, dto.NewWorkflowResponse(workflow, nil))
}

// ListWorkflows lists the caller's workflows
func (h *WorkflowHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	workflows := h.store.ListUserWorkflows(user)
	items := make([]dto.WorkflowResponse, 0, len(workflows))
	for _, workflow := range workflows {
		jobs := h.store.ListWorkflowJobs(workflow.ID)
		items = append(items, dto.NewWorkflowResponse(workflow, jobs))
	}
	response.OK(w, items)
}

// getOwnedWorkflow loads a workflow and enforces ownership
func (h *WorkflowHandler) getOwnedWorkflow(w http.ResponseWriter, r *http.Request) (*model.Workflow, bool) {
	workflow, err := h.store.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		response.Error(w, response.ErrNotFound.WithMessage("Workflow not found"))
		return nil, false
	}
	if workflow.UserID != userID(r) {
		response.Error(w, response.ErrForbidden)
		return nil, false
	}
	return workflow, true
}

// GetWorkflow returns one workflow with aggregate progress
func (h *WorkflowHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, ok := h.getOwnedWorkflow(w, r)
	if !ok {
		return
	}
	jobs := h.store.ListWorkflowJobs(workflow.ID)
	response.OK(w, dto.NewWorkflowResponse(workflow, jobs))
}

// CancelWorkflow cancels the workflow's pending jobs
func (h *WorkflowHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, ok := h.getOwnedWorkflow(w, r)
	if !ok {
		return
	}
	cancelled, err := h.driver.CancelWorkflow(workflow.ID)
	if err != nil {
		h.logger.Error("workflow cancel failed", "workflow_id", workflow.ID, "error", err)
		response.Error(w, response.ErrInternal)
		return
	}
	response.OK(w, dto.CancelWorkflowResponse{CancelledCount: cancelled})
}

// ListWorkflowJobs returns the workflow's jobs
func (h *WorkflowHandler) ListWorkflowJobs(w http.ResponseWriter, r *http.Request) {
	workflow, ok := h.getOwnedWorkflow(w, r)
	if !ok {
		return
	}
	jobs := h.store.ListWorkflowJobs(workflow.ID)
	items := make([]dto.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, dto.NewJobResponse(job))
	}
	response.OK(w, items)
}

// getOwnedJob loads a job and enforces ownership
func (h *WorkflowHandler) getOwnedJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	job, err := h.store.GetJob(mux.Vars(r)["id"])
	if err != nil {
		response.Error(w, response.ErrNotFound.WithMessage("Job not found"))
		return nil, false
	}
	if job.UserID != userID(r) {
		response.Error(w, response.ErrForbidden)
		return nil, false
	}
	return job, true
}

// GetJob returns one job snapshot
func (h *WorkflowHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.getOwnedJob(w, r)
	if !ok {
		return
	}
	response.OK(w, dto.NewJobResponse(job))
}

// CancelJob cancels a pending job; 400 when the job is past PENDING
func (h *WorkflowHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.getOwnedJob(w, r)
	if !ok {
		return
	}
	cancelled, err := h.scheduler.CancelJob(job.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, response.ErrNotFound.WithMessage("Job not found"))
			return
		}
		h.logger.Error("job cancel failed", "job_id", job.ID, "error", err)
		response.Error(w, response.ErrInternal)
		return
	}
	if !cancelled {
		response.Error(w, response.ErrInvalidState.WithMessage("Only pending jobs can be cancelled"))
		return
	}
	response.OK(w, dto.NewJobResponse(mustGetJob(h.store, job.ID)))
}

func mustGetJob(st *store.Store, id string) *model.Job {
	job, err := st.GetJob(id)
	if err != nil {
		return &model.Job{ID: id}
	}
	return job
}
