package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/platform/response"
	"github.com/pathflow-ai/pathflow/internal/scheduler/engine"
	"github.com/pathflow-ai/pathflow/internal/scheduler/progress"
	"github.com/pathflow-ai/pathflow/internal/scheduler/tenant"
)

// StatusHandler exposes scheduler and tenant-manager counters
type StatusHandler struct {
	scheduler *engine.Scheduler
	tenants   *tenant.Manager
	hub       *progress.Hub
	logger    logger.Logger
}

// NewStatusHandler creates a status handler
func NewStatusHandler(sched *engine.Scheduler, tenants *tenant.Manager, hub *progress.Hub, log logger.Logger) *StatusHandler {
	return &StatusHandler{scheduler: sched, tenants: tenants, hub: hub, logger: log}
}

// RegisterRoutes registers the status endpoint
func (h *StatusHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/status", h.Status).Methods("GET")
}

// systemInfo is a best-effort snapshot of host load
type systemInfo struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// statusBody is the /status payload
type statusBody struct {
	Scheduler struct {
		MaxWorkers  int      `json:"max_workers"`
		RunningJobs []string `json:"running_jobs"`
	} `json:"scheduler"`
	Tenants     tenant.Status `json:"tenants"`
	Subscribers struct {
		Jobs      int `json:"jobs"`
		Workflows int `json:"workflows"`
	} `json:"subscribers"`
	System *systemInfo `json:"system,omitempty"`
}

// Status reports scheduler, tenant and subscriber counters plus host load
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	schedStatus := h.scheduler.Status()
	body.Scheduler.MaxWorkers = schedStatus.MaxWorkers
	body.Scheduler.RunningJobs = schedStatus.RunningJobs
	body.Tenants = h.tenants.Status()
	body.Subscribers.Jobs, body.Subscribers.Workflows = h.hub.SubscriberCounts()
	body.System = h.systemInfo()
	response.OK(w, body)
}

func (h *StatusHandler) systemInfo() *systemInfo {
	info := &systemInfo{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		h.logger.Debug("memory stats unavailable", "error", err)
		return info
	}
	info.MemoryPercent = vm.UsedPercent
	info.MemoryUsedMB = vm.Used / 1024 / 1024
	return info
}
