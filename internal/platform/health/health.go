// Package health provides the service health endpoint
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pathflow-ai/pathflow/internal/platform/response"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Checker is a function that performs a single health check
type Checker func(ctx context.Context) error

// Body is the health check response payload
type Body struct {
	Status  Status            `json:"status"`
	Service string            `json:"service,omitempty"`
	Version string            `json:"version,omitempty"`
	Uptime  int64             `json:"uptime_seconds,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler runs registered checks and serves /health
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]Checker
	service   string
	version   string
	startTime time.Time
}

// NewHandler creates a health handler
func NewHandler(service, version string) *Handler {
	return &Handler{
		checks:    make(map[string]Checker),
		service:   service,
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a health check
func (h *Handler) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// ServeHTTP runs all checks and reports aggregate health
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	body := Body{
		Status:  StatusHealthy,
		Service: h.service,
		Version: h.version,
		Uptime:  int64(time.Since(h.startTime).Seconds()),
	}

	if len(h.checks) > 0 {
		body.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				body.Status = StatusUnhealthy
				body.Checks[name] = err.Error()
			} else {
				body.Checks[name] = "ok"
			}
		}
	}

	code := http.StatusOK
	if body.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	response.JSON(w, code, body)
}
