// Package tenant provides the admission manager that bounds how many
// tenants may dispatch jobs at once.
package tenant

import (
	"context"
	"sync"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

// RunningJobLister is the store view the manager consults before releasing
// a tenant slot.
type RunningJobLister interface {
	ListRunningJobsForUser(userID string) []*model.Job
}

// waiter is a queued tenant with its single-shot wait handle. The handle is
// closed after the tenant has been promoted into the active set, so the
// waiter observes itself active on resume.
type waiter struct {
	userID string
	ready  chan struct{}
}

// Manager admits at most maxActive concurrently active tenants and queues
// the rest in strict FIFO order.
type Manager struct {
	mu        sync.Mutex
	maxActive int
	active    map[string]struct{}
	counts    map[string]int
	queue     []*waiter
	store     RunningJobLister
	logger    logger.Logger
}

// NewManager creates a tenant manager with the given admission cap
func NewManager(maxActive int, store RunningJobLister, log logger.Logger) *Manager {
	return &Manager{
		maxActive: maxActive,
		active:    make(map[string]struct{}),
		counts:    make(map[string]int),
		store:     store,
		logger:    log,
	}
}

// AcquireUserSlot admits the tenant, waiting in FIFO order when the active
// set is full. Returns immediately for an already-active tenant. The wait is
// performed outside the mutex.
func (m *Manager) AcquireUserSlot(ctx context.Context, userID string) error {
	m.mu.Lock()
	if _, ok := m.active[userID]; ok {
		m.mu.Unlock()
		return nil
	}
	if len(m.active) < m.maxActive {
		m.active[userID] = struct{}{}
		m.counts[userID] = 0
		m.logger.Info("tenant activated", "user_id", userID, "active", len(m.active), "max", m.maxActive)
		m.mu.Unlock()
		return nil
	}

	w := &waiter{userID: userID, ready: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.logger.Info("tenant queued", "user_id", userID, "queued", len(m.queue))
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w.ready:
			// promoted while cancelling; the slot is already ours
			m.mu.Unlock()
			return nil
		default:
		}
		m.removeWaiter(w)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// RegisterJobStart records a job starting for an active tenant. A no-op for
// tenants that are not active.
func (m *Manager) RegisterJobStart(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.counts[userID]; ok {
		m.counts[userID]++
	}
}

// RegisterJobEnd records a job ending. When the tenant's count reaches zero
// and the store shows no RUNNING jobs for it, the slot is released and the
// head of the queue is promoted.
func (m *Manager) RegisterJobEnd(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.counts[userID]; !ok {
		return
	}
	m.counts[userID]--
	if m.counts[userID] > 0 {
		return
	}

	// Guard the window between a job's count decrement and its own store
	// update: the slot stays held while any job is still mid-lifecycle.
	if len(m.store.ListRunningJobsForUser(userID)) > 0 {
		return
	}

	delete(m.active, userID)
	delete(m.counts, userID)
	m.logger.Info("tenant released", "user_id", userID, "active", len(m.active))
	m.wakeNext()
}

// wakeNext promotes the head of the queue into the active set and signals
// its handle. Caller holds the mutex.
func (m *Manager) wakeNext() {
	if len(m.queue) == 0 {
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.active[next.userID] = struct{}{}
	m.counts[next.userID] = 0
	close(next.ready)
	m.logger.Info("tenant promoted from queue", "user_id", next.userID, "active", len(m.active))
}

// removeWaiter drops a cancelled waiter from the queue. Caller holds the mutex.
func (m *Manager) removeWaiter(w *waiter) {
	for i, queued := range m.queue {
		if queued == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Status is the manager's observable state
type Status struct {
	ActiveUsers    int            `json:"active_users"`
	MaxActiveUsers int            `json:"max_active_users"`
	QueuedUsers    int            `json:"queued_users"`
	UserJobCounts  map[string]int `json:"user_job_counts"`
}

// Status returns counters for observability
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, len(m.counts))
	for userID, n := range m.counts {
		counts[userID] = n
	}
	return Status{
		ActiveUsers:    len(m.active),
		MaxActiveUsers: m.maxActive,
		QueuedUsers:    len(m.queue),
		UserJobCounts:  counts,
	}
}
