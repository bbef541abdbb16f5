// Package progress multiplexes job and workflow progress events to
// subscribers.
package progress

import (
	"encoding/json"
	"sync"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/platform/metrics"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

// sendBuffer is each subscriber's in-flight budget; a subscriber whose
// buffer fills is considered slow and is disconnected.
const sendBuffer = 64

// SnapshotSource is the store view the hub reads snapshots from
type SnapshotSource interface {
	GetJob(id string) (*model.Job, error)
	GetWorkflow(id string) (*model.Workflow, error)
	ListWorkflowJobs(workflowID string) []*model.Job
}

// Subscriber receives serialized progress updates over a buffered channel.
// The channel is closed when the subscriber is dropped or unsubscribed.
type Subscriber struct {
	ch   chan []byte
	once sync.Once
}

// Updates returns the subscriber's event stream
func (s *Subscriber) Updates() <-chan []byte {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// deliver is non-blocking; it reports false when the buffer is full
func (s *Subscriber) deliver(data []byte) bool {
	select {
	case s.ch <- data:
		return true
	default:
		return false
	}
}

// Hub fans progress events out to subscribers indexed by job id and by
// workflow id. Delivery is best-effort and never blocks a publisher; slow
// sinks are dropped. Per-sink ordering is preserved by publishing under the
// hub mutex with non-blocking sends.
type Hub struct {
	mu      sync.Mutex
	jobSubs map[string]map[*Subscriber]struct{}
	wfSubs  map[string]map[*Subscriber]struct{}
	source  SnapshotSource
	metrics *metrics.Metrics
	logger  logger.Logger
}

// NewHub creates a hub reading snapshots from the given source
func NewHub(source SnapshotSource, m *metrics.Metrics, log logger.Logger) *Hub {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Hub{
		jobSubs: make(map[string]map[*Subscriber]struct{}),
		wfSubs:  make(map[string]map[*Subscriber]struct{}),
		source:  source,
		metrics: m,
		logger:  log,
	}
}

// SubscribeJob registers a subscriber for one job's events. The current
// snapshot is delivered first so late subscribers start from known state.
func (h *Hub) SubscribeJob(jobID string) *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.jobSubs[jobID] == nil {
		h.jobSubs[jobID] = make(map[*Subscriber]struct{})
	}
	h.jobSubs[jobID][sub] = struct{}{}
	if job, err := h.source.GetJob(jobID); err == nil {
		if data, err := json.Marshal(model.NewProgressUpdate(job)); err == nil {
			sub.deliver(data)
		}
	}
	h.mu.Unlock()

	h.metrics.Subscribers.WithLabelValues("job").Inc()
	return sub
}

// UnsubscribeJob removes a job subscriber and closes its stream
func (h *Hub) UnsubscribeJob(jobID string, sub *Subscriber) {
	h.mu.Lock()
	h.removeJobSub(jobID, sub)
	h.mu.Unlock()
}

// SubscribeWorkflow registers a subscriber for one workflow's aggregate
// events, seeded with the current snapshot.
func (h *Hub) SubscribeWorkflow(workflowID string) *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.wfSubs[workflowID] == nil {
		h.wfSubs[workflowID] = make(map[*Subscriber]struct{})
	}
	h.wfSubs[workflowID][sub] = struct{}{}
	if workflow, err := h.source.GetWorkflow(workflowID); err == nil {
		jobs := h.source.ListWorkflowJobs(workflowID)
		if data, err := json.Marshal(model.NewWorkflowProgressUpdate(workflow, jobs)); err == nil {
			sub.deliver(data)
		}
	}
	h.mu.Unlock()

	h.metrics.Subscribers.WithLabelValues("workflow").Inc()
	return sub
}

// UnsubscribeWorkflow removes a workflow subscriber and closes its stream
func (h *Hub) UnsubscribeWorkflow(workflowID string, sub *Subscriber) {
	h.mu.Lock()
	h.removeWfSub(workflowID, sub)
	h.mu.Unlock()
}

// PublishJob broadcasts one job progress update to its subscribers.
// Publishing with no subscribers is a no-op.
func (h *Hub) PublishJob(job *model.Job) {
	update := model.NewProgressUpdate(job)
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Warn("progress update marshal failed", "job_id", job.ID, "error", err)
		return
	}

	h.mu.Lock()
	for sub := range h.jobSubs[job.ID] {
		if !sub.deliver(data) {
			h.removeJobSub(job.ID, sub)
			h.metrics.SinksDropped.Inc()
			h.logger.Warn("slow job subscriber dropped", "job_id", job.ID)
		}
	}
	h.mu.Unlock()

	h.metrics.UpdatesPublished.WithLabelValues("job").Inc()
}

// PublishWorkflow reads the workflow snapshot, computes aggregate progress
// and broadcasts it to the workflow's subscribers.
func (h *Hub) PublishWorkflow(workflowID string) {
	workflow, err := h.source.GetWorkflow(workflowID)
	if err != nil {
		return
	}
	jobs := h.source.ListWorkflowJobs(workflowID)
	update := model.NewWorkflowProgressUpdate(workflow, jobs)
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Warn("workflow update marshal failed", "workflow_id", workflowID, "error", err)
		return
	}

	h.mu.Lock()
	for sub := range h.wfSubs[workflowID] {
		if !sub.deliver(data) {
			h.removeWfSub(workflowID, sub)
			h.metrics.SinksDropped.Inc()
			h.logger.Warn("slow workflow subscriber dropped", "workflow_id", workflowID)
		}
	}
	h.mu.Unlock()

	h.metrics.UpdatesPublished.WithLabelValues("workflow").Inc()
}

// SubscriberCounts returns the number of job and workflow subscribers
func (h *Hub) SubscriberCounts() (jobs, workflows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.jobSubs {
		jobs += len(subs)
	}
	for _, subs := range h.wfSubs {
		workflows += len(subs)
	}
	return jobs, workflows
}

// removeJobSub removes and closes a job subscriber. Caller holds the mutex.
func (h *Hub) removeJobSub(jobID string, sub *Subscriber) {
	if subs, ok := h.jobSubs[jobID]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.jobSubs, jobID)
			}
			sub.close()
			h.metrics.Subscribers.WithLabelValues("job").Dec()
		}
	}
}

// removeWfSub removes and closes a workflow subscriber. Caller holds the mutex.
func (h *Hub) removeWfSub(workflowID string, sub *Subscriber) {
	if subs, ok := h.wfSubs[workflowID]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.wfSubs, workflowID)
			}
			sub.close()
			h.metrics.Subscribers.WithLabelValues("workflow").Dec()
		}
	}
}
