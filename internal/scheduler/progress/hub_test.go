package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
)

func seedJob(t *testing.T, st *store.Store) (*model.Workflow, *model.Job) {
	t.Helper()
	workflow, err := model.NewWorkflow("u1", "test", model.DAG{Branches: map[string][]model.JobConfig{
		"b1": {{Type: model.JobTypeSegmentation, InputImagePath: "/data/a.svs"}},
	}})
	require.NoError(t, err)
	st.CreateWorkflow(workflow)

	job := model.NewJob(workflow.ID, "b1", "u1", model.JobConfig{
		Type:           model.JobTypeSegmentation,
		InputImagePath: "/data/a.svs",
	})
	st.CreateJob(job)
	return workflow, job
}

func recvUpdate(t *testing.T, sub *Subscriber) model.ProgressUpdate {
	t.Helper()
	select {
	case data, ok := <-sub.Updates():
		require.True(t, ok, "subscriber channel closed")
		var update model.ProgressUpdate
		require.NoError(t, json.Unmarshal(data, &update))
		return update
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
		return model.ProgressUpdate{}
	}
}

func TestSubscribeJobDeliversSnapshotFirst(t *testing.T) {
	st := store.New()
	_, job := seedJob(t, st)
	hub := NewHub(st, nil, logger.NewNop())

	sub := hub.SubscribeJob(job.ID)
	defer hub.UnsubscribeJob(job.ID, sub)

	snapshot := recvUpdate(t, sub)
	assert.Equal(t, job.ID, snapshot.JobID)
	assert.Equal(t, model.JobStatusPending, snapshot.Status)
	assert.Zero(t, snapshot.ProgressPercent)
}

func TestPublishJobFanOutPreservesOrder(t *testing.T) {
	st := store.New()
	_, job := seedJob(t, st)
	hub := NewHub(st, nil, logger.NewNop())

	first := hub.SubscribeJob(job.ID)
	second := hub.SubscribeJob(job.ID)
	defer hub.UnsubscribeJob(job.ID, first)
	defer hub.UnsubscribeJob(job.ID, second)

	// drain initial snapshots
	recvUpdate(t, first)
	recvUpdate(t, second)

	for i := 1; i <= 10; i++ {
		percent := float64(i * 10)
		snapshot, err := st.UpdateJob(job.ID, store.JobUpdate{ProgressPercent: &percent})
		require.NoError(t, err)
		hub.PublishJob(snapshot)
	}

	for _, sub := range []*Subscriber{first, second} {
		for i := 1; i <= 10; i++ {
			update := recvUpdate(t, sub)
			assert.InDelta(t, float64(i*10), update.ProgressPercent, 0.0001)
		}
	}
}

func TestSlowSubscriberDroppedOthersUnaffected(t *testing.T) {
	st := store.New()
	_, job := seedJob(t, st)
	hub := NewHub(st, nil, logger.NewNop())

	slow := hub.SubscribeJob(job.ID)
	healthy := hub.SubscribeJob(job.ID)
	defer hub.UnsubscribeJob(job.ID, healthy)

	// the healthy subscriber keeps draining the whole time
	healthyDone := make(chan int)
	go func() {
		count := 0
		for range healthy.Updates() {
			count++
		}
		healthyDone <- count
	}()

	// slow never drains; overflow its buffer
	snapshot, err := st.GetJob(job.ID)
	require.NoError(t, err)
	for i := 0; i < sendBuffer+8; i++ {
		hub.PublishJob(snapshot)
		if i%16 == 0 {
			// pacing keeps the draining subscriber ahead while the slow
			// one, which never reads, still overflows
			time.Sleep(time.Millisecond)
		}
	}

	// the slow sink's stream ends with a close once dropped
	closed := false
	for !closed {
		select {
		case _, ok := <-slow.Updates():
			if !ok {
				closed = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("slow subscriber never dropped")
		}
	}

	jobs, _ := hub.SubscriberCounts()
	assert.Equal(t, 1, jobs)

	// the healthy subscriber received the stream uninterrupted
	hub.UnsubscribeJob(job.ID, healthy)
	select {
	case count := <-healthyDone:
		assert.GreaterOrEqual(t, count, sendBuffer)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber never finished draining")
	}
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	st := store.New()
	workflow, job := seedJob(t, st)
	hub := NewHub(st, nil, logger.NewNop())

	assert.NotPanics(t, func() {
		hub.PublishJob(job)
		hub.PublishWorkflow(workflow.ID)
		hub.PublishWorkflow("missing")
	})
}

func TestWorkflowSubscriberAggregateProgress(t *testing.T) {
	st := store.New()
	workflow, err := model.NewWorkflow("u1", "agg", model.DAG{Branches: map[string][]model.JobConfig{
		"b1": {
			{Type: model.JobTypeSegmentation, InputImagePath: "/a"},
			{Type: model.JobTypeSegmentation, InputImagePath: "/b"},
		},
	}})
	require.NoError(t, err)
	st.CreateWorkflow(workflow)

	first := model.NewJob(workflow.ID, "b1", "u1", model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/a"})
	second := model.NewJob(workflow.ID, "b1", "u1", model.JobConfig{Type: model.JobTypeSegmentation, InputImagePath: "/b"})
	st.CreateJob(first)
	st.CreateJob(second)

	hub := NewHub(st, nil, logger.NewNop())
	sub := hub.SubscribeWorkflow(workflow.ID)
	defer hub.UnsubscribeWorkflow(workflow.ID, sub)

	// initial snapshot: no progress yet
	var initial model.WorkflowProgressUpdate
	select {
	case data := <-sub.Updates():
		require.NoError(t, json.Unmarshal(data, &initial))
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	assert.Zero(t, initial.ProgressPercent)
	assert.Equal(t, 2, initial.TotalJobs)

	percent := 50.0
	_, err = st.UpdateJob(first.ID, store.JobUpdate{ProgressPercent: &percent})
	require.NoError(t, err)
	hub.PublishWorkflow(workflow.ID)

	var update model.WorkflowProgressUpdate
	select {
	case data := <-sub.Updates():
		require.NoError(t, json.Unmarshal(data, &update))
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
	assert.InDelta(t, 25.0, update.ProgressPercent, 0.0001)
}

func TestUnsubscribeClosesStream(t *testing.T) {
	st := store.New()
	_, job := seedJob(t, st)
	hub := NewHub(st, nil, logger.NewNop())

	sub := hub.SubscribeJob(job.ID)
	recvUpdate(t, sub)
	hub.UnsubscribeJob(job.ID, sub)

	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after unsubscribe")
	}

	jobs, workflows := hub.SubscriberCounts()
	assert.Zero(t, jobs)
	assert.Zero(t, workflows)
}
