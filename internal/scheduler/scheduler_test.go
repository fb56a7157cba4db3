package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// jobStore is an in-memory scheduled-job table. Unused Store methods panic
// through the embedded nil interface.
type jobStore struct {
	store.Store
	mu      sync.Mutex
	jobs    map[string]*store.ScheduledJob
	updates map[string][]store.ScheduledJobUpdate
}

func newJobStore(jobs ...*store.ScheduledJob) *jobStore {
	s := &jobStore{
		jobs:    map[string]*store.ScheduledJob{},
		updates: map[string][]store.ScheduledJobUpdate{},
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *jobStore) ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range s.jobs {
		if filter.EnabledOnly && !j.Enabled {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *jobStore) UpdateScheduledJobRun(ctx context.Context, id string, update store.ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled_job %q not found", id)
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	s.updates[id] = append(s.updates[id], update)
	return nil
}

type runnerCall struct {
	userID       string
	workflowID   string
	content      *schema.WorkflowContent
	triggerInput map[string]any
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []runnerCall
	result *schema.WorkflowExecutionResult
}

func (r *fakeRunner) Execute(ctx context.Context, userID, workflowID string, content *schema.WorkflowContent, triggerInput map[string]any) *schema.WorkflowExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{userID, workflowID, content, triggerInput})
	if r.result != nil {
		return r.result
	}
	return &schema.WorkflowExecutionResult{Success: true, ExecutionID: "exec-1", WorkflowID: workflowID}
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner WorkflowRunner) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(s, runner, logger)
}

func testJob(id string, mutate func(*store.ScheduledJob)) *store.ScheduledJob {
	past := time.Now().UTC().Add(-time.Minute)
	job := &store.ScheduledJob{
		ID:         id,
		WorkflowID: "wf-1",
		UserID:     "u1",
		CronExpr:   "*/5 * * * *",
		Workflow:   json.RawMessage(`{"nodes":[{"id":"start","type":"trigger"}]}`),
		Enabled:    true,
		NextRunAt:  &past,
	}
	if mutate != nil {
		mutate(job)
	}
	return job
}

// --- Cron parsing ---

func TestScheduler_CalculateNextRun(t *testing.T) {
	s := newTestScheduler(newJobStore(), &fakeRunner{})

	from := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) // a Wednesday
	next, err := s.CalculateNextRun("0 9 * * 1", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(15*time.Minute), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)

	// Six-field (seconds) expressions are not accepted.
	_, err = s.CalculateNextRun("0 0 9 * * 1", from)
	assert.Error(t, err)
}

// --- Tick ---

func TestScheduler_TickRunsDueJobs(t *testing.T) {
	js := newJobStore(
		testJob("due", func(j *store.ScheduledJob) {
			j.TriggerInput = json.RawMessage(`{"source":"cron"}`)
		}),
		testJob("future", func(j *store.ScheduledJob) {
			next := time.Now().UTC().Add(time.Hour)
			j.NextRunAt = &next
		}),
		testJob("disabled", func(j *store.ScheduledJob) {
			j.Enabled = false
		}),
	)
	runner := &fakeRunner{}
	s := newTestScheduler(js, runner)

	s.tick(context.Background())

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "u1", call.userID)
	assert.Equal(t, "wf-1", call.workflowID)
	require.Len(t, call.content.Nodes, 1)
	assert.Equal(t, "start", call.content.Nodes[0].ID)
	assert.Equal(t, map[string]any{"source": "cron"}, call.triggerInput)

	// Bookkeeping: last run set, next run advanced into the future.
	job := js.jobs["due"]
	require.NotNil(t, job.LastRunAt)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	assert.Empty(t, js.updates["future"])
	assert.Empty(t, js.updates["disabled"])
}

func TestScheduler_TickWithNilNextRun(t *testing.T) {
	js := newJobStore(testJob("j1", func(j *store.ScheduledJob) {
		j.NextRunAt = nil
	}))
	runner := &fakeRunner{}
	s := newTestScheduler(js, runner)

	s.tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
}

func TestScheduler_MalformedWorkflowDisablesJob(t *testing.T) {
	js := newJobStore(testJob("broken", func(j *store.ScheduledJob) {
		j.Workflow = json.RawMessage(`{not json`)
	}))
	runner := &fakeRunner{}
	s := newTestScheduler(js, runner)

	s.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
	assert.False(t, js.jobs["broken"].Enabled)
}

func TestScheduler_FailedRunStillReschedules(t *testing.T) {
	js := newJobStore(testJob("j1", nil))
	runner := &fakeRunner{result: &schema.WorkflowExecutionResult{
		Success:     false,
		ExecutionID: "exec-1",
		Error:       schema.NewError(schema.ErrCodeNetwork, "upstream down"),
	}}
	s := newTestScheduler(js, runner)

	s.tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
	require.NotNil(t, js.jobs["j1"].NextRunAt)
	assert.True(t, js.jobs["j1"].NextRunAt.After(time.Now().UTC()))
}

// --- Dedup ---

func TestScheduler_InflightDedup(t *testing.T) {
	s := newTestScheduler(newJobStore(), &fakeRunner{})

	require.True(t, s.tryAcquire("j1"))
	assert.False(t, s.tryAcquire("j1"))
	assert.True(t, s.tryAcquire("j2"))

	s.releaseJob("j1")
	assert.True(t, s.tryAcquire("j1"))
}

// --- Lifecycle ---

func TestScheduler_StartStop(t *testing.T) {
	js := newJobStore()
	s := newTestScheduler(js, &fakeRunner{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	// Stop is idempotent.
	require.NoError(t, s.Stop())

	// A stopped scheduler can be started again.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

// --- Recovery ---

func TestScheduler_RecoverMissed(t *testing.T) {
	js := newJobStore(
		testJob("missed", nil),
		testJob("pending", func(j *store.ScheduledJob) {
			next := time.Now().UTC().Add(time.Hour)
			j.NextRunAt = &next
		}),
		testJob("never-scheduled", func(j *store.ScheduledJob) {
			j.NextRunAt = nil
		}),
	)
	runner := &fakeRunner{}
	s := newTestScheduler(js, runner)

	require.NoError(t, s.RecoverMissed(context.Background()))

	// Only the overdue job runs; nil next_run_at is left for the first tick.
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "wf-1", runner.calls[0].workflowID)
	require.NotNil(t, js.jobs["missed"].NextRunAt)
	assert.True(t, js.jobs["missed"].NextRunAt.After(time.Now().UTC()))
}
