package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/carecast/internal/archive"
	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/executor"
	"github.com/foxzi/carecast/internal/ratelimit"
	"github.com/foxzi/carecast/internal/store"
)

var now = time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]*executor.Result
	errs    map[string]error
	hook    func(req *executor.Request)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls:   make(map[string]int),
		results: make(map[string]*executor.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.calls[req.TaskID]++
	res, hasRes := f.results[req.Person.ID]
	err := f.errs[req.Person.ID]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hasRes {
		return res, nil
	}
	return &executor.Result{Success: true, Message: "ok"}, nil
}

func (f *fakeExecutor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []*audit.Entry
	history map[string][]audit.HistoryRecipient
}

func (r *memoryRecorder) Record(ctx context.Context, entries ...*audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *memoryRecorder) AppendHistory(ctx context.Context, jobID, actionType, accountID string, rec audit.HistoryRecipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.history == nil {
		r.history = make(map[string][]audit.HistoryRecipient)
	}
	r.history[jobID] = append(r.history[jobID], rec)
	return nil
}

func (r *memoryRecorder) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	store *store.BoltStore
	exec  *fakeExecutor
	audit *memoryRecorder
	arch  *archive.Manager
	disp  *Dispatcher
}

func setup(t *testing.T, rate ratelimit.State) *fixture {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"), time.UTC)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateAccount(context.Background(), &campaign.Account{ID: "acc1", Rate: rate}))

	clock := func() time.Time { return now }
	f := &fixture{store: st, exec: newFakeExecutor(), audit: &memoryRecorder{}}
	f.arch = archive.NewManager(st, f.audit, nil)
	f.arch.SetClock(clock)

	cfg := DefaultConfig()
	cfg.ClaimTimeout = 10 * time.Minute
	f.disp = New(cfg, st, f.exec, f.audit, f.arch, nil)
	f.disp.SetClock(clock)
	return f
}

// createJob stores a job with one task per offset relative to now
func (f *fixture) createJob(t *testing.T, id string, offsets ...time.Duration) *campaign.Job {
	t.Helper()

	job := &campaign.Job{
		ID:         id,
		ActionType: campaign.ActionAddFriend,
		AccountID:  "acc1",
		Status:     campaign.JobProcessing,
		CreatedAt:  now.Add(-time.Hour),
	}
	for i, off := range offsets {
		job.AddTask(&campaign.Task{
			ID:           fmt.Sprintf("%s-t%d", id, i),
			Person:       campaign.Person{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("Customer %d", i)},
			ScheduledFor: now.Add(off),
			Status:       campaign.TaskPending,
		})
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job, ratelimit.State{}))
	return job
}

func TestTickExecutesDueTasks(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100, PerDay: 1000})
	ctx := context.Background()
	f.createJob(t, "j1", -3*time.Minute, -2*time.Minute, -time.Minute, time.Hour)

	n, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.exec.total())

	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Statistics.Completed)
	assert.Equal(t, campaign.TaskPending, job.Tasks["j1-t3"].Status)
	assert.Equal(t, "ok", job.Tasks["j1-t0"].ResultMessage)

	acct, err := f.store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.Rate.HourlyUsed)
	assert.Equal(t, 3, acct.Rate.DailyUsed)

	assert.Equal(t, 3, f.audit.count("execute_add_friend"))
	assert.Len(t, f.audit.history["j1"], 3)
}

func TestTickIsIdempotent(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100, PerDay: 1000})
	ctx := context.Background()
	f.createJob(t, "j1", -2*time.Minute, -time.Minute, time.Hour)

	first, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	second, err := f.disp.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Zero(t, second)
	for task, calls := range f.exec.calls {
		assert.Equal(t, 1, calls, task)
	}

	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Statistics.Completed)

	acct, err := f.store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, 2, acct.Rate.HourlyUsed)
}

func TestConcurrentTicks(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100})
	ctx := context.Background()
	f.createJob(t, "j1", -5*time.Minute, -4*time.Minute, -3*time.Minute, -2*time.Minute, -time.Minute, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.disp.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, f.exec.total())
	for task, calls := range f.exec.calls {
		assert.Equal(t, 1, calls, task)
	}
}

func TestTickDefersExhaustedAccount(t *testing.T) {
	f := setup(t, ratelimit.State{
		PerHour:    5,
		HourlyUsed: 5,
		DailyUsed:  5,
		HourStart:  now.Add(-10 * time.Minute),
		DayStart:   ratelimit.StartOfDay(now, time.UTC),
	})
	ctx := context.Background()
	f.createJob(t, "j1", -time.Minute)

	n, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.exec.total())

	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskPending, job.Tasks["j1-t0"].Status)
	assert.Equal(t, campaign.Statistics{Total: 1}, job.Statistics)

	acct, err := f.store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.Rate.HourlyUsed)

	// Once the hour window rolls over the task runs
	later := now.Add(time.Hour)
	f.disp.SetClock(func() time.Time { return later })
	f.arch.SetClock(func() time.Time { return later })

	n, err = f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickIsolatesFailures(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100})
	ctx := context.Background()
	f.createJob(t, "j1", -3*time.Minute, -2*time.Minute, -time.Minute, time.Hour)

	f.exec.errs["c0"] = errors.New("connection refused")
	f.exec.results["c1"] = &executor.Result{Success: false, Message: "recipient blocked"}

	n, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Statistics.Completed)
	assert.Equal(t, 2, job.Statistics.Failed)

	t0 := job.Tasks["j1-t0"]
	assert.Equal(t, campaign.TaskFailed, t0.Status)
	assert.Contains(t, t0.ResultMessage, "connection refused")

	t1 := job.Tasks["j1-t1"]
	assert.Equal(t, campaign.TaskFailed, t1.Status)
	assert.Equal(t, "recipient blocked", t1.ResultMessage)

	assert.Equal(t, campaign.TaskCompleted, job.Tasks["j1-t2"].Status)
}

func TestTickFinalizesCompletedJob(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100})
	ctx := context.Background()
	f.createJob(t, "j1", -2*time.Minute, -time.Minute)
	f.exec.results["c1"] = &executor.Result{Success: false, Message: "nope"}

	_, err := f.disp.Tick(ctx)
	require.NoError(t, err)

	_, err = f.store.GetJob(ctx, "j1")
	assert.ErrorIs(t, err, campaign.ErrNotFound)

	archived, err := f.store.GetArchived(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, campaign.JobCompleted, archived.Status)
	assert.Equal(t, 1, archived.Statistics.Completed)
	assert.Equal(t, 1, archived.Statistics.Failed)

	live, _, err := f.store.ListLive(ctx, campaign.JobListFilter{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, live)

	acct, err := f.store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.False(t, acct.IsLocked)
}

func TestTickRecoversStaleClaims(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100})
	ctx := context.Background()
	f.createJob(t, "j1", -time.Hour)

	// A previous tick claimed the task and crashed
	claimed, err := f.store.ClaimDue(ctx, now.Add(-30*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, claimed.Claims, 1)

	n, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.exec.total())

	archived, err := f.store.GetArchived(ctx, "j1")
	require.NoError(t, err)
	task := archived.Tasks["j1-t0"]
	assert.Equal(t, campaign.TaskFailed, task.Status)
	assert.Equal(t, interruptedMessage, task.ResultMessage)
	assert.Equal(t, 1, f.audit.count("execute_add_friend"))
}

func TestTickJobStoppedDuringExecution(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100})
	ctx := context.Background()
	f.createJob(t, "j1", -time.Minute, time.Hour)

	f.exec.hook = func(req *executor.Request) {
		_, err := f.arch.Stop(ctx, req.JobID, "user-1")
		assert.NoError(t, err)
	}

	n, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	archived, err := f.store.GetArchived(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, campaign.JobPaused, archived.Status)
	assert.Zero(t, archived.Statistics.Completed)
	assert.Zero(t, f.audit.count("execute_add_friend"))
	assert.Equal(t, 2, f.audit.count("remove_schedule_add_friend"))
}

func TestTickCancelledReleasesUnstartedClaims(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100, PerDay: 1000})
	f.disp.cfg.Concurrency = 1
	f.createJob(t, "j1", -4*time.Minute, -3*time.Minute, -2*time.Minute, -time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.exec.hook = func(req *executor.Request) { cancel() }

	n, err := f.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.exec.total())

	job, err := f.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskCompleted, job.Tasks["j1-t0"].Status)
	for _, id := range []string{"j1-t1", "j1-t2", "j1-t3"} {
		assert.Equal(t, campaign.TaskPending, job.Tasks[id].Status, id)
		assert.Nil(t, job.Tasks[id].ClaimedAt, id)
		assert.Empty(t, job.Tasks[id].ResultMessage, id)
	}
	assert.Equal(t, campaign.Statistics{Total: 5, Completed: 1}, job.Statistics)

	acct, err := f.store.GetAccount(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.Rate.HourlyUsed)
	assert.Equal(t, 1, acct.Rate.DailyUsed)
	assert.Equal(t, 1, f.audit.count("execute_add_friend"))

	// Released tasks run on the next tick
	f.exec.hook = nil
	n, err = f.disp.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	acct, err = f.store.GetAccount(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, 4, acct.Rate.HourlyUsed)
	for task, calls := range f.exec.calls {
		assert.Equal(t, 1, calls, task)
	}
}

func TestStartStop(t *testing.T) {
	f := setup(t, ratelimit.State{PerHour: 100})
	f.createJob(t, "j1", -time.Minute, time.Hour)

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	d := New(cfg, f.store, f.exec, f.audit, f.arch, nil)
	d.SetClock(func() time.Time { return now })

	d.Start()
	require.Eventually(t, func() bool { return f.exec.total() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Stop()

	assert.Equal(t, 1, f.exec.total())
}
