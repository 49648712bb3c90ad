package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/ratelimit"
)

var now = time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"), time.UTC)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createAccount(t *testing.T, s *BoltStore, id string, rate ratelimit.State) {
	t.Helper()
	acct := &campaign.Account{ID: id, Name: id, Rate: rate, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
}

// newJob builds a live job with one task per offset from now
func newJob(id, accountID string, action campaign.ActionType, offsets ...time.Duration) *campaign.Job {
	job := &campaign.Job{
		ID:         id,
		JobName:    "job " + id,
		ActionType: action,
		AccountID:  accountID,
		Status:     campaign.JobProcessing,
		CreatedAt:  now,
	}
	for i, off := range offsets {
		job.AddTask(&campaign.Task{
			ID:           fmt.Sprintf("%s-t%d", id, i),
			Person:       campaign.Person{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("Customer %d", i)},
			ScheduledFor: now.Add(off),
			Status:       campaign.TaskPending,
		})
	}
	return job
}

func TestCreateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100, PerDay: 500})

	job := newJob("j1", "acc1", campaign.ActionAddFriend, 0, time.Minute, 2*time.Minute)
	projection := ratelimit.State{PerHour: 100, PerDay: 500, HourlyUsed: 3, DailyUsed: 3, HourStart: now}
	if err := s.CreateJob(ctx, job, projection); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Statistics.Total != 3 {
		t.Errorf("Statistics.Total = %d, want 3", got.Statistics.Total)
	}
	if len(got.OrderedTasks()) != 3 || got.OrderedTasks()[0].ID != "j1-t0" {
		t.Errorf("tasks not kept in order: %v", got.TaskOrder)
	}

	acct, err := s.GetAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if !acct.IsLocked {
		t.Error("account should be locked")
	}
	if acct.Projection.HourlyUsed != 3 {
		t.Errorf("Projection.HourlyUsed = %d, want 3", acct.Projection.HourlyUsed)
	}
	if acct.Rate.HourlyUsed != 0 {
		t.Errorf("Rate.HourlyUsed = %d, want 0", acct.Rate.HourlyUsed)
	}

	rec, err := s.GetRecipient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetRecipient() error = %v", err)
	}
	if len(rec.Jobs) != 1 || rec.Jobs[0] != "j1" {
		t.Errorf("recipient jobs = %v, want [j1]", rec.Jobs)
	}

	active, err := s.ActiveJob(ctx, "acc1", campaign.ActionAddFriend)
	if err != nil || active != "j1" {
		t.Errorf("ActiveJob() = %q, %v, want j1", active, err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.LiveJobs != 1 || stats.DueTasks != 3 || stats.Recipients != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCreateJobConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, 0), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	err := s.CreateJob(ctx, newJob("j2", "acc1", campaign.ActionAddFriend, 0), ratelimit.State{})
	if !errors.Is(err, campaign.ErrConflict) {
		t.Fatalf("CreateJob() error = %v, want ErrConflict", err)
	}

	// Another action type on the same account is allowed
	if err := s.CreateJob(ctx, newJob("j3", "acc1", campaign.ActionSendMessage, 0), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
}

func TestCreateJobUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateJob(ctx, newJob("j1", "missing", campaign.ActionAddFriend, 0), ratelimit.State{})
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("CreateJob() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob(ctx, "j1"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestCreateJobRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	// Corrupt the second recipient so linking fails mid-transaction
	err := s.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).Put([]byte("c1"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("corrupt recipient: %v", err)
	}

	job := newJob("j1", "acc1", campaign.ActionAddFriend, 0, time.Minute)
	if err := s.CreateJob(ctx, job, ratelimit.State{HourlyUsed: 2, HourStart: now}); err == nil {
		t.Fatal("CreateJob() expected error")
	}

	if _, err := s.GetJob(ctx, "j1"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("orphan job left behind: %v", err)
	}

	acct, err := s.GetAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if acct.IsLocked || acct.Projection.HourlyUsed != 0 {
		t.Errorf("account changed: locked=%v projection=%+v", acct.IsLocked, acct.Projection)
	}

	rec, err := s.GetRecipient(ctx, "c0")
	if err != nil {
		t.Fatalf("GetRecipient() error = %v", err)
	}
	if len(rec.Jobs) != 0 {
		t.Errorf("dangling recipient reference: %v", rec.Jobs)
	}

	if active, _ := s.ActiveJob(ctx, "acc1", campaign.ActionAddFriend); active != "" {
		t.Errorf("active index not rolled back: %q", active)
	}

	stats, _ := s.Stats(ctx)
	if stats.DueTasks != 0 || stats.LiveJobs != 0 {
		t.Errorf("Stats() = %+v, want empty", stats)
	}
}

func TestClaimDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100, PerDay: 500})

	job := newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute, -30*time.Second, time.Hour)
	if err := s.CreateJob(ctx, job, ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	result, err := s.ClaimDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(result.Claims) != 2 {
		t.Fatalf("ClaimDue() claims = %d, want 2", len(result.Claims))
	}
	if result.Claims[0].TaskID != "j1-t0" || result.Claims[1].TaskID != "j1-t1" {
		t.Errorf("claims out of order: %s, %s", result.Claims[0].TaskID, result.Claims[1].TaskID)
	}

	// A second pass at the same instant finds nothing
	again, err := s.ClaimDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(again.Claims) != 0 {
		t.Errorf("second ClaimDue() claims = %d, want 0", len(again.Claims))
	}

	acct, _ := s.GetAccount(ctx, "acc1")
	if acct.Rate.HourlyUsed != 2 || acct.Rate.DailyUsed != 2 {
		t.Errorf("account counters = %d/%d, want 2/2", acct.Rate.HourlyUsed, acct.Rate.DailyUsed)
	}

	got, _ := s.GetJob(ctx, "j1")
	for _, id := range []string{"j1-t0", "j1-t1"} {
		task, _ := got.Task(id)
		if task.Status != campaign.TaskProcessing || task.ClaimedAt == nil {
			t.Errorf("task %s status = %s, claimed_at = %v", id, task.Status, task.ClaimedAt)
		}
	}
	if task, _ := got.Task("j1-t2"); task.Status != campaign.TaskPending {
		t.Errorf("future task status = %s, want pending", task.Status)
	}
}

func TestClaimDueLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	job := newJob("j1", "acc1", campaign.ActionFindUID, -3*time.Minute, -2*time.Minute, -time.Minute)
	if err := s.CreateJob(ctx, job, ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	result, err := s.ClaimDue(ctx, now, 2)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(result.Claims) != 2 {
		t.Errorf("ClaimDue() claims = %d, want 2", len(result.Claims))
	}

	stats, _ := s.Stats(ctx)
	if stats.DueTasks != 1 {
		t.Errorf("DueTasks = %d, want 1", stats.DueTasks)
	}
}

func TestClaimDueDefersExhaustedAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{
		PerHour:    5,
		PerDay:     100,
		HourlyUsed: 5,
		DailyUsed:  5,
		HourStart:  now.Add(-10 * time.Minute),
		DayStart:   ratelimit.StartOfDay(now, time.UTC),
	})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	result, err := s.ClaimDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(result.Claims) != 0 || len(result.Deferred) != 1 {
		t.Fatalf("claims = %d, deferred = %d, want 0 and 1", len(result.Claims), len(result.Deferred))
	}
	if result.Deferred[0].DeniedBy != "hour" {
		t.Errorf("DeniedBy = %q, want hour", result.Deferred[0].DeniedBy)
	}

	job, _ := s.GetJob(ctx, "j1")
	if task, _ := job.Task("j1-t0"); task.Status != campaign.TaskPending {
		t.Errorf("task status = %s, want pending", task.Status)
	}
	if job.Statistics != (campaign.Statistics{Total: 1}) {
		t.Errorf("statistics changed: %+v", job.Statistics)
	}

	// Once the hour window rolls over the task is claimed
	later, err := s.ClaimDue(ctx, now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(later.Claims) != 1 {
		t.Errorf("claims after rollover = %d, want 1", len(later.Claims))
	}
}

func TestRecordOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	// Not claimed yet
	if _, err := s.RecordOutcome(ctx, "j1", "j1-t0", true, "ok", now); !errors.Is(err, campaign.ErrTaskNotClaimed) {
		t.Fatalf("RecordOutcome() error = %v, want ErrTaskNotClaimed", err)
	}

	if _, err := s.ClaimDue(ctx, now, 0); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}

	job, err := s.RecordOutcome(ctx, "j1", "j1-t0", true, "ok", now)
	if err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	if job.Statistics.Completed != 1 || !job.Statistics.Done() {
		t.Errorf("Statistics = %+v", job.Statistics)
	}

	// The second writer loses the CAS
	if _, err := s.RecordOutcome(ctx, "j1", "j1-t0", false, "late", now); !errors.Is(err, campaign.ErrTaskNotClaimed) {
		t.Errorf("RecordOutcome() error = %v, want ErrTaskNotClaimed", err)
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Statistics.Completed != 1 || got.Statistics.Failed != 0 {
		t.Errorf("Statistics = %+v, want one completed", got.Statistics)
	}
}

func TestRecoverStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := s.ClaimDue(ctx, now, 0); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}

	stale, err := s.RecoverStale(ctx, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh claim recovered: %d", len(stale))
	}

	stale, err = s.RecoverStale(ctx, now.Add(time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if len(stale) != 1 || !stale[0].JobDone {
		t.Fatalf("RecoverStale() = %+v", stale)
	}

	job, _ := s.GetJob(ctx, "j1")
	task, _ := job.Task("j1-t0")
	if task.Status != campaign.TaskFailed || task.ResultMessage != "execution interrupted" {
		t.Errorf("task = %s %q", task.Status, task.ResultMessage)
	}
}

func TestClaimDueDefersMissingAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	err := s.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte("acc1"))
	})
	if err != nil {
		t.Fatalf("failed to delete account: %v", err)
	}

	result, err := s.ClaimDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(result.Claims) != 0 || len(result.Deferred) != 1 {
		t.Fatalf("claims = %d, deferred = %d, want 0 and 1", len(result.Claims), len(result.Deferred))
	}
	def := result.Deferred[0]
	if def.DeniedBy != DeniedNoAccount || def.AccountID != "acc1" || def.TaskID != "j1-t0" {
		t.Errorf("Deferred = %+v", def)
	}
}

func TestReleaseClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100, PerDay: 500})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute, -30*time.Second), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	// Pending tasks cannot be released
	if err := s.ReleaseClaim(ctx, "j1", "j1-t0"); !errors.Is(err, campaign.ErrTaskNotClaimed) {
		t.Fatalf("ReleaseClaim() error = %v, want ErrTaskNotClaimed", err)
	}

	if _, err := s.ClaimDue(ctx, now, 0); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if err := s.ReleaseClaim(ctx, "j1", "j1-t1"); err != nil {
		t.Fatalf("ReleaseClaim() error = %v", err)
	}

	acct, _ := s.GetAccount(ctx, "acc1")
	if acct.Rate.HourlyUsed != 1 || acct.Rate.DailyUsed != 1 {
		t.Errorf("account counters = %d/%d, want 1/1", acct.Rate.HourlyUsed, acct.Rate.DailyUsed)
	}

	job, _ := s.GetJob(ctx, "j1")
	task, _ := job.Task("j1-t1")
	if task.Status != campaign.TaskPending || task.ClaimedAt != nil {
		t.Errorf("released task = %s, claimed_at = %v", task.Status, task.ClaimedAt)
	}
	if job.Statistics != (campaign.Statistics{Total: 2}) {
		t.Errorf("statistics changed: %+v", job.Statistics)
	}

	// Released task is due again, the executed one is not
	again, err := s.ClaimDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(again.Claims) != 1 || again.Claims[0].TaskID != "j1-t1" {
		t.Fatalf("ClaimDue() after release = %+v", again.Claims)
	}

	// A second release of the same claim loses the CAS
	if err := s.ReleaseClaim(ctx, "j1", "j1-t0"); err != nil {
		t.Fatalf("ReleaseClaim() error = %v", err)
	}
	if err := s.ReleaseClaim(ctx, "j1", "j1-t0"); !errors.Is(err, campaign.ErrTaskNotClaimed) {
		t.Errorf("second ReleaseClaim() error = %v, want ErrTaskNotClaimed", err)
	}

	if err := s.ReleaseClaim(ctx, "missing", "t0"); !errors.Is(err, campaign.ErrJobNotLive) {
		t.Errorf("ReleaseClaim() of unknown job error = %v, want ErrJobNotLive", err)
	}
}

func TestArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, time.Minute, 2*time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := s.CreateJob(ctx, newJob("j2", "acc1", campaign.ActionFindUID, time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	archived, err := s.Archive(ctx, "j1", campaign.JobPaused, now)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if archived.Status != campaign.JobPaused || archived.CompletedAt == nil {
		t.Errorf("archived = %s, completed_at = %v", archived.Status, archived.CompletedAt)
	}

	if _, err := s.GetJob(ctx, "j1"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
	got, err := s.GetArchived(ctx, "j1")
	if err != nil {
		t.Fatalf("GetArchived() error = %v", err)
	}
	if got.Status != campaign.JobPaused {
		t.Errorf("GetArchived().Status = %s", got.Status)
	}

	live, total, err := s.ListLive(ctx, campaign.JobListFilter{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("ListLive() error = %v", err)
	}
	if total != 1 || len(live) != 1 || live[0].ID != "j2" {
		t.Errorf("ListLive() = %d jobs, total %d", len(live), total)
	}

	// c0 is still referenced by j2, c1 only by j1
	if rec, _ := s.GetRecipient(ctx, "c0"); len(rec.Jobs) != 1 || rec.Jobs[0] != "j2" {
		t.Errorf("c0 jobs = %v, want [j2]", rec.Jobs)
	}
	if rec, _ := s.GetRecipient(ctx, "c1"); len(rec.Jobs) != 0 {
		t.Errorf("c1 jobs = %v, want none", rec.Jobs)
	}

	if active, _ := s.ActiveJob(ctx, "acc1", campaign.ActionAddFriend); active != "" {
		t.Errorf("ActiveJob() = %q after archive", active)
	}

	// j2 still holds the account
	acct, _ := s.GetAccount(ctx, "acc1")
	if !acct.IsLocked {
		t.Error("account released while j2 is live")
	}

	if _, err := s.Archive(ctx, "j2", campaign.JobPaused, now); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	acct, _ = s.GetAccount(ctx, "acc1")
	if acct.IsLocked {
		t.Error("account still locked without live jobs")
	}

	if _, err := s.Archive(ctx, "j1", campaign.JobCompleted, now); !errors.Is(err, campaign.ErrJobNotLive) {
		t.Errorf("second Archive() error = %v, want ErrJobNotLive", err)
	}

	stats, _ := s.Stats(ctx)
	if stats.LiveJobs != 0 || stats.ArchivedJobs != 2 || stats.DueTasks != 0 {
		t.Errorf("Stats() = %+v", stats)
	}

	// Outcomes for archived jobs are rejected
	if _, err := s.RecordOutcome(ctx, "j2", "j2-t0", true, "", now); !errors.Is(err, campaign.ErrJobNotLive) {
		t.Errorf("RecordOutcome() error = %v, want ErrJobNotLive", err)
	}
}

func TestRemoveTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createAccount(t, s, "acc1", ratelimit.State{PerHour: 100})

	if err := s.CreateJob(ctx, newJob("j1", "acc1", campaign.ActionAddFriend, -time.Minute, time.Minute), ratelimit.State{}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	job, task, err := s.RemoveTask(ctx, "j1", "j1-t1")
	if err != nil {
		t.Fatalf("RemoveTask() error = %v", err)
	}
	if task.Person.ID != "c1" || job.Statistics.Total != 1 {
		t.Errorf("RemoveTask() task = %s, total = %d", task.Person.ID, job.Statistics.Total)
	}
	if rec, _ := s.GetRecipient(ctx, "c1"); len(rec.Jobs) != 0 {
		t.Errorf("c1 jobs = %v, want none", rec.Jobs)
	}

	stats, _ := s.Stats(ctx)
	if stats.DueTasks != 1 {
		t.Errorf("DueTasks = %d, want 1", stats.DueTasks)
	}

	if _, err := s.ClaimDue(ctx, now, 0); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if _, _, err := s.RemoveTask(ctx, "j1", "j1-t0"); !errors.Is(err, campaign.ErrTaskNotPending) {
		t.Errorf("RemoveTask() error = %v, want ErrTaskNotPending", err)
	}
	if _, _, err := s.RemoveTask(ctx, "j1", "nope"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("RemoveTask() error = %v, want ErrNotFound", err)
	}
}

func TestListLivePagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		acct := fmt.Sprintf("acc%d", i)
		createAccount(t, s, acct, ratelimit.State{PerHour: 10})
		job := newJob(fmt.Sprintf("j%d", i), acct, campaign.ActionFindUID, time.Hour)
		job.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		if err := s.CreateJob(ctx, job, ratelimit.State{}); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}

	page, total, err := s.ListLive(ctx, campaign.JobListFilter{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("ListLive() error = %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].ID != "j2" || page[1].ID != "j1" {
		t.Errorf("page 2 = %v", jobIDs(page))
	}
}

func TestIndexKeyRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 10, 10, 0, 0, 500, time.FixedZone("X", 3600))
	key := makeIndexKey(ts, dueRef("job", "task"))
	if got := parseTimestampFromKey(key); !got.Equal(ts) {
		t.Errorf("parseTimestampFromKey() = %v, want %v", got, ts)
	}
	if string(makeIndexKey(ts, "a")) > string(makeIndexKey(ts.Add(time.Nanosecond), "a")) {
		t.Error("index keys not ordered by time")
	}
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createAccount(t, s, "b", ratelimit.State{PerHour: 10})
	createAccount(t, s, "a", ratelimit.State{PerHour: 20, HourlyUsed: 3})

	err := s.CreateAccount(ctx, &campaign.Account{ID: "a"})
	if !errors.Is(err, campaign.ErrConflict) {
		t.Errorf("CreateAccount() duplicate error = %v, want ErrConflict", err)
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	if len(accounts) != 2 || accounts[0].ID != "a" {
		t.Errorf("ListAccounts() = %d accounts, first %q", len(accounts), accounts[0].ID)
	}

	updated, err := s.UpdateAccount(ctx, "a", func(acct *campaign.Account) error {
		acct.Rate.PerHour = 50
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}
	if updated.Rate.PerHour != 50 || updated.Rate.HourlyUsed != 3 {
		t.Errorf("UpdateAccount() rate = %+v", updated.Rate)
	}

	_, err = s.UpdateAccount(ctx, "missing", func(acct *campaign.Account) error { return nil })
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("UpdateAccount() missing error = %v, want ErrNotFound", err)
	}

	// A failing update leaves the account untouched
	_, err = s.UpdateAccount(ctx, "a", func(acct *campaign.Account) error {
		acct.Rate.PerHour = 1
		return campaign.ErrInvalidInput
	})
	if !errors.Is(err, campaign.ErrInvalidInput) {
		t.Errorf("UpdateAccount() error = %v, want ErrInvalidInput", err)
	}
	got, err := s.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got.Rate.PerHour != 50 {
		t.Errorf("PerHour = %d, want 50", got.Rate.PerHour)
	}
}

func jobIDs(jobs []*campaign.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
