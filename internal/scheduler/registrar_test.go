package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

// ============================================================
// Mock: Jobs
// ============================================================

type mockJobs struct {
	mu sync.Mutex

	completionCalls int
	archiveCalls    int
	purgeCalls      int
	reapCalls       int

	triggers []string
	err      error

	// When set, the second purge run signals purgeStarted and blocks until
	// blockSecond is closed.
	blockSecond  chan struct{}
	purgeStarted chan struct{}
}

func (m *mockJobs) GenerateCompletionNotifications(_ context.Context, _ time.Time, trigger string) (CompletionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionCalls++
	m.triggers = append(m.triggers, trigger)
	return CompletionSummary{Created: 4}, m.err
}

func (m *mockJobs) ArchiveOverdue(_ context.Context, _ time.Time) (ArchiveSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveCalls++
	return ArchiveSummary{Archived: 3}, m.err
}

func (m *mockJobs) PurgeArchived(_ context.Context, _ time.Time) (PurgeSummary, error) {
	m.mu.Lock()
	m.purgeCalls++
	calls := m.purgeCalls
	err := m.err
	m.mu.Unlock()

	if calls == 2 && m.blockSecond != nil {
		close(m.purgeStarted)
		<-m.blockSecond
	}
	return PurgeSummary{Deleted: 2}, err
}

func (m *mockJobs) ReapOrphans(_ context.Context, _ time.Time) (ReapSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapCalls++
	return ReapSummary{Deleted: 1}, m.err
}

// ============================================================
// Mock: JobHistorian
// ============================================================

type historyEntry struct {
	id     int64
	status string
	items  int
	err    error
}

type mockHistorian struct {
	mu       sync.Mutex
	nextID   int64
	started  []string
	finished []historyEntry
	startErr error
}

func (m *mockHistorian) Start(_ context.Context, jobType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.nextID++
	m.started = append(m.started, jobType)
	return m.nextID, nil
}

func (m *mockHistorian) Finish(_ context.Context, id int64, status string, items int, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, historyEntry{id: id, status: status, items: items, err: jobErr})
	return nil
}

func newTestScheduler(t *testing.T, jobs *mockJobs, history *mockHistorian) *Scheduler {
	t.Helper()
	registry := Registry{
		Completions: jobs,
		Archiver:    jobs,
		Purger:      jobs,
		Reaper:      jobs,
	}
	timeouts := Timeouts{
		Notifications: time.Second,
		Archive:       time.Second,
		Purge:         time.Second,
		Reap:          time.Second,
	}
	var historian JobHistorian
	if history != nil {
		historian = history
	}
	s, err := NewScheduler(time.UTC, registry, NewExecutor(executorTestLogger(), time.Second), historian, timeouts, 15*time.Minute, executorTestLogger())
	if err != nil {
		t.Fatalf("building scheduler: %v", err)
	}
	return s
}

// ============================================================
// Dispatch Tests
// ============================================================

func TestRunTask_DispatchesToRegisteredJobs(t *testing.T) {
	jobs := &mockJobs{}
	s := newTestScheduler(t, jobs, nil)

	cases := []struct {
		task      TaskType
		wantItems int
	}{
		{TaskCompletionNotifications, 4},
		{TaskArchiveProgrammes, 3},
		{TaskPurgeArchived, 2},
		{TaskReapOrphanAssets, 1},
	}
	for _, tc := range cases {
		result, err := s.RunTask(context.Background(), tc.task, time.Now(), TriggerManual)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.task, err)
		}
		if result.Task != tc.task {
			t.Errorf("%s: result names task %s", tc.task, result.Task)
		}
		if result.Items != tc.wantItems {
			t.Errorf("%s: expected %d items, got %d", tc.task, tc.wantItems, result.Items)
		}
	}
	if jobs.completionCalls != 1 || jobs.archiveCalls != 1 || jobs.purgeCalls != 1 || jobs.reapCalls != 1 {
		t.Errorf("each job should run exactly once, got %+v", jobs)
	}
}

func TestRunTask_PassesTriggerThrough(t *testing.T) {
	jobs := &mockJobs{}
	s := newTestScheduler(t, jobs, nil)

	if _, err := s.RunTask(context.Background(), TaskCompletionNotifications, time.Now(), TriggerManual); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs.triggers) != 1 || jobs.triggers[0] != TriggerManual {
		t.Errorf("expected manual trigger passed through, got %v", jobs.triggers)
	}
}

func TestRunTask_RecordsHistory(t *testing.T) {
	jobs := &mockJobs{}
	history := &mockHistorian{}
	s := newTestScheduler(t, jobs, history)

	if _, err := s.RunTask(context.Background(), TaskArchiveProgrammes, time.Now(), TriggerScheduled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(history.started) != 1 || history.started[0] != string(TaskArchiveProgrammes) {
		t.Fatalf("expected one started entry, got %v", history.started)
	}
	if len(history.finished) != 1 {
		t.Fatalf("expected one finished entry, got %d", len(history.finished))
	}
	entry := history.finished[0]
	if entry.status != "success" || entry.items != 3 {
		t.Errorf("unexpected history entry %+v", entry)
	}
}

func TestRunTask_RecordsFailure(t *testing.T) {
	boom := errors.New("db down")
	jobs := &mockJobs{err: boom}
	history := &mockHistorian{}
	s := newTestScheduler(t, jobs, history)

	if _, err := s.RunTask(context.Background(), TaskPurgeArchived, time.Now(), TriggerScheduled); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(history.finished) != 1 || history.finished[0].status != "failed" {
		t.Errorf("expected a failed history entry, got %+v", history.finished)
	}
}

func TestRunTask_HistoryFailureDoesNotFailJob(t *testing.T) {
	jobs := &mockJobs{}
	history := &mockHistorian{startErr: errors.New("history table locked")}
	s := newTestScheduler(t, jobs, history)

	if _, err := s.RunTask(context.Background(), TaskReapOrphanAssets, time.Now(), TriggerManual); err != nil {
		t.Fatalf("history failures must not fail the job: %v", err)
	}
	if jobs.reapCalls != 1 {
		t.Errorf("expected the job to run, got %d calls", jobs.reapCalls)
	}
}

// ============================================================
// Requeue Tests
// ============================================================

// capturedTimers swaps the scheduler's afterFunc for one that collects the
// callbacks instead of arming real timers.
type capturedTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (c *capturedTimers) afterFunc(d time.Duration, f func()) *time.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.funcs = append(c.funcs, f)
	// A far-future timer that never fires on its own.
	return time.NewTimer(24 * time.Hour)
}

func TestRunScheduled_RequeuesOnceOnFailure(t *testing.T) {
	jobs := &mockJobs{err: errors.New("db down")}
	s := newTestScheduler(t, jobs, nil)
	timers := &capturedTimers{}
	s.afterFunc = timers.afterFunc

	s.runScheduled(TaskCompletionNotifications)

	if jobs.completionCalls != 1 {
		t.Fatalf("expected 1 scheduled run, got %d", jobs.completionCalls)
	}
	if len(timers.funcs) != 1 {
		t.Fatalf("expected one requeue timer, got %d", len(timers.funcs))
	}
	if timers.delays[0] != 15*time.Minute {
		t.Errorf("expected the requeue delay, got %v", timers.delays[0])
	}

	// Fire the requeued run. It fails again but must not requeue a third
	// attempt.
	timers.funcs[0]()

	if jobs.completionCalls != 2 {
		t.Errorf("expected the requeued run to execute, got %d calls", jobs.completionCalls)
	}
	if len(timers.funcs) != 1 {
		t.Errorf("a failed requeued run must not requeue again, got %d timers", len(timers.funcs))
	}
	if len(jobs.triggers) != 2 || jobs.triggers[1] != TriggerRequeue {
		t.Errorf("expected the second run tagged as requeue, got %v", jobs.triggers)
	}
}

func TestRunScheduled_NoRequeueOnSuccess(t *testing.T) {
	jobs := &mockJobs{}
	s := newTestScheduler(t, jobs, nil)
	timers := &capturedTimers{}
	s.afterFunc = timers.afterFunc

	s.runScheduled(TaskArchiveProgrammes)

	if jobs.archiveCalls != 1 {
		t.Fatalf("expected 1 run, got %d", jobs.archiveCalls)
	}
	if len(timers.funcs) != 0 {
		t.Errorf("a successful run must not requeue, got %d timers", len(timers.funcs))
	}
}

func TestStop_DropsPendingRequeues(t *testing.T) {
	jobs := &mockJobs{err: errors.New("db down")}
	s := newTestScheduler(t, jobs, nil)
	timers := &capturedTimers{}
	s.afterFunc = timers.afterFunc

	s.runScheduled(TaskPurgeArchived)
	if len(timers.funcs) != 1 {
		t.Fatalf("expected a pending requeue, got %d", len(timers.funcs))
	}

	s.Stop()

	// Firing after Stop must be a no-op.
	timers.funcs[0]()
	if jobs.purgeCalls != 1 {
		t.Errorf("a requeue firing after Stop must not run, got %d calls", jobs.purgeCalls)
	}
}

func TestStop_WaitsForInFlightRequeuedRun(t *testing.T) {
	jobs := &mockJobs{
		err:          errors.New("db down"),
		blockSecond:  make(chan struct{}),
		purgeStarted: make(chan struct{}),
	}
	s := newTestScheduler(t, jobs, nil)
	timers := &capturedTimers{}
	s.afterFunc = timers.afterFunc

	s.runScheduled(TaskPurgeArchived)
	if len(timers.funcs) != 1 {
		t.Fatalf("expected a pending requeue, got %d", len(timers.funcs))
	}

	// Fire the requeued run and let it reach the job before stopping.
	go timers.funcs[0]()
	<-jobs.purgeStarted

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a requeued run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(jobs.blockSecond)

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the requeued run finished")
	}
}

// ============================================================
// Schedule Expression Tests
// ============================================================

func TestScheduleExpressions(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	// A Wednesday.
	from := time.Date(2026, 8, 26, 0, 0, 0, 0, paris)

	cases := []struct {
		name string
		spec string
		want time.Time
	}{
		{"completion daily 00:05", completionSpec, time.Date(2026, 8, 26, 0, 5, 0, 0, paris)},
		{"archive daily 00:35", archiveSpec, time.Date(2026, 8, 26, 0, 35, 0, 0, paris)},
		{"purge sunday 01:05", purgeSpec, time.Date(2026, 8, 30, 1, 5, 0, 0, paris)},
		{"reap sunday 01:35", reapSpec, time.Date(2026, 8, 30, 1, 35, 0, 0, paris)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schedule, err := cron.ParseStandard(tc.spec)
			if err != nil {
				t.Fatalf("parsing spec %q: %v", tc.spec, err)
			}
			if got := schedule.Next(from); !got.Equal(tc.want) {
				t.Errorf("expected next run %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseTask(t *testing.T) {
	for _, task := range AllTasks() {
		got, err := ParseTask(string(task))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", task, err)
		}
		if got != task {
			t.Errorf("expected %s, got %s", task, got)
		}
	}

	if _, err := ParseTask("defragment_disks"); err == nil {
		t.Error("expected error for unknown task")
	}
}
