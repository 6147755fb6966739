package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron expressions, evaluated in the scheduler's configured timezone. The
// nightly jobs run every day shortly after midnight; the destructive jobs run
// weekly on Sunday night, staggered after them.
const (
	completionSpec = "5 0 * * *"
	archiveSpec    = "35 0 * * *"
	purgeSpec      = "5 1 * * 0"
	reapSpec       = "35 1 * * 0"
)

// CompletionJob generates programme-completion notifications.
type CompletionJob interface {
	GenerateCompletionNotifications(ctx context.Context, now time.Time, trigger string) (CompletionSummary, error)
}

// ArchiveJob archives overdue programmes.
type ArchiveJob interface {
	ArchiveOverdue(ctx context.Context, now time.Time) (ArchiveSummary, error)
}

// PurgeJob permanently deletes long-archived programmes.
type PurgeJob interface {
	PurgeArchived(ctx context.Context, now time.Time) (PurgeSummary, error)
}

// ReapJob deletes orphaned animation assets.
type ReapJob interface {
	ReapOrphans(ctx context.Context, now time.Time) (ReapSummary, error)
}

// JobHistorian records job runs for operational visibility. Recording
// failures degrade the history, never the job.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// Registry holds the job services the scheduler dispatches to.
type Registry struct {
	Completions CompletionJob
	Archiver    ArchiveJob
	Purger      PurgeJob
	Reaper      ReapJob
}

// Timeouts holds the per-task hard execution deadlines.
type Timeouts struct {
	Notifications time.Duration
	Archive       time.Duration
	Purge         time.Duration
	Reap          time.Duration
}

// forTask returns the deadline configured for the given task.
func (t Timeouts) forTask(task TaskType) time.Duration {
	switch task {
	case TaskCompletionNotifications:
		return t.Notifications
	case TaskArchiveProgrammes:
		return t.Archive
	case TaskPurgeArchived:
		return t.Purge
	default:
		return t.Reap
	}
}

// Scheduler owns the cron entries for the maintenance jobs and dispatches
// both scheduled and manual runs through the retrying executor. Each task has
// exactly one schedule entry; when a scheduled run fails, the task is
// requeued once after a fixed delay instead of holding a second cron slot. A
// requeued run that fails again waits for the next scheduled occurrence.
type Scheduler struct {
	cron         *cron.Cron
	registry     Registry
	executor     *Executor
	timeouts     Timeouts
	history      JobHistorian
	requeueDelay time.Duration
	logger       *slog.Logger

	// Injected for deterministic tests.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu       sync.Mutex
	pending  []*time.Timer
	stopped  bool
	inFlight sync.WaitGroup
}

// NewScheduler creates a Scheduler with cron entries registered in loc but
// not yet started.
func NewScheduler(loc *time.Location, registry Registry, executor *Executor, history JobHistorian, timeouts Timeouts, requeueDelay time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cron:         cron.New(cron.WithLocation(loc)),
		registry:     registry,
		executor:     executor,
		timeouts:     timeouts,
		history:      history,
		requeueDelay: requeueDelay,
		logger:       logger,
		now:          time.Now,
		afterFunc:    time.AfterFunc,
	}

	specs := map[TaskType]string{
		TaskCompletionNotifications: completionSpec,
		TaskArchiveProgrammes:       archiveSpec,
		TaskPurgeArchived:           purgeSpec,
		TaskReapOrphanAssets:        reapSpec,
	}
	for _, task := range AllTasks() {
		task := task
		if _, err := s.cron.AddFunc(specs[task], func() {
			s.runScheduled(task)
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start begins dispatching scheduled runs.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		"timezone", s.cron.Location().String(),
		"tasks", len(AllTasks()),
	)
	s.cron.Start()
}

// Stop halts the cron loop, cancels any pending requeue timers, and waits for
// in-flight runs to finish. Cron-launched runs are covered by the cron stop
// context; requeued runs whose timer already fired are covered by the
// in-flight wait group.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, t := range s.pending {
		t.Stop()
	}
	s.pending = nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.inFlight.Wait()
	s.logger.Info("scheduler stopped")
}

// RunTask executes one task under its configured timeout and the executor's
// retry policy, recording the run in job history. The reference time now
// drives every date comparison in the run, which lets manual triggers replay
// a job against a past or future point in time.
func (s *Scheduler) RunTask(ctx context.Context, task TaskType, now time.Time, trigger string) (JobResult, error) {
	historyID := s.recordStart(ctx, task)

	s.logger.InfoContext(ctx, "running maintenance task",
		"task", string(task),
		"trigger", trigger,
		"reference_time", now.Format(time.RFC3339),
	)

	result, err := s.dispatch(ctx, task, now, trigger)
	s.recordFinish(ctx, historyID, result, err)
	return result, err
}

// dispatch routes the task to its service through the executor.
func (s *Scheduler) dispatch(ctx context.Context, task TaskType, now time.Time, trigger string) (JobResult, error) {
	timeout := s.timeouts.forTask(task)

	switch task {
	case TaskCompletionNotifications:
		summary, err := Run(ctx, s.executor, string(task), timeout, func(ctx context.Context) (CompletionSummary, error) {
			return s.registry.Completions.GenerateCompletionNotifications(ctx, now, trigger)
		})
		return JobResult{Task: task, Items: summary.Created, Summary: summary}, err

	case TaskArchiveProgrammes:
		summary, err := Run(ctx, s.executor, string(task), timeout, func(ctx context.Context) (ArchiveSummary, error) {
			return s.registry.Archiver.ArchiveOverdue(ctx, now)
		})
		return JobResult{Task: task, Items: summary.Archived, Summary: summary}, err

	case TaskPurgeArchived:
		summary, err := Run(ctx, s.executor, string(task), timeout, func(ctx context.Context) (PurgeSummary, error) {
			return s.registry.Purger.PurgeArchived(ctx, now)
		})
		return JobResult{Task: task, Items: summary.Deleted, Summary: summary}, err

	case TaskReapOrphanAssets:
		summary, err := Run(ctx, s.executor, string(task), timeout, func(ctx context.Context) (ReapSummary, error) {
			return s.registry.Reaper.ReapOrphans(ctx, now)
		})
		return JobResult{Task: task, Items: summary.Deleted, Summary: summary}, err
	}

	_, err := ParseTask(string(task))
	return JobResult{Task: task}, err
}

// runScheduled executes a cron-triggered run and, on failure, requeues the
// task exactly once after the requeue delay.
func (s *Scheduler) runScheduled(task TaskType) {
	ctx := context.Background()
	if _, err := s.RunTask(ctx, task, s.now(), TriggerScheduled); err != nil {
		s.requeue(task)
	}
}

// requeue arms a one-shot timer that re-runs the task. The requeued run is
// final: a second failure waits for the next scheduled occurrence.
func (s *Scheduler) requeue(task TaskType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.logger.Warn("scheduled run failed, requeueing once",
		"task", string(task),
		"delay", s.requeueDelay.String(),
	)

	var timer *time.Timer
	timer = s.afterFunc(s.requeueDelay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.removePending(timer)
		// Registered under the lock so Stop cannot observe zero in-flight
		// runs between the stopped check and the run starting.
		s.inFlight.Add(1)
		s.mu.Unlock()
		defer s.inFlight.Done()

		ctx := context.Background()
		if _, err := s.RunTask(ctx, task, s.now(), TriggerRequeue); err != nil {
			s.logger.Error("requeued run failed, waiting for next schedule",
				"task", string(task),
				"error", err,
			)
		}
	})
	s.pending = append(s.pending, timer)
}

// removePending drops a fired timer from the pending list. Caller holds mu.
func (s *Scheduler) removePending(timer *time.Timer) {
	for i, t := range s.pending {
		if t == timer {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// recordStart opens a job history entry, returning 0 when recording fails.
func (s *Scheduler) recordStart(ctx context.Context, task TaskType) int64 {
	if s.history == nil {
		return 0
	}
	id, err := s.history.Start(ctx, string(task))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record job start",
			"task", string(task),
			"error", err,
		)
		return 0
	}
	return id
}

// recordFinish closes the job history entry opened by recordStart.
func (s *Scheduler) recordFinish(ctx context.Context, id int64, result JobResult, jobErr error) {
	if s.history == nil || id == 0 {
		return
	}
	status := "success"
	if jobErr != nil {
		status = "failed"
	}
	if err := s.history.Finish(ctx, id, status, result.Items, jobErr); err != nil {
		s.logger.WarnContext(ctx, "failed to record job finish",
			"history_id", id,
			"error", err,
		)
	}
}
