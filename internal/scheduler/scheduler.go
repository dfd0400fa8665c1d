// Package scheduler dispatches catalog jobs on their configured cron
// expression, enforcing at most one in-flight run per job and
// supporting an atomic reload of the whole trigger set.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
)

// JobRunner dispatches one job to completion. *orchestrator.Orchestrator
// satisfies it through its single-job RunJob adapter; the scheduler
// only needs "run job N".
type JobRunner interface {
	RunJob(ctx context.Context, jobID int64) error
}

// ErrInvalidCron is returned when a job's cron expression cannot be
// parsed, even after six-to-five-field normalization.
var ErrInvalidCron = errors.New("scheduler: invalid cron expression")

var sixFieldSeconds = regexp.MustCompile(`^\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+$`)

// normalizeCron drops a six-field expression's leading seconds field,
// since robfig/cron's default parser (without cron.WithSeconds) is
// five-field, matching the minute-granularity the catalog stores.
func normalizeCron(expr string) string {
	expr = strings.TrimSpace(expr)

	if sixFieldSeconds.MatchString(expr) {
		fields := strings.Fields(expr)

		return strings.Join(fields[1:], " ")
	}

	return expr
}

// Scheduler holds a live *cron.Cron instance and a per-job non-
// overlap guard. Reload swaps the instance atomically under mu,
// leaving in-flight jobs on the old instance to drain rather than
// being forcibly stopped.
type Scheduler struct {
	store  catalog.Store
	runner JobRunner
	logger *slog.Logger

	mu      sync.RWMutex
	cr      *cron.Cron
	locks   map[int64]chan struct{}
	locksMu sync.Mutex
}

// New constructs a Scheduler. Call Start to begin dispatching and
// Reload to (re)build the trigger set from the catalog.
func New(store catalog.Store, runner JobRunner) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		logger: slog.Default(),
		locks:  make(map[int64]chan struct{}),
	}
}

// Start begins running the current trigger set. Call Reload first to
// populate it; Start on an empty Scheduler runs nothing.
func (s *Scheduler) Start() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cr != nil {
		s.cr.Start()
	}
}

// Stop drains the current cron instance, waiting for any in-flight
// job to finish.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cr := s.cr
	s.mu.RUnlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
}

// Reload loads every active job with a non-empty cron expression from
// the catalog and atomically replaces the trigger set. The previous
// cron.Cron instance is stopped (its in-flight invocations are allowed
// to finish; Stop's Done channel is intentionally not awaited here so
// Reload itself does not block on a currently-running job).
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	next := cron.New()

	var scheduled int

	for _, job := range jobs {
		if job.CronExpression == "" {
			continue
		}

		expr := normalizeCron(job.CronExpression)

		jobID := job.ID

		_, err := next.AddFunc(expr, func() { s.dispatch(jobID) })
		if err != nil {
			return 0, fmt.Errorf("%w: job %d (%q): %v", ErrInvalidCron, jobID, job.CronExpression, err)
		}

		scheduled++
	}

	s.mu.Lock()
	previous := s.cr
	s.cr = next
	s.mu.Unlock()

	next.Start()

	if previous != nil {
		previous.Stop()
	}

	s.logger.Info("scheduler: reloaded trigger set", slog.Int("scheduled", scheduled))

	return scheduled, nil
}

// dispatch runs jobID's try-lock and, if acquired, invokes the runner.
// A tick arriving while the job is still in flight is coalesced away
// (dropped, not queued), reproducing coalesce=True, max_instances=1.
func (s *Scheduler) dispatch(jobID int64) {
	lock := s.lockFor(jobID)

	select {
	case lock <- struct{}{}:
	default:
		s.logger.Warn("scheduler: tick coalesced, job still running", slog.Int64("jobId", jobID))

		return
	}

	defer func() { <-lock }()

	s.logger.Info("scheduler: job dispatch start", slog.Int64("jobId", jobID))

	if err := s.runner.RunJob(context.Background(), jobID); err != nil {
		s.logger.Error("scheduler: job dispatch error", slog.Int64("jobId", jobID), slog.Any("error", err))

		return
	}

	s.logger.Info("scheduler: job dispatch end", slog.Int64("jobId", jobID))
}

// lockFor returns the 1-buffered try-lock channel for jobID, creating
// it on first use. The lock persists across reloads so a job that was
// in flight when Reload swapped the cron.Cron instance is still
// correctly guarded by the next tick.
func (s *Scheduler) lockFor(jobID int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[jobID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[jobID] = lock
	}

	return lock
}
