package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
	"github.com/Trialogic/TrialSync-ETL/internal/executor"
)

const defaultMaxParallel = 4

// JobRunner executes one catalog job. *executor.Executor satisfies
// this; tests may substitute a fake.
type JobRunner interface {
	Execute(ctx context.Context, jobID int64, opts executor.Options) (*executor.ExecutionResult, error)
}

var _ JobRunner = (*executor.Executor)(nil)

// JobOutcome is the fate of one job within a Run call: either it
// executed (Result set) or it was cascade-skipped (Skipped true).
type JobOutcome struct {
	JobID         int64
	Result        *executor.ExecutionResult
	Err           error
	Skipped       bool
	SkippedReason string
}

// Failed reports whether this outcome should trigger a cascade skip
// of its dependents: either Execute itself errored (a preflight or
// infrastructure failure), or it returned a terminal "failed" run.
// A "running" result (timeout, awaiting resume) is not a failure.
func (o JobOutcome) Failed() bool {
	return o.Err != nil || (o.Result != nil && o.Result.Status == catalog.RunStatusFailed)
}

// Orchestrator dispatches active catalog jobs batch by batch in
// dependency order, bounding in-batch parallelism and cascading a
// skip to every transitive dependent of a failed job.
type Orchestrator struct {
	store       catalog.Store
	runner      JobRunner
	maxParallel int
	dryRun      bool
	logger      *slog.Logger
}

// New constructs an Orchestrator. maxParallel <= 0 defaults to 4.
// dryRun is the process-wide DRY_RUN setting (spec §6.3): it is
// applied to every job dispatched through RunJob, the scheduler's
// single-job path, which otherwise has no opportunity to set
// executor.Options per tick.
func New(store catalog.Store, runner JobRunner, maxParallel int, dryRun bool) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	return &Orchestrator{store: store, runner: runner, maxParallel: maxParallel, dryRun: dryRun, logger: slog.Default()}
}

// Run loads every active job, builds its dependency graph, and
// dispatches batch by batch. It returns one JobOutcome per active job
// and only fails outright on graph construction errors (unknown
// dependency, cycle) — individual job failures are recorded as
// outcomes, never returned as the call's error.
func (o *Orchestrator) Run(ctx context.Context, opts executor.Options) ([]JobOutcome, error) {
	jobs, err := o.store.ListActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	adj, indeg, err := buildGraph(jobs)
	if err != nil {
		return nil, err
	}

	batches, err := batchesFromGraph(adj, indeg, len(jobs))
	if err != nil {
		return nil, err
	}

	outcomes := make(map[int64]JobOutcome, len(jobs))
	skipped := make(map[int64]string)

	for batchIndex, batch := range batches {
		runnable := make([]int64, 0, len(batch))

		for _, id := range batch {
			if reason, isSkipped := skipped[id]; isSkipped {
				outcomes[id] = JobOutcome{JobID: id, Skipped: true, SkippedReason: reason}

				continue
			}

			runnable = append(runnable, id)
		}

		results := o.dispatchBatch(ctx, runnable, opts)

		for id, outcome := range results {
			outcomes[id] = outcome

			if outcome.Failed() {
				reason := fmt.Sprintf("upstream job %d failed", id)

				for _, dependent := range transitiveDependents(adj, id) {
					if _, already := skipped[dependent]; !already {
						skipped[dependent] = reason
					}
				}

				o.logger.Warn("orchestrator: job failed, cascading skip to dependents",
					slog.Int("batch", batchIndex), slog.Int64("jobId", id), slog.Any("error", outcome.Err),
				)
			}
		}
	}

	ordered := make([]JobOutcome, 0, len(outcomes))

	for _, batch := range batches {
		for _, id := range batch {
			ordered = append(ordered, outcomes[id])
		}
	}

	return ordered, nil
}

// RunJob executes a single job outside of any batch plan, bypassing
// dependency-graph construction entirely. The scheduler calls this for
// each cron tick: a job's upstream dependencies are expected to have
// already run on their own schedule, so no cascade-skip applies here.
func (o *Orchestrator) RunJob(ctx context.Context, jobID int64) error {
	_, err := o.runner.Execute(ctx, jobID, executor.Options{DryRun: o.dryRun})

	return err
}

// dispatchBatch runs every job in ids concurrently, bounded by
// o.maxParallel, and returns once all have completed.
func (o *Orchestrator) dispatchBatch(ctx context.Context, ids []int64, opts executor.Options) map[int64]JobOutcome {
	results := make(map[int64]JobOutcome, len(ids))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, o.maxParallel)
	)

	for _, id := range ids {
		wg.Add(1)

		go func(jobID int64) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := o.runner.Execute(ctx, jobID, opts)

			mu.Lock()
			results[jobID] = JobOutcome{JobID: jobID, Result: result, Err: err}
			mu.Unlock()
		}(id)
	}

	wg.Wait()

	return results
}
