// Package executor runs one catalog job to completion, or to its
// timeout boundary, coordinating the API client and the data loader.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Trialogic/TrialSync-ETL/internal/apiclient"
	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
	"github.com/Trialogic/TrialSync-ETL/internal/loader"
)

const (
	defaultCheckpointInterval      = 60 * time.Second
	defaultParamCheckpointInterval = 100
	maxFailedParametersRetained    = 100
	defaultPageSize                = 100
)

var paramPlaceholder = regexp.MustCompile(`\{(\w+)\}`)

// errTimeout is returned internally when a run's wall-clock deadline
// is reached at a page or parameter boundary. Execute maps it to a
// "running" ExecutionResult rather than "failed".
var errTimeout = errors.New("executor: run deadline reached")

// ErrNoParameterPlaceholder is returned when a parameterized job's
// endpoint template contains no {name} placeholder.
var ErrNoParameterPlaceholder = errors.New("executor: endpoint has no {name} placeholder")

// ErrAllParametersFailed is returned when every parameter value in a
// parameterized job's run failed.
var ErrAllParametersFailed = errors.New("executor: all parameter executions failed")

// Environment selects the credential-resolution safety rail: non-
// production environments always use the process-default credential.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// ClientFactory builds an apiclient.Client bound to a resolved credential.
type ClientFactory func(cred *catalog.Credential) (*apiclient.Client, error)

// ExecutionResult is the outcome of one Execute call.
type ExecutionResult struct {
	RunID           int64
	Status          catalog.RunStatus
	RecordsLoaded   int64
	ErrorMessage    string
	DurationSeconds float64
}

// Options customizes one Execute call.
type Options struct {
	DryRun bool
	// RunID resumes an existing run instead of creating a new one; 0
	// (the zero value) always starts a fresh run.
	RunID   int64
	Timeout time.Duration
}

// Executor executes jobs loaded from a catalog.Store.
type Executor struct {
	store         catalog.Store
	loader        *loader.Loader
	defaultClient *apiclient.Client
	clientFactory ClientFactory
	env           Environment
	pageSize      int
	logger        *slog.Logger

	checkpointInterval      time.Duration
	paramCheckpointInterval int
}

// Option configures optional Executor behavior beyond New's required
// arguments.
type Option func(*Executor)

// WithCheckpointInterval overrides the default 60-second cadence (spec
// §4.5.3/§4.5.4) at which paging and parameter checkpoints are saved.
func WithCheckpointInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.checkpointInterval = d
		}
	}
}

// WithParamCheckpointInterval overrides the default every-100-
// parameters checkpoint cadence (spec §4.5.3) for parameterized jobs.
func WithParamCheckpointInterval(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.paramCheckpointInterval = n
		}
	}
}

// New constructs an Executor. defaultClient is used for every job in
// development/test environments, and as the production fallback when a
// job's credential is missing or inactive.
func New(store catalog.Store, ld *loader.Loader, defaultClient *apiclient.Client, factory ClientFactory, env Environment, opts ...Option) *Executor {
	e := &Executor{
		store:                   store,
		loader:                  ld,
		defaultClient:           defaultClient,
		clientFactory:           factory,
		env:                     env,
		pageSize:                defaultPageSize,
		logger:                  slog.Default(),
		checkpointInterval:      defaultCheckpointInterval,
		paramCheckpointInterval: defaultParamCheckpointInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// log returns e.logger, falling back to slog.Default() for an Executor
// built via a bare struct literal (e.g. in tests) rather than New.
func (e *Executor) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}

	return slog.Default()
}

// Execute runs job to completion, returning exactly one terminal
// ExecutionResult, except on timeout where Status is "running" and
// the run remains resumable.
func (e *Executor) Execute(ctx context.Context, jobID int64, opts Options) (*ExecutionResult, error) {
	start := time.Now()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}

	if !job.Active {
		return nil, fmt.Errorf("executor: job %d is not active", jobID)
	}

	client, err := e.resolveClient(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("resolve credential for job %d: %w", jobID, err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	runID := opts.RunID

	var resumeRun *catalog.Run

	if runID != 0 {
		resumeRun, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("load resumable run %d: %w", runID, err)
		}
	} else {
		runID, err = e.store.CreateRun(ctx, jobID, nil)
		if err != nil {
			return nil, fmt.Errorf("create run for job %d: %w", jobID, err)
		}
	}

	e.log().Info("executor: job started",
		slog.Int64("jobId", jobID), slog.Int64("runId", runID),
		slog.Bool("parameterized", job.Parameterized), slog.Bool("dryRun", opts.DryRun),
		slog.Bool("resumed", opts.RunID != 0),
	)

	var (
		totalRecords int64
		runErr       error
		finalFailed  []catalog.FailedParameter
	)

	if job.Parameterized {
		totalRecords, finalFailed, runErr = e.executeParameterized(ctx, job, runID, client, opts.DryRun, resumeRun)
	} else {
		totalRecords, runErr = e.executeSingle(ctx, job, runID, client, opts.DryRun, resumeRun)
	}

	duration := time.Since(start).Seconds()

	switch {
	case errors.Is(runErr, errTimeout):
		e.log().Warn("executor: job timed out, checkpoint saved",
			slog.Int64("jobId", jobID), slog.Int64("runId", runID), slog.Int64("recordsLoaded", totalRecords),
		)

		return &ExecutionResult{
			RunID:           runID,
			Status:          catalog.RunStatusRunning,
			RecordsLoaded:   totalRecords,
			ErrorMessage:    runErr.Error(),
			DurationSeconds: duration,
		}, nil

	case runErr != nil:
		completedAt := time.Now().UTC()

		if updateErr := e.store.UpdateRun(ctx, catalog.RunUpdate{
			RunID:         runID,
			Status:        catalog.RunStatusFailed,
			RecordsLoaded: totalRecords,
			ErrorMessage:  runErr.Error(),
			CompletedAt:   &completedAt,
			DurationSec:   &duration,
		}); updateErr != nil {
			e.log().Error("executor: failed to persist failure", slog.Int64("runId", runID), slog.Any("error", updateErr))
		}

		e.log().Error("executor: job failed",
			slog.Int64("jobId", jobID), slog.Int64("runId", runID), slog.Any("error", runErr),
		)

		return &ExecutionResult{
			RunID:           runID,
			Status:          catalog.RunStatusFailed,
			ErrorMessage:    runErr.Error(),
			DurationSeconds: duration,
		}, nil

	default:
		completedAt := time.Now().UTC()

		update := catalog.RunUpdate{
			RunID:         runID,
			Status:        catalog.RunStatusSuccess,
			RecordsLoaded: totalRecords,
			CompletedAt:   &completedAt,
			DurationSec:   &duration,
		}

		// Partial success (spec §7): a non-empty per-parameter failure
		// list survives into the terminal run's context for post-hoc
		// inspection even though the run itself succeeded.
		if len(finalFailed) > 0 {
			body, err := json.Marshal(runContext{ParamCheckpoint: &catalog.ParameterCheckpoint{
				Index:         len(finalFailed),
				RecordsLoaded: totalRecords,
				FailedLast100: lastN(finalFailed, maxFailedParametersRetained),
				SavedAt:       completedAt,
			}})
			if err != nil {
				return nil, fmt.Errorf("marshal final failure context for run %d: %w", runID, err)
			}

			update.Context = body
		}

		if err := e.store.UpdateRun(ctx, update); err != nil {
			return nil, fmt.Errorf("finalize run %d: %w", runID, err)
		}

		e.log().Info("executor: job completed",
			slog.Int64("jobId", jobID), slog.Int64("runId", runID), slog.Int64("recordsLoaded", totalRecords),
		)

		return &ExecutionResult{
			RunID:           runID,
			Status:          catalog.RunStatusSuccess,
			RecordsLoaded:   totalRecords,
			DurationSeconds: duration,
		}, nil
	}
}

// executeSingle runs the non-parameterized extract/load pipeline once.
func (e *Executor) executeSingle(
	ctx context.Context, job *catalog.Job, runID int64, client *apiclient.Client, dryRun bool, resumeRun *catalog.Run,
) (int64, error) {
	var resume *catalog.PagingCheckpoint

	if resumeRun != nil {
		resume = pagingCheckpointFrom(resumeRun.Context)
	}

	result, err := e.fetchAndLoad(ctx, job, runID, client, job.EndpointTemplate, dryRun, "", resume)
	if err != nil {
		// The run's deadline has already passed on timeout, so the
		// checkpoint is written on a context that ignores it.
		if errors.Is(err, errTimeout) && result.checkpoint != nil {
			if saveErr := e.saveCheckpoint(context.WithoutCancel(ctx), runID, result.totalLoaded, runContext{
				Paging: result.checkpoint,
			}); saveErr != nil {
				return result.totalLoaded, fmt.Errorf("save timeout checkpoint: %w", saveErr)
			}
		}

		return result.totalLoaded, err
	}

	e.recordIncrementalWindow(ctx, job, "", dryRun)

	return result.totalLoaded, nil
}

// recordIncrementalWindow persists the current time as job's (and,
// for parameterized jobs, parameterKey's) last-successful-run
// timestamp, so the next run's §4.5.5 high-water-mark lookup picks it
// up. A no-op for non-incremental jobs or dry runs, which must never
// advance durable state.
func (e *Executor) recordIncrementalWindow(ctx context.Context, job *catalog.Job, parameterKey string, dryRun bool) {
	if !job.Incremental || dryRun {
		return
	}

	if err := e.store.RecordSuccessWindow(ctx, job.ID, parameterKey, time.Now().UTC()); err != nil {
		e.log().Error("executor: failed to record incremental success window",
			slog.Int64("jobId", job.ID), slog.String("parameterKey", parameterKey), slog.Any("error", err),
		)
	}
}

// pagingCheckpointFrom extracts the paging checkpoint embedded in a
// run's context, or nil if none is present.
func pagingCheckpointFrom(raw json.RawMessage) *catalog.PagingCheckpoint {
	if len(raw) == 0 {
		return nil
	}

	var env runContext
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	return env.Paging
}

// parameterCheckpointFrom extracts the parameter checkpoint embedded
// in a run's context, or nil if none is present.
func parameterCheckpointFrom(raw json.RawMessage) *catalog.ParameterCheckpoint {
	if len(raw) == 0 {
		return nil
	}

	var env runContext
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	return env.ParamCheckpoint
}

// runContext is the JSON shape persisted in Run.Context.
type runContext struct {
	Paging          *catalog.PagingCheckpoint    `json:"paging,omitempty"`
	ParamCheckpoint *catalog.ParameterCheckpoint `json:"paramCheckpoint,omitempty"`
}

func (e *Executor) saveCheckpoint(ctx context.Context, runID int64, recordsLoaded int64, rc runContext) error {
	body, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return e.store.UpdateRun(ctx, catalog.RunUpdate{
		RunID:         runID,
		Status:        catalog.RunStatusRunning,
		RecordsLoaded: recordsLoaded,
		Context:       body,
	})
}

// executeParameterized runs the extract/load pipeline once per
// distinct parameter value, tolerating per-parameter failures.
func (e *Executor) executeParameterized(
	ctx context.Context, job *catalog.Job, runID int64, client *apiclient.Client, dryRun bool, resumeRun *catalog.Run,
) (int64, []catalog.FailedParameter, error) {
	match := paramPlaceholder.FindStringSubmatch(job.EndpointTemplate)
	if match == nil {
		return 0, nil, ErrNoParameterPlaceholder
	}

	paramName := match[1]

	values, err := e.store.ListParameterValues(ctx, job.ParameterSourceTable, job.ParameterSourceJSONPath)
	if err != nil {
		return 0, nil, fmt.Errorf("list parameter values: %w", err)
	}

	sort.Strings(values)

	startIndex := 0

	var (
		totalRecords int64
		failed       []catalog.FailedParameter
	)

	if resumeRun != nil {
		if pc := parameterCheckpointFrom(resumeRun.Context); pc != nil {
			startIndex = pc.Index
			totalRecords = pc.RecordsLoaded
			failed = pc.FailedLast100
		}
	}

	lastCheckpoint := time.Now()
	successCount := startIndex - len(failed)

	for i := startIndex; i < len(values); i++ {
		value := values[i]
		endpoint := substituteParameter(job.EndpointTemplate, paramName, value)

		var resume *catalog.PagingCheckpoint
		if i == startIndex && resumeRun != nil {
			if pc := parameterCheckpointFrom(resumeRun.Context); pc != nil {
				resume = pc.Paging
			}
		}

		pipelineResult, pipelineErr := e.fetchAndLoad(ctx, job, runID, client, endpoint, dryRun, value, resume)

		if errors.Is(pipelineErr, errTimeout) {
			if saveErr := e.saveCheckpoint(context.WithoutCancel(ctx), runID, totalRecords+pipelineResult.totalLoaded, runContext{
				ParamCheckpoint: &catalog.ParameterCheckpoint{
					Index:         i,
					RecordsLoaded: totalRecords + pipelineResult.totalLoaded,
					FailedLast100: lastN(failed, maxFailedParametersRetained),
					SavedAt:       time.Now().UTC(),
					Paging:        pipelineResult.checkpoint,
				},
			}); saveErr != nil {
				return totalRecords, failed, fmt.Errorf("save parameter timeout checkpoint: %w", saveErr)
			}

			return totalRecords, failed, errTimeout
		}

		if pipelineErr != nil {
			failed = append(failed, catalog.FailedParameter{Value: value, Error: pipelineErr.Error()})
			e.log().Warn("executor: parameter execution failed",
				slog.Int64("jobId", job.ID), slog.Int64("runId", runID),
				slog.String("value", value), slog.Any("error", pipelineErr),
			)

			continue
		}

		totalRecords += pipelineResult.totalLoaded
		successCount++

		e.recordIncrementalWindow(ctx, job, value, dryRun)

		elapsedSinceCheckpoint := time.Since(lastCheckpoint)
		paramsSinceCheckpoint := i + 1 - startIndex

		if (paramsSinceCheckpoint > 0 && paramsSinceCheckpoint%e.paramCheckpointInterval == 0) ||
			elapsedSinceCheckpoint >= e.checkpointInterval {
			if err := e.saveCheckpoint(ctx, runID, totalRecords, runContext{
				ParamCheckpoint: &catalog.ParameterCheckpoint{
					Index:         i + 1,
					RecordsLoaded: totalRecords,
					FailedLast100: lastN(failed, maxFailedParametersRetained),
					SavedAt:       time.Now().UTC(),
				},
			}); err != nil {
				return totalRecords, failed, fmt.Errorf("save periodic parameter checkpoint: %w", err)
			}

			lastCheckpoint = time.Now()
		}
	}

	if len(failed) > 0 {
		e.log().Warn("executor: parameterized job had per-parameter failures",
			slog.Int64("jobId", job.ID), slog.Int64("runId", runID),
			slog.Int("total", len(values)), slog.Int("failed", len(failed)), slog.Int("succeeded", successCount),
		)

		if successCount == 0 {
			return totalRecords, failed, fmt.Errorf("%w: first error: %s", ErrAllParametersFailed, failed[0].Error)
		}
	}

	return totalRecords, failed, nil
}

func lastN(s []catalog.FailedParameter, n int) []catalog.FailedParameter {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}

// substituteParameter replaces the endpoint template's single {name}
// placeholder with value.
func substituteParameter(endpoint, name, value string) string {
	return strings.ReplaceAll(endpoint, "{"+name+"}", value)
}
