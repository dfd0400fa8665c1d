package catalog

import (
	"context"
	"time"
)

// Store defines the interface for catalog persistence: job configuration,
// run lifecycle, credentials, and incremental-window bookkeeping.
//
// The domain package defines this interface so executor, orchestrator,
// and scheduler depend only on behavior, not on a concrete database.
// Implementations live in internal/storage.
//
// All operations are transactional at the call boundary. Concurrent
// UpdateRun calls for the same run id are serialized by the
// implementation (a single-row SELECT ... FOR UPDATE or equivalent).
type Store interface {
	// GetJob loads one job by id.
	GetJob(ctx context.Context, id int64) (*Job, error)

	// ListActiveJobs returns every active job, dependency arcs resolved
	// into Job.DependsOn, ordered by id.
	ListActiveJobs(ctx context.Context) ([]*Job, error)

	// ListParameterValues enumerates distinct, non-null values at
	// jsonPath within table's payload column, ordered ascending.
	ListParameterValues(ctx context.Context, table, jsonPath string) ([]string, error)

	// GetCredential loads a credential by id.
	GetCredential(ctx context.Context, id int64) (*Credential, error)

	// CreateRun inserts a new run in the running state and returns its id.
	CreateRun(ctx context.Context, jobID int64, context []byte) (int64, error)

	// UpdateRun applies a status transition plus counters/context to an
	// existing run. completedAt and durationSec are ignored when status
	// is RunStatusRunning (the run has not finished).
	UpdateRun(ctx context.Context, update RunUpdate) error

	// GetRun loads a run by id, for checkpoint inspection or resume.
	GetRun(ctx context.Context, id int64) (*Run, error)

	// RecordSuccessWindow records the completion time of a successful
	// run for a (job, parameterKey) pair, for incremental high-water-
	// mark lookups. parameterKey is "" for non-parameterized jobs.
	RecordSuccessWindow(ctx context.Context, jobID int64, parameterKey string, completedAt time.Time) error

	// LastSuccessWindow returns the last recorded success time for a
	// (job, parameterKey) pair, or ok=false if none exists yet.
	LastSuccessWindow(ctx context.Context, jobID int64, parameterKey string) (t time.Time, ok bool, err error)
}

// RunUpdate is the set of fields UpdateRun may change. RecordsLoaded is
// always an absolute value (never a delta): callers track the running
// total and pass it whole, matching the invariant that it never
// decreases across checkpoint saves.
type RunUpdate struct {
	RunID         int64
	Status        RunStatus
	RecordsLoaded int64
	ErrorMessage  string
	CompletedAt   *time.Time
	DurationSec   *float64
	Context       []byte
}
