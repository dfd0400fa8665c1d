// Package loader performs batched, idempotent upserts of extracted
// records into staging tables.
package loader

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNoPayload is returned when a Record carries no payload.
	ErrNoPayload = errors.New("loader: record has no payload")
	// ErrMissingPayloadID is returned when the payload lacks the configured id key.
	ErrMissingPayloadID = errors.New("loader: payload missing id field")
	// ErrInvalidTableName is returned when the target table name fails identifier validation.
	ErrInvalidTableName = errors.New("loader: invalid target table name")
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultPayloadIDKey = "id"

// Record is one extracted item awaiting load.
type Record struct {
	Payload json.RawMessage
}

// BatchError records why one batch within a call failed, without
// aborting the remaining batches.
type BatchError struct {
	BatchIndex int
	ErrorKind  string
	Message    string
}

// Result summarizes a LoadToStaging call.
type Result struct {
	Inserted         int64
	Updated          int64
	BatchesTotal     int
	BatchesSucceeded int
	BatchesFailed    int
	DurationMs       float64
	Errors           []BatchError
}

// Loader batches and upserts records into Postgres staging tables.
type Loader struct {
	db           *sql.DB
	batchSize    int
	maxRetries   int
	payloadIDKey string
	writeCheck   func() error
}

// Option configures optional Loader behavior beyond New's required
// arguments.
type Option func(*Loader)

// WithWriteCheck registers check to run immediately before every real
// (non-dry-run) database write. Wired to
// runtimeconfig.Preflight.CheckDatabaseWrite as a defense-in-depth
// assertion alongside the dryRun short-circuit LoadToStaging already
// applies before a write is ever attempted.
func WithWriteCheck(check func() error) Option {
	return func(l *Loader) {
		l.writeCheck = check
	}
}

// New constructs a Loader. batchSize and maxRetries must be positive;
// callers typically source both from runtimeconfig.Config.
func New(db *sql.DB, batchSize, maxRetries int, opts ...Option) *Loader {
	l := &Loader{
		db:           db,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		payloadIDKey: defaultPayloadIDKey,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// BatchSize reports the configured upsert batch size, so callers that
// accumulate records across pages can flush at the same threshold the
// loader itself batches at.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

type preparedRecord struct {
	payloadID string
	payload   json.RawMessage
}

// LoadToStaging validates, deduplicates, batches, and upserts records
// into table. dryRun short-circuits before any write, returning the
// count of records that would have been loaded.
func (l *Loader) LoadToStaging(
	ctx context.Context,
	table string,
	records []Record,
	jobID, runID int64,
	instanceID string,
	dryRun bool,
) (*Result, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}

	if len(records) == 0 {
		return &Result{}, nil
	}

	start := time.Now()

	prepared, err := l.prepareRecords(records)
	if err != nil {
		return nil, err
	}

	deduped := deduplicate(prepared, instanceID)

	if dryRun {
		return &Result{
			Inserted:         int64(len(deduped)),
			BatchesTotal:     batchCount(len(deduped), l.batchSize),
			BatchesSucceeded: batchCount(len(deduped), l.batchSize),
			DurationMs:       float64(time.Since(start).Microseconds()) / 1000,
		}, nil
	}

	if l.writeCheck != nil {
		if err := l.writeCheck(); err != nil {
			return nil, fmt.Errorf("loader: preflight check: %w", err)
		}
	}

	result := &Result{}
	loadedAt := time.Now().UTC()

	for i := 0; i < len(deduped); i += l.batchSize {
		end := i + l.batchSize
		if end > len(deduped) {
			end = len(deduped)
		}

		batch := deduped[i:end]
		batchIndex := i / l.batchSize

		result.BatchesTotal++

		inserted, updated, err := l.loadBatchWithRetry(ctx, table, batch, jobID, runID, instanceID, loadedAt)
		if err != nil {
			result.BatchesFailed++
			result.Errors = append(result.Errors, BatchError{
				BatchIndex: batchIndex,
				ErrorKind:  errorKind(err),
				Message:    err.Error(),
			})

			continue
		}

		result.BatchesSucceeded++
		result.Inserted += inserted
		result.Updated += updated
	}

	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	return result, nil
}

// prepareRecords validates each record and extracts its payload id.
func (l *Loader) prepareRecords(records []Record) ([]preparedRecord, error) {
	prepared := make([]preparedRecord, 0, len(records))

	for idx, r := range records {
		if len(r.Payload) == 0 {
			return nil, fmt.Errorf("record %d: %w", idx, ErrNoPayload)
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(r.Payload, &fields); err != nil {
			return nil, fmt.Errorf("record %d: invalid payload JSON: %w", idx, err)
		}

		raw, ok := fields[l.payloadIDKey]
		if !ok {
			return nil, fmt.Errorf("record %d: %w", idx, ErrMissingPayloadID)
		}

		payloadID := rawToString(raw)
		if payloadID == "" {
			return nil, fmt.Errorf("record %d: %w", idx, ErrMissingPayloadID)
		}

		prepared = append(prepared, preparedRecord{payloadID: payloadID, payload: r.Payload})
	}

	return prepared, nil
}

// rawToString unwraps a JSON scalar (string or number) to its plain
// string form, for use as a dedup/lookup key.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	trimmed := string(raw)

	return trimmed
}

// deduplicate keeps the last occurrence of each (instanceID,
// payloadID) pair, reflecting that later pages may restate earlier
// records.
func deduplicate(records []preparedRecord, instanceID string) []preparedRecord {
	order := make([]string, 0, len(records))
	byKey := make(map[string]preparedRecord, len(records))

	for _, r := range records {
		key := instanceID + "\x00" + r.payloadID
		if _, exists := byKey[key]; !exists {
			order = append(order, key)
		}

		byKey[key] = r
	}

	out := make([]preparedRecord, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}

	return out
}

func batchCount(n, batchSize int) int {
	if n == 0 {
		return 0
	}

	return (n + batchSize - 1) / batchSize
}

// errorKind reports a coarse classification for BatchError.ErrorKind.
func errorKind(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return "unknown"
}
