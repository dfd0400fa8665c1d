package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const fieldsPerRow = 6

// transientRetryBackoff is the delay before retrying a transient batch
// failure: 2**attempt seconds, doubling with each attempt, bound by
// maxRetries attempts total.
func transientRetryBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second //nolint:gosec // attempt bounded by maxRetries
}

// loadBatchWithRetry runs a single batch's upsert, retrying only
// transient errors (connection loss, deadlock, serialization failure)
// up to l.maxRetries times.
func (l *Loader) loadBatchWithRetry(
	ctx context.Context,
	table string,
	batch []preparedRecord,
	jobID, runID int64,
	instanceID string,
	loadedAt time.Time,
) (inserted, updated int64, err error) {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		inserted, updated, err = l.loadBatch(ctx, table, batch, jobID, runID, instanceID, loadedAt)
		if err == nil {
			return inserted, updated, nil
		}

		if !isTransientError(err) || attempt == l.maxRetries {
			return 0, 0, err
		}

		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(transientRetryBackoff(attempt)):
		}
	}

	return 0, 0, err
}

// loadBatch upserts one batch inside its own transaction, using the
// standard xmax trick to count inserted vs. updated rows in a single
// round trip.
func (l *Loader) loadBatch(
	ctx context.Context,
	table string,
	batch []preparedRecord,
	jobID, runID int64,
	instanceID string,
	loadedAt time.Time,
) (inserted, updated int64, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args := buildUpsertQuery(table, batch, jobID, runID, instanceID, loadedAt)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert batch: %w", err)
	}

	for rows.Next() {
		var wasInsert bool
		if scanErr := rows.Scan(&wasInsert); scanErr != nil {
			_ = rows.Close()

			return 0, 0, fmt.Errorf("scan upsert result: %w", scanErr)
		}

		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}

	if err = rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate upsert results: %w", err)
	}

	if err = rows.Close(); err != nil {
		return 0, 0, fmt.Errorf("close upsert rows: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit batch: %w", err)
	}

	return inserted, updated, nil
}

// buildUpsertQuery assembles a single multi-row INSERT ... ON CONFLICT
// statement for batch. table has already passed identifier validation
// in LoadToStaging.
func buildUpsertQuery(
	table string,
	batch []preparedRecord,
	jobID, runID int64,
	instanceID string,
	loadedAt time.Time,
) (string, []any) {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(pq.QuoteIdentifier(table))
	sb.WriteString(" (source_id, source_instance_id, payload, etl_job_id, etl_run_id, loaded_at) VALUES ")

	args := make([]any, 0, len(batch)*fieldsPerRow)

	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}

		base := i*fieldsPerRow + 1
		sb.WriteString("(")
		sb.WriteString("$" + strconv.Itoa(base) + ", $" + strconv.Itoa(base+1) + ", $" + strconv.Itoa(base+2) + "::jsonb, $" +
			strconv.Itoa(base+3) + ", $" + strconv.Itoa(base+4) + ", $" + strconv.Itoa(base+5) + ")")

		args = append(args, instanceID, instanceID, string(rec.payload), jobID, runID, loadedAt)
	}

	sb.WriteString(` ON CONFLICT (source_instance_id, (payload ->> 'id')) DO UPDATE SET
		payload = EXCLUDED.payload,
		source_id = EXCLUDED.source_id,
		etl_job_id = EXCLUDED.etl_job_id,
		etl_run_id = EXCLUDED.etl_run_id,
		loaded_at = EXCLUDED.loaded_at,
		updated_at = now()
	RETURNING (xmax = 0)`)

	return sb.String(), args
}

// isTransientError reports whether err is a connection loss, deadlock,
// or serialization failure worth retrying, as opposed to a constraint
// violation or other logic error.
func isTransientError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" {
			return true
		}

		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		default:
			return false
		}
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
}
