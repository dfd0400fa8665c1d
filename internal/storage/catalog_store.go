package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
)

// CatalogStore is the PostgreSQL implementation of catalog.Store.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore wraps an open *sql.DB (typically Connection.DB) as a
// catalog.Store.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

var _ catalog.Store = (*CatalogStore)(nil)

// ErrJobNotFound is returned when a job id has no matching row.
var ErrJobNotFound = errors.New("storage: job not found")

// ErrCredentialNotFound is returned when a credential id has no matching row.
var ErrCredentialNotFound = errors.New("storage: credential not found")

// ErrRunNotFound is returned when a run id has no matching row.
var ErrRunNotFound = errors.New("storage: run not found")

// ErrInvalidTableName is returned when a job's parameter source table
// fails identifier validation before being interpolated into SQL.
var ErrInvalidTableName = errors.New("storage: invalid parameter source table name")

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (s *CatalogStore) GetJob(ctx context.Context, id int64) (*catalog.Job, error) {
	job, err := s.scanJob(s.db.QueryRowContext(ctx, jobByIDQuery, id))
	if err != nil {
		return nil, err
	}

	deps, err := s.dependenciesFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}

	job.DependsOn = deps[id]

	return job, nil
}

func (s *CatalogStore) ListActiveJobs(ctx context.Context) ([]*catalog.Job, error) {
	rows, err := s.db.QueryContext(ctx, activeJobsQuery)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var (
		jobs []*catalog.Job
		ids  []int64
	)

	for rows.Next() {
		job, err := s.scanJobRow(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active jobs: %w", err)
	}

	deps, err := s.dependenciesFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		job.DependsOn = deps[job.ID]
	}

	return jobs, nil
}

// dependenciesFor batches the job_dependencies lookup for a set of job
// ids into a single query.
func (s *CatalogStore) dependenciesFor(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, depends_on_job_id FROM job_dependencies WHERE job_id = ANY($1) ORDER BY job_id, depends_on_job_id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("list job dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobID, dependsOn int64
		if err := rows.Scan(&jobID, &dependsOn); err != nil {
			return nil, fmt.Errorf("scan job dependency: %w", err)
		}

		out[jobID] = append(out[jobID], dependsOn)
	}

	return out, rows.Err()
}

const jobByIDQuery = `
SELECT id, name, endpoint_template, target_table, active, parameterized,
       COALESCE(parameter_source_table, ''), COALESCE(parameter_source_json_path, ''),
       credential_id, incremental, COALESCE(timestamp_field, ''), COALESCE(cron_expression, '')
FROM jobs WHERE id = $1`

const activeJobsQuery = `
SELECT id, name, endpoint_template, target_table, active, parameterized,
       COALESCE(parameter_source_table, ''), COALESCE(parameter_source_json_path, ''),
       credential_id, incremental, COALESCE(timestamp_field, ''), COALESCE(cron_expression, '')
FROM jobs WHERE active = true ORDER BY id`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *CatalogStore) scanJob(row *sql.Row) (*catalog.Job, error) {
	job, err := s.scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}

	return job, err
}

func (s *CatalogStore) scanJobRow(row rowScanner) (*catalog.Job, error) {
	var j catalog.Job

	var credentialID sql.NullInt64

	if err := row.Scan(
		&j.ID, &j.Name, &j.EndpointTemplate, &j.TargetTable, &j.Active, &j.Parameterized,
		&j.ParameterSourceTable, &j.ParameterSourceJSONPath,
		&credentialID, &j.Incremental, &j.TimestampField, &j.CronExpression,
	); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if credentialID.Valid {
		j.CredentialID = &credentialID.Int64
	}

	return &j, nil
}

func (s *CatalogStore) GetCredential(ctx context.Context, id int64) (*catalog.Credential, error) {
	var c catalog.Credential

	err := s.db.QueryRowContext(ctx,
		`SELECT id, base_url, api_key, active FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.BaseURL, &c.APIKey, &c.Active)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	return &c, nil
}

func (s *CatalogStore) CreateRun(ctx context.Context, jobID int64, runContext []byte) (int64, error) {
	if len(runContext) == 0 {
		runContext = []byte(`{}`)
	}

	var id int64

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO runs (job_id, status, context) VALUES ($1, 'running', $2::jsonb) RETURNING id`,
		jobID, string(runContext),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}

	return id, nil
}

func (s *CatalogStore) GetRun(ctx context.Context, id int64) (*catalog.Run, error) {
	var (
		r             catalog.Run
		completedAt   sql.NullTime
		errorMessage  sql.NullString
		durationSec   sql.NullFloat64
		runContext    []byte
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, status, started_at, completed_at, records_loaded, error_message, duration_seconds, context
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.JobID, &r.Status, &r.StartedAt, &completedAt, &r.RecordsLoaded, &errorMessage, &durationSec, &runContext)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}

	if errorMessage.Valid {
		r.ErrorMessage = errorMessage.String
	}

	if durationSec.Valid {
		r.DurationSec = &durationSec.Float64
	}

	r.Context = json.RawMessage(runContext)

	return &r, nil
}

// UpdateRun serializes concurrent callers on the same run id with
// SELECT ... FOR UPDATE, then validates the requested transition
// before writing.
func (s *CatalogStore) UpdateRun(ctx context.Context, update catalog.RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update run transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current catalog.RunStatus

	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, update.RunID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}

		return fmt.Errorf("lock run: %w", err)
	}

	if err := catalog.ValidateStateTransition(current, update.Status); err != nil {
		return err
	}

	runContext := update.Context
	if len(runContext) == 0 {
		runContext = []byte(`{}`)
	}

	completedAt, durationSec := update.CompletedAt, update.DurationSec
	if update.Status == catalog.RunStatusRunning {
		completedAt, durationSec = nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = $2, records_loaded = $3, error_message = $4,
		 completed_at = $5, duration_seconds = $6, context = $7::jsonb WHERE id = $1`,
		update.RunID, update.Status, update.RecordsLoaded, nullableString(update.ErrorMessage),
		completedAt, durationSec, string(runContext),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return tx.Commit()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *CatalogStore) RecordSuccessWindow(ctx context.Context, jobID int64, parameterKey string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_parameter_windows (job_id, parameter_key, last_success_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id, parameter_key) DO UPDATE SET last_success_at = EXCLUDED.last_success_at`,
		jobID, parameterKey, completedAt,
	)
	if err != nil {
		return fmt.Errorf("record success window: %w", err)
	}

	return nil
}

func (s *CatalogStore) LastSuccessWindow(ctx context.Context, jobID int64, parameterKey string) (time.Time, bool, error) {
	var t time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT last_success_at FROM run_parameter_windows WHERE job_id = $1 AND parameter_key = $2`,
		jobID, parameterKey,
	).Scan(&t)

	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("last success window: %w", err)
	}

	return t, true, nil
}

// ListParameterValues enumerates the distinct, non-null values at
// jsonPath within table's payload column. jsonPath is a single key
// (the catalog never needs nested paths here); table has already been
// validated as an identifier by the caller.
func (s *CatalogStore) ListParameterValues(ctx context.Context, table, jsonPath string) ([]string, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT payload ->> %s FROM %s WHERE payload ->> %s IS NOT NULL`,
		pq.QuoteLiteral(jsonPath), pq.QuoteIdentifier(table), pq.QuoteLiteral(jsonPath),
	)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list parameter values: %w", err)
	}
	defer rows.Close()

	var values []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan parameter value: %w", err)
		}

		values = append(values, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parameter values: %w", err)
	}

	sort.Strings(values)

	return values, nil
}
