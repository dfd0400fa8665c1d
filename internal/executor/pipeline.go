package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Trialogic/TrialSync-ETL/internal/apiclient"
	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
	"github.com/Trialogic/TrialSync-ETL/internal/loader"
	"github.com/Trialogic/TrialSync-ETL/internal/storage"
)

// resolveClient picks the API client for job, applying the
// environment safety rail: non-production environments always use the
// process-default client regardless of the job's configured
// credential, so that a developer's laptop can never reach a
// production-only source instance by accident.
func (e *Executor) resolveClient(ctx context.Context, job *catalog.Job) (*apiclient.Client, error) {
	if e.env != EnvProduction {
		return e.defaultClient, nil
	}

	if job.CredentialID == nil {
		return e.defaultClient, nil
	}

	cred, err := e.store.GetCredential(ctx, *job.CredentialID)
	if err != nil {
		e.log().Warn("executor: credential lookup failed, falling back to default client",
			slog.Int64("jobId", job.ID), slog.Int64("credentialId", *job.CredentialID), slog.Any("error", err),
		)

		return e.defaultClient, nil
	}

	if !cred.Active {
		e.log().Warn("executor: configured credential is inactive, falling back to default client",
			slog.Int64("jobId", job.ID), slog.Int64("credentialId", *job.CredentialID),
		)

		return e.defaultClient, nil
	}

	if e.clientFactory == nil {
		return e.defaultClient, nil
	}

	client, err := e.clientFactory(cred)
	if err != nil {
		return nil, fmt.Errorf("build client for credential %d: %w", *job.CredentialID, err)
	}

	e.log().Debug("executor: resolved production credential",
		slog.Int64("jobId", job.ID), slog.Int64("credentialId", *job.CredentialID),
		slog.String("apiKey", storage.MaskAPIKey(cred.APIKey)),
	)

	return client, nil
}

// pipelineResult is the outcome of one fetchAndLoad call.
type pipelineResult struct {
	totalLoaded int64
	checkpoint  *catalog.PagingCheckpoint
}

// fetchAndLoad drives one extract/load pipeline against endpoint: it
// pages through the API client, batches items up to the loader's
// configured batch size, flushes each batch, and checkpoints paging
// state periodically and on timeout. parentValue, when non-empty, is
// injected into every item as "_parentId" so downstream dependent jobs
// can key off the parameter value that produced each record.
func (e *Executor) fetchAndLoad(
	ctx context.Context,
	job *catalog.Job,
	runID int64,
	client *apiclient.Client,
	endpoint string,
	dryRun bool,
	parentValue string,
	resume *catalog.PagingCheckpoint,
) (pipelineResult, error) {
	skip, pageIndex := 0, 0
	if resume != nil {
		skip, pageIndex = resume.Skip, resume.PageIndex
	}

	params := apiclient.QueryParams{Top: e.pageSize}

	if job.Incremental && job.TimestampField != "" {
		key := parentValue

		since, ok, err := e.store.LastSuccessWindow(ctx, job.ID, key)
		if err != nil {
			return pipelineResult{}, fmt.Errorf("lookup incremental window: %w", err)
		}

		if ok {
			params.Filter = fmt.Sprintf("%s gt %s", job.TimestampField, since.UTC().Format(time.RFC3339))
		}
	}

	it := client.FetchPagesFrom(endpoint, params, dryRun, skip, pageIndex)

	var (
		batch       []loader.Record
		totalLoaded int64
	)

	lastCheckpoint := time.Now()
	instanceID := sourceInstanceID(job)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		result, err := e.loader.LoadToStaging(ctx, job.TargetTable, batch, job.ID, runID, instanceID, dryRun)
		batch = batch[:0]

		if err != nil {
			return err
		}

		totalLoaded += result.Inserted + result.Updated

		if result.BatchesFailed > 0 {
			return fmt.Errorf("executor: %d of %d batches failed loading %s", result.BatchesFailed, result.BatchesTotal, job.TargetTable)
		}

		return nil
	}

	for {
		if ctx.Err() != nil {
			_ = flush()

			s, idx := it.Checkpoint()

			return pipelineResult{totalLoaded: totalLoaded, checkpoint: &catalog.PagingCheckpoint{
				Skip: s, PageIndex: idx, RecordsLoaded: totalLoaded, SavedAt: time.Now().UTC(),
			}}, errTimeout
		}

		page, more, err := it.Next(ctx)
		if err != nil {
			var apiErr *apiclient.Error
			if errors.As(err, &apiErr) && apiErr.Kind == apiclient.KindTimeout && ctx.Err() != nil {
				_ = flush()

				s, idx := it.Checkpoint()

				return pipelineResult{totalLoaded: totalLoaded, checkpoint: &catalog.PagingCheckpoint{
					Skip: s, PageIndex: idx, RecordsLoaded: totalLoaded, SavedAt: time.Now().UTC(),
				}}, errTimeout
			}

			_ = flush()

			return pipelineResult{totalLoaded: totalLoaded}, fmt.Errorf("fetch page: %w", err)
		}

		for _, item := range page.Items {
			payload := item
			if parentValue != "" {
				injected, injectErr := injectParentID(item, parentValue)
				if injectErr != nil {
					return pipelineResult{totalLoaded: totalLoaded}, fmt.Errorf("inject parent id: %w", injectErr)
				}

				payload = injected
			}

			batch = append(batch, loader.Record{Payload: payload})
		}

		if len(batch) >= e.loader.BatchSize() {
			if err := flush(); err != nil {
				return pipelineResult{totalLoaded: totalLoaded}, fmt.Errorf("flush batch: %w", err)
			}
		}

		if time.Since(lastCheckpoint) >= e.checkpointInterval {
			s, idx := it.Checkpoint()

			if err := e.saveCheckpoint(ctx, runID, totalLoaded, runContext{
				Paging: &catalog.PagingCheckpoint{Skip: s, PageIndex: idx, RecordsLoaded: totalLoaded, SavedAt: time.Now().UTC()},
			}); err != nil {
				return pipelineResult{totalLoaded: totalLoaded}, fmt.Errorf("save periodic paging checkpoint: %w", err)
			}

			lastCheckpoint = time.Now()
		}

		if !more {
			break
		}
	}

	if err := flush(); err != nil {
		return pipelineResult{totalLoaded: totalLoaded}, fmt.Errorf("flush final batch: %w", err)
	}

	return pipelineResult{totalLoaded: totalLoaded}, nil
}

// sourceInstanceID derives the staging table's source instance
// identifier from the job's credential reference, or "" when the job
// uses the process default credential.
func sourceInstanceID(job *catalog.Job) string {
	if job.CredentialID == nil {
		return ""
	}

	return fmt.Sprintf("%d", *job.CredentialID)
}

// injectParentID unmarshals item, sets "_parentId" to value, and
// remarshals it, enabling downstream parameterized jobs to key off the
// parameter value that produced each record (e.g. a study id feeding a
// per-study allergies fetch).
func injectParentID(item json.RawMessage, value string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage

	if err := json.Unmarshal(item, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}

	encodedValue, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal parent id: %w", err)
	}

	fields["_parentId"] = encodedValue

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("remarshal item: %w", err)
	}

	return out, nil
}
