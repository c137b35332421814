package repository

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/model"
)

// DeltaContentMismatchError is the content-integrity rejection: a delta id
// was resubmitted with different content than previously stored.
type DeltaContentMismatchError struct {
	DeltaID uuid.UUID
}

func (e *DeltaContentMismatchError) Error() string {
	return fmt.Sprintf("delta %s was already submitted with different content", e.DeltaID)
}

type DeltaRepository struct {
	db *db.DB
}

func NewDeltaRepository(db *db.DB) *DeltaRepository {
	return &DeltaRepository{db: db}
}

func ContentSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum)
}

func scanDeltas(rows pgx.Rows) ([]*model.Delta, error) {
	var deltas []*model.Delta
	for rows.Next() {
		var d model.Delta
		err := rows.Scan(
			&d.ID, &d.DeltafileID, &d.ProjectID, &d.ClientID, &d.Content,
			&d.ContentSHA, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt,
			&d.LastStatus, &d.LastFeedback, &d.LastModifiedPK,
		)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, &d)
	}
	return deltas, rows.Err()
}

// CreateBatch persists the deltas of one accepted deltafile.
//
// Submission is idempotent per delta id: an id already present with the same
// content hash is skipped silently; an id present with a different hash
// aborts the whole batch with a DeltaContentMismatchError and leaves the
// original row untouched.
func (r *DeltaRepository) CreateBatch(ctx context.Context, deltas []*model.Delta) ([]*model.Delta, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/CreateDeltas")
	defer span.End()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to begin delta batch: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, len(deltas))
	for _, d := range deltas {
		ids = append(ids, d.ID)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, content_sha256 FROM deltas WHERE id = ANY($1)
	`, ids)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to check existing deltas: %w", err)
	}

	existing := map[uuid.UUID]string{}
	for rows.Next() {
		var id uuid.UUID
		var sha string
		if err := rows.Scan(&id, &sha); err != nil {
			rows.Close()
			return nil, err
		}
		existing[id] = sha
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var created []*model.Delta
	for _, d := range deltas {
		if d.ContentSHA == "" {
			d.ContentSHA = ContentSHA256(d.Content)
		}

		if sha, ok := existing[d.ID]; ok {
			if sha != d.ContentSHA {
				err := &DeltaContentMismatchError{DeltaID: d.ID}
				tracer.RecordSpanError(span, err)
				return nil, err
			}
			// identical resubmission, idempotent no-op
			continue
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO deltas (
				id, deltafile_id, project_id, client_id, content,
				content_sha256, created_by, last_status, last_feedback
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, d.ID, d.DeltafileID, d.ProjectID, d.ClientID, d.Content,
			d.ContentSHA, d.CreatedBy, d.LastStatus, d.LastFeedback)
		if err != nil {
			tracer.RecordSpanError(span, err)
			return nil, fmt.Errorf("failed to insert delta %s: %w", d.ID, err)
		}
		created = append(created, d)
	}

	if err := tx.Commit(ctx); err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to commit delta batch: %w", err)
	}
	return created, nil
}

// PendingForProject returns pending deltas of a project that are not part
// of any pending, queued or started apply job, oldest first.
func (r *DeltaRepository) PendingForProject(ctx context.Context, projectID uuid.UUID) ([]*model.Delta, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/PendingDeltas")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT d.id, d.deltafile_id, d.project_id, d.client_id, d.content,
		       d.content_sha256, d.created_by, d.created_at, d.updated_at,
		       d.last_status, d.last_feedback, d.last_modified_pk
		FROM deltas d
		WHERE d.project_id = $1
		  AND d.last_status = $2
		  AND NOT EXISTS (
			SELECT 1
			FROM apply_job_deltas ajd
			JOIN jobs j ON j.id = ajd.job_id
			WHERE ajd.delta_id = d.id
			  AND j.status IN ($3, $4, $5)
		  )
		ORDER BY d.created_at
	`, projectID, model.DeltaStatusPending,
		model.JobStatusPending, model.JobStatusQueued, model.JobStatusStarted)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to list pending deltas: %w", err)
	}
	defer rows.Close()

	return scanDeltas(rows)
}

// SetStatusForJob updates both the deltas and the job/delta join rows,
// e.g. marking the whole batch started before launch or errored after a
// wrapper-level failure.
func (r *DeltaRepository) SetStatusForJob(ctx context.Context, jobID uuid.UUID, status model.DeltaStatus) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/SetDeltaStatusForJob")
	defer span.End()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE apply_job_deltas SET status = $2 WHERE job_id = $1
	`, jobID, status)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to update join rows: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE deltas SET last_status = $2, updated_at = now()
		WHERE id IN (SELECT delta_id FROM apply_job_deltas WHERE job_id = $1)
	`, jobID, status)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to update deltas: %w", err)
	}

	return tx.Commit(ctx)
}

// SetStatusByIDs sets the status and feedback of specific deltas, e.g.
// marking a submission unpermitted before any job exists.
func (r *DeltaRepository) SetStatusByIDs(ctx context.Context, ids []uuid.UUID, status model.DeltaStatus, feedback json.RawMessage) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE deltas SET last_status = $2, last_feedback = $3, updated_at = now()
		WHERE id = ANY($1)
	`, ids, status, feedback)
	if err != nil {
		return fmt.Errorf("failed to update delta statuses: %w", err)
	}
	return nil
}

// ApplyFeedback reconciles one per-delta log entry from the worker feedback
// onto the delta row and the job/delta join row.
func (r *DeltaRepository) ApplyFeedback(ctx context.Context, jobID, deltaID uuid.UUID, status model.DeltaStatus, feedback json.RawMessage, modifiedPK *string) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/ApplyDeltaFeedback")
	defer span.End()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to begin feedback update: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE deltas
		SET last_status = $2, last_feedback = $3, last_modified_pk = $4, updated_at = now()
		WHERE id = $1
	`, deltaID, status, feedback, modifiedPK)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to update delta %s: %w", deltaID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE apply_job_deltas
		SET status = $3, feedback = $4, modified_pk = $5
		WHERE job_id = $1 AND delta_id = $2
	`, jobID, deltaID, status, feedback, modifiedPK)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to update join row: %w", err)
	}

	return tx.Commit(ctx)
}

// ClientPKs builds the "{clientId}__{localPk}" -> last_modified_pk map used
// by the worker to resolve references to features created in earlier
// batches by the same clients.
func (r *DeltaRepository) ClientPKs(ctx context.Context, clientIDs []uuid.UUID) (map[string]string, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/DeltaClientPKs")
	defer span.End()

	if len(clientIDs) == 0 {
		return map[string]string{}, nil
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT client_id, content->>'localPk', last_modified_pk
		FROM deltas
		WHERE client_id = ANY($1) AND last_modified_pk IS NOT NULL
	`, clientIDs)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to query client pks: %w", err)
	}
	defer rows.Close()

	pks := map[string]string{}
	for rows.Next() {
		var clientID uuid.UUID
		var localPK *string
		var modifiedPK string
		if err := rows.Scan(&clientID, &localPK, &modifiedPK); err != nil {
			return nil, err
		}
		if localPK == nil {
			continue
		}
		pks[model.ClientPKKey(clientID, *localPK)] = modifiedPK
	}
	return pks, rows.Err()
}

// ListByDeltafile returns the deltas of one submission.
func (r *DeltaRepository) ListByDeltafile(ctx context.Context, projectID, deltafileID uuid.UUID) ([]*model.Delta, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, deltafile_id, project_id, client_id, content,
		       content_sha256, created_by, created_at, updated_at,
		       last_status, last_feedback, last_modified_pk
		FROM deltas
		WHERE project_id = $1 AND deltafile_id = $2
		ORDER BY created_at
	`, projectID, deltafileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deltafile deltas: %w", err)
	}
	defer rows.Close()

	return scanDeltas(rows)
}
