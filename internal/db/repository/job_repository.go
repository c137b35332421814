package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoPendingJob is returned by ClaimNext when no eligible job exists.
var ErrNoPendingJob = errors.New("no eligible pending job")

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, type, status, project_id, created_by,
	created_at, updated_at, started_at, finished_at,
	output, feedback, container_id, overwrite_conflicts`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.ProjectID, &j.CreatedBy,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
		&j.Output, &j.Feedback, &j.ContainerID, &j.OverwriteConflicts,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/CreateJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.String("type", string(job.Type)),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, project_id, created_by, overwrite_conflicts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, job.Type, model.JobStatusPending, job.ProjectID, job.CreatedBy, job.OverwriteConflicts)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/GetJob")
	defer span.End()

	job, err := scanJob(r.db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}
	return job, nil
}

// ClaimNext atomically claims the oldest pending job whose project has no
// active job and is not administratively locked, and marks it queued.
//
// The claim transaction runs at REPEATABLE READ so the busy-projects snapshot
// is consistent with the row being claimed, and the row lock uses
// FOR UPDATE SKIP LOCKED so concurrent dequeue processes never block on, or
// double-claim, the same row.
func (r *JobRepository) ClaimNext(ctx context.Context) (*model.Job, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/ClaimNextJob")
	defer span.End()

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		  AND project_id NOT IN (
			SELECT project_id FROM jobs WHERE status IN ($2, $3)
		  )
		  AND project_id NOT IN (
			SELECT id FROM projects WHERE is_locked
		  )
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, model.JobStatusPending, model.JobStatusQueued, model.JobStatusStarted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPendingJob
		}
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1
	`, job.ID, model.JobStatusQueued)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to mark job queued: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = model.JobStatusQueued
	span.SetAttributes(attribute.String("job_id", job.ID.String()))
	return job, nil
}

// MarkStarted flips the job to started the moment the worker run begins.
func (r *JobRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/MarkJobStarted")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3, updated_at = now() WHERE id = $1
	`, id, model.JobStatusStarted, startedAt)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	return nil
}

// SetContainerID records the isolation unit backing the job, for the reaper.
func (r *JobRepository) SetContainerID(ctx context.Context, id uuid.UUID, containerID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs SET container_id = $2, updated_at = now() WHERE id = $1
	`, id, containerID)
	if err != nil {
		return fmt.Errorf("failed to set container id: %w", err)
	}
	return nil
}

// Finish writes the terminal status together with output and feedback.
func (r *JobRepository) Finish(ctx context.Context, id uuid.UUID, status model.JobStatus, output string, feedback []byte) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/FinishJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(
			attribute.String("job_id", id.String()),
			attribute.String("status", string(status)),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, output = $3, feedback = $4, finished_at = now(), updated_at = now()
		WHERE id = $1
	`, id, status, output, feedback)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// ActiveContainerIDs returns the container ids of all jobs the database
// still considers running.
func (r *JobRepository) ActiveContainerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT container_id FROM jobs
		WHERE status IN ($1, $2) AND container_id <> ''
	`, model.JobStatusQueued, model.JobStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to list active container ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StuckActiveJobs returns jobs the database considers running whose
// container is not in the live set. A crash between claiming and finishing
// leaves exactly this state behind.
func (r *JobRepository) StuckActiveJobs(ctx context.Context, liveContainerIDs []string, olderThan time.Duration) ([]*model.Job, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/StuckActiveJobs")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ($1, $2)
		  AND updated_at < now() - $3::interval
		  AND NOT (container_id = ANY($4))
	`, model.JobStatusQueued, model.JobStatusStarted,
		fmt.Sprintf("%f seconds", olderThan.Seconds()), liveContainerIDs)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			tracer.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AttachDeltas links the given deltas to a delta apply job.
func (r *JobRepository) AttachDeltas(ctx context.Context, jobID uuid.UUID, deltaIDs []uuid.UUID) error {
	if len(deltaIDs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(deltaIDs))
	for _, deltaID := range deltaIDs {
		rows = append(rows, []any{jobID, deltaID, model.DeltaStatusPending})
	}

	_, err := r.db.Pool.CopyFrom(
		ctx,
		pgx.Identifier{"apply_job_deltas"},
		[]string{"job_id", "delta_id", "status"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to attach deltas to job: %w", err)
	}
	return nil
}

// DeltasForJob returns the deltas attached to a delta apply job, oldest first.
func (r *JobRepository) DeltasForJob(ctx context.Context, jobID uuid.UUID) ([]*model.Delta, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT d.id, d.deltafile_id, d.project_id, d.client_id, d.content,
		       d.content_sha256, d.created_by, d.created_at, d.updated_at,
		       d.last_status, d.last_feedback, d.last_modified_pk
		FROM deltas d
		JOIN apply_job_deltas ajd ON ajd.delta_id = d.id
		WHERE ajd.job_id = $1
		ORDER BY d.created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job deltas: %w", err)
	}
	defer rows.Close()

	return scanDeltas(rows)
}
