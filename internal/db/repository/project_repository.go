package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/model"
)

type ProjectRepository struct {
	db *db.DB
}

func NewProjectRepository(db *db.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) Get(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/GetProject")
	defer span.End()

	var p model.Project
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, owner_id, is_locked, qgis_file_name, overwrite_conflicts,
		       project_details, thumbnail_uri, data_last_packaged_at, data_last_updated_at
		FROM projects WHERE id = $1
	`, id).Scan(
		&p.ID, &p.OwnerID, &p.IsLocked, &p.QGISFileName, &p.OverwriteConflicts,
		&p.ProjectDetails, &p.ThumbnailURI, &p.DataLastPackagedAt, &p.DataLastUpdatedAt,
	)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}
	return &p, nil
}

// SetLocked toggles the administrative project lock. While locked, the
// project's pending jobs are skipped by the dequeue loop.
func (r *ProjectRepository) SetLocked(ctx context.Context, id uuid.UUID, locked bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE projects SET is_locked = $2 WHERE id = $1
	`, id, locked)
	if err != nil {
		return fmt.Errorf("failed to set project lock: %w", err)
	}
	return nil
}

// SetDetails stores the extracted project details and thumbnail after a
// successful process-projectfile job. A nil details clears stale state.
func (r *ProjectRepository) SetDetails(ctx context.Context, id uuid.UUID, details json.RawMessage, thumbnailURI string) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/SetProjectDetails")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE projects
		SET project_details = $2,
		    thumbnail_uri = CASE WHEN $3 = '' THEN thumbnail_uri ELSE $3 END
		WHERE id = $1
	`, id, details, thumbnailURI)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("failed to set project details: %w", err)
	}
	return nil
}

// SetLastPackaged records the data snapshot time of a finished package job.
func (r *ProjectRepository) SetLastPackaged(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE projects SET data_last_packaged_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to set last packaged at: %w", err)
	}
	return nil
}

// TouchDataUpdated records that applied deltas modified the project data.
func (r *ProjectRepository) TouchDataUpdated(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE projects SET data_last_updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch data updated at: %w", err)
	}
	return nil
}
