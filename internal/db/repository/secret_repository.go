package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/model"
)

type SecretRepository struct {
	db *db.DB
}

func NewSecretRepository(db *db.DB) *SecretRepository {
	return &SecretRepository{db: db}
}

// ForUserAndProject resolves the secrets visible to a worker run, one row
// per name, most specific scope wins:
// user-assigned-to-project > project > user-assigned-to-organization > organization.
func (r *SecretRepository) ForUserAndProject(ctx context.Context, userID uuid.UUID, project *model.Project) ([]*model.Secret, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/SecretsForUserAndProject")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (name)
		       id, name, type, value, project_id, organization_id, assigned_to
		FROM secrets
		WHERE (project_id = $1 OR organization_id = $2)
		  AND (assigned_to IS NULL OR assigned_to = $3)
		ORDER BY name,
		         CASE
		             WHEN project_id IS NOT NULL AND assigned_to IS NOT NULL THEN 0
		             WHEN project_id IS NOT NULL THEN 1
		             WHEN assigned_to IS NOT NULL THEN 2
		             ELSE 3
		         END
	`, project.ID, project.OwnerID, userID)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to query secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*model.Secret
	for rows.Next() {
		var s model.Secret
		err := rows.Scan(&s.ID, &s.Name, &s.Type, &s.Value,
			&s.ProjectID, &s.OrganizationID, &s.AssignedTo)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, &s)
	}
	return secrets, rows.Err()
}
