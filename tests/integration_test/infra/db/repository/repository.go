// Package repository holds shared fixtures for repository-level
// integration tests.
package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TruncateAll empties every table between tests, keeping the schema.
func TruncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		TRUNCATE apply_job_deltas, deltas, jobs, secrets, accounts, projects CASCADE
	`)
	if err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
}

// CreateProject inserts a minimal project row and returns its id.
func CreateProject(t *testing.T, pool *pgxpool.Pool, locked bool) uuid.UUID {
	return CreateProjectOwnedBy(t, pool, uuid.New(), locked)
}

// CreateProjectOwnedBy inserts a project row with a known owner, for tests
// that need matching account rows.
func CreateProjectOwnedBy(t *testing.T, pool *pgxpool.Pool, ownerID uuid.UUID, locked bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO projects (id, owner_id, is_locked, qgis_file_name)
		VALUES ($1, $2, $3, 'project.json')
	`, id, ownerID, locked)
	if err != nil {
		t.Fatalf("creating project: %v", err)
	}
	return id
}

// CreateAccount inserts an account row for admission tests.
func CreateAccount(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID, active bool, minutesLimit, minutesUsed int) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO accounts (user_id, is_active, job_minutes_limit, job_minutes_used)
		VALUES ($1, $2, $3, $4)
	`, userID, active, minutesLimit, minutesUsed)
	if err != nil {
		t.Fatalf("creating account: %v", err)
	}
}
