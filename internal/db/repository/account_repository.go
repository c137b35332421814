package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/opengisch/fieldq/internal/db"
)

// Account is the minimal billing state consulted by the admission gate.
// The billing model proper is owned by another service.
type Account struct {
	UserID            uuid.UUID `db:"user_id"`
	Plan              string    `db:"plan"`
	IsActive          bool      `db:"is_active"`
	JobMinutesLimit   int       `db:"job_minutes_limit"`
	JobMinutesUsed    int       `db:"job_minutes_used"`
	ExternalDBSupport bool      `db:"external_db_support"`
}

type AccountRepository struct {
	db *db.DB
}

func NewAccountRepository(db *db.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Get(ctx context.Context, userID uuid.UUID) (*Account, error) {
	var a Account
	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id, plan, is_active, job_minutes_limit, job_minutes_used, external_db_support
		FROM accounts WHERE user_id = $1
	`, userID).Scan(
		&a.UserID, &a.Plan, &a.IsActive,
		&a.JobMinutesLimit, &a.JobMinutesUsed, &a.ExternalDBSupport,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", userID, err)
	}
	return &a, nil
}
