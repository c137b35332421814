// Package admission gates job creation on the owning account's plan and
// remaining job minutes. Violations surface synchronously to the caller;
// a rejected job never reaches the pending queue.
package admission

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/model"
)

// QuotaExceededError means the account has no job minutes left.
type QuotaExceededError struct {
	UserID uuid.UUID
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("account %s has exhausted its job minutes", e.UserID)
}

// PlanInsufficientError means the requested job type needs a plan feature
// the owning account does not have.
type PlanInsufficientError struct {
	UserID  uuid.UUID
	Feature string
}

func (e *PlanInsufficientError) Error() string {
	return fmt.Sprintf("account %s plan does not include %s", e.UserID, e.Feature)
}

// SubscriptionInactiveError means the owning account is suspended.
type SubscriptionInactiveError struct {
	UserID uuid.UUID
}

func (e *SubscriptionInactiveError) Error() string {
	return fmt.Sprintf("account %s subscription is inactive", e.UserID)
}

// AccountSource loads the billing state of a project owner. Satisfied by
// repository.AccountRepository.
type AccountSource interface {
	Get(ctx context.Context, userID uuid.UUID) (*repository.Account, error)
}

// Gate decides whether a job for the given project may be created at all.
type Gate struct {
	accounts AccountSource
}

func NewGate(accounts AccountSource) *Gate {
	return &Gate{accounts: accounts}
}

// CanCreateJob returns nil or one of the typed admission errors. It is a
// precondition of job creation, never consulted again after the job row
// exists.
func (g *Gate) CanCreateJob(ctx context.Context, project *model.Project, jobType model.JobType) error {
	account, err := g.accounts.Get(ctx, project.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to resolve owner account: %w", err)
	}

	if !account.IsActive {
		return &SubscriptionInactiveError{UserID: account.UserID}
	}
	if account.JobMinutesUsed >= account.JobMinutesLimit {
		return &QuotaExceededError{UserID: account.UserID}
	}
	// Jobs touching externally hosted vector data need a plan flag.
	if jobType == model.JobTypeDeltaApply && !account.ExternalDBSupport && projectUsesExternalData(project) {
		return &PlanInsufficientError{UserID: account.UserID, Feature: "externally hosted layers"}
	}
	return nil
}

func projectUsesExternalData(project *model.Project) bool {
	if project.ProjectDetails == nil {
		return false
	}
	// The process-projectfile workflow records provider kinds in the
	// project details; postgres-backed layers mark the project external.
	return strings.Contains(string(project.ProjectDetails), `"postgres"`)
}
