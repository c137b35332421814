// Package secrets assembles the environment a worker container runs with.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opengisch/fieldq/internal/cache"
	"github.com/opengisch/fieldq/model"
)

// Source yields the secrets visible to one user on one project, most
// specific assignment first.
type Source interface {
	ForUserAndProject(ctx context.Context, userID uuid.UUID, project *model.Project) ([]*model.Secret, error)
}

// Resolver turns stored secrets into worker environment variables.
type Resolver struct {
	secrets Source
	tokens  cache.Cache
}

func NewResolver(secrets Source, tokens cache.Cache) *Resolver {
	return &Resolver{secrets: secrets, tokens: tokens}
}

// WorkerEnv builds the environment for one worker run. Envvar secrets are
// injected verbatim; pgservice secrets are concatenated, blank-line
// separated, into PGSERVICE_FILE_CONTENTS so the worker can write a single
// pg_service.conf.
func (r *Resolver) WorkerEnv(ctx context.Context, job *model.Job, project *model.Project, apiURL string, tokenTTL time.Duration) ([]string, error) {
	stored, err := r.secrets.ForUserAndProject(ctx, job.CreatedBy, project)
	if err != nil {
		return nil, fmt.Errorf("resolving secrets for job %s: %w", job.ID, err)
	}

	var env []string
	var pgservices []string
	for _, s := range stored {
		switch s.Type {
		case model.SecretTypePGService:
			pgservices = append(pgservices, s.Value)
		default:
			env = append(env, fmt.Sprintf("%s=%s", s.Name, s.Value))
		}
	}
	if len(pgservices) > 0 {
		env = append(env, "PGSERVICE_FILE_CONTENTS="+strings.Join(pgservices, "\n\n"))
	}

	token, err := r.mintRunToken(ctx, job.ID, tokenTTL)
	if err != nil {
		return nil, err
	}
	env = append(env,
		"FIELDQ_TOKEN="+token,
		"FIELDQ_URL="+apiURL,
		"JOB_ID="+job.ID.String(),
		"PROJECT_ID="+project.ID.String(),
	)
	return env, nil
}

// mintRunToken issues a single-use credential tied to the job. It lives in
// the cache for the run timeout only, so a leaked token goes stale with the
// container.
func (r *Resolver) mintRunToken(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("minting run token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := r.tokens.Put(ctx, runTokenKey(jobID), []byte(token), ttl); err != nil {
		return "", fmt.Errorf("storing run token: %w", err)
	}
	return token, nil
}

// ValidateRunToken reports whether the presented token matches the live one
// for the job. An expired or unknown token fails closed.
func (r *Resolver) ValidateRunToken(ctx context.Context, jobID uuid.UUID, presented string) bool {
	want, err := r.tokens.Get(ctx, runTokenKey(jobID))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, []byte(presented)) == 1
}

func runTokenKey(jobID uuid.UUID) string {
	return "run_token:" + jobID.String()
}
