package secrets

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opengisch/fieldq/internal/cache/freecache"
	"github.com/opengisch/fieldq/model"
)

type staticSource struct {
	secrets []*model.Secret
	err     error
}

func (s *staticSource) ForUserAndProject(ctx context.Context, userID uuid.UUID, project *model.Project) ([]*model.Secret, error) {
	return s.secrets, s.err
}

func envMap(t *testing.T, env []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		require.True(t, ok, kv)
		out[name] = value
	}
	return out
}

func TestWorkerEnv(t *testing.T) {
	t.Parallel()

	job := &model.Job{ID: uuid.New(), CreatedBy: uuid.New()}
	project := &model.Project{ID: uuid.New()}

	source := &staticSource{secrets: []*model.Secret{
		{Name: "WMS_PASSWORD", Type: model.SecretTypeEnvvar, Value: "hunter2"},
		{Name: "prod", Type: model.SecretTypePGService, Value: "[prod]\nhost=db1"},
		{Name: "backup", Type: model.SecretTypePGService, Value: "[backup]\nhost=db2"},
	}}

	r := NewResolver(source, freecache.New(1024*1024))
	env, err := r.WorkerEnv(context.Background(), job, project, "http://api:8080", time.Minute)
	require.NoError(t, err)

	vars := envMap(t, env)
	require.Equal(t, "hunter2", vars["WMS_PASSWORD"])
	// Pgservice secrets are concatenated, blank-line separated.
	require.Equal(t, "[prod]\nhost=db1\n\n[backup]\nhost=db2", vars["PGSERVICE_FILE_CONTENTS"])
	require.Equal(t, "http://api:8080", vars["FIELDQ_URL"])
	require.Equal(t, job.ID.String(), vars["JOB_ID"])
	require.Equal(t, project.ID.String(), vars["PROJECT_ID"])
	require.NotEmpty(t, vars["FIELDQ_TOKEN"])
}

func TestWorkerEnv_NoPGServiceSecrets(t *testing.T) {
	t.Parallel()

	r := NewResolver(&staticSource{}, freecache.New(1024*1024))
	env, err := r.WorkerEnv(context.Background(), &model.Job{ID: uuid.New()}, &model.Project{ID: uuid.New()}, "", time.Minute)
	require.NoError(t, err)

	_, present := envMap(t, env)["PGSERVICE_FILE_CONTENTS"]
	require.False(t, present)
}

func TestRunToken(t *testing.T) {
	t.Parallel()

	r := NewResolver(&staticSource{}, freecache.New(1024*1024))
	job := &model.Job{ID: uuid.New()}

	env, err := r.WorkerEnv(context.Background(), job, &model.Project{ID: uuid.New()}, "", time.Minute)
	require.NoError(t, err)
	token := envMap(t, env)["FIELDQ_TOKEN"]

	require.True(t, r.ValidateRunToken(context.Background(), job.ID, token))
	require.False(t, r.ValidateRunToken(context.Background(), job.ID, "forged"))
	// Tokens are scoped to their job.
	require.False(t, r.ValidateRunToken(context.Background(), uuid.New(), token))
}

func TestRunToken_Rotation(t *testing.T) {
	t.Parallel()

	r := NewResolver(&staticSource{}, freecache.New(1024*1024))
	job := &model.Job{ID: uuid.New()}
	ctx := context.Background()

	first, err := r.mintRunToken(ctx, job.ID, time.Minute)
	require.NoError(t, err)
	second, err := r.mintRunToken(ctx, job.ID, time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Only the latest token is live.
	require.False(t, r.ValidateRunToken(ctx, job.ID, first))
	require.True(t, r.ValidateRunToken(ctx, job.ID, second))
}
