//go:build integration
// +build integration

package dequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/opengisch/fieldq/internal/cache/freecache"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/launcher"
	"github.com/opengisch/fieldq/internal/launcher/local"
	"github.com/opengisch/fieldq/internal/queue/noop"
	"github.com/opengisch/fieldq/internal/secrets"
	"github.com/opengisch/fieldq/model"
	tdb "github.com/opengisch/fieldq/tests/integration_test/infra/db"
	infra "github.com/opengisch/fieldq/tests/integration_test/infra/db/repository"
	mem "github.com/opengisch/fieldq/tests/integration_test/infra/storage"
)

var (
	container testcontainers.Container
	testDB    *db.DB
	pgPool    *pgxpool.Pool
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, testDB, _ = tdb.SetupContainer(ctx)
	pgPool = testDB.Pool
	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

type fixture struct {
	loop     *Loop
	jobs     *repository.JobRepository
	deltas   *repository.DeltaRepository
	projects *repository.ProjectRepository
	store    *mem.Memory
	launcher *local.LocalLauncher
}

func newFixture(t *testing.T, fn local.WorkerFunc, timeout time.Duration) *fixture {
	t.Helper()
	infra.TruncateAll(t, pgPool)

	cfg := &config.DequeueConfig{
		PollInterval:  time.Second,
		WorkerImage:   "fieldq-worker",
		WorkerTimeout: timeout,
		SharedTmpDir:  t.TempDir(),
		Environment:   "test",
		WorkerAPIURL:  "http://fieldq-server:8080",
	}

	jobs := repository.NewJobRepository(testDB)
	deltas := repository.NewDeltaRepository(testDB)
	projects := repository.NewProjectRepository(testDB)
	resolver := secrets.NewResolver(repository.NewSecretRepository(testDB), freecache.New(1024*1024))
	store := mem.NewMemory()
	l := local.New(fn)

	return &fixture{
		loop:     NewLoop(cfg, testDB, jobs, deltas, projects, l, resolver, store, noop.New()),
		jobs:     jobs,
		deltas:   deltas,
		projects: projects,
		store:    store,
		launcher: l,
	}
}

func createJob(t *testing.T, jobs *repository.JobRepository, projectID uuid.UUID, jobType model.JobType) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:        uuid.New(),
		Type:      jobType,
		ProjectID: projectID,
		CreatedBy: uuid.New(),
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func writeFeedback(t *testing.T, workDir string, fb *model.Feedback) {
	t.Helper()
	raw, err := model.MarshalFeedback(fb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "feedback.json"), raw, 0o644))
}

func successFeedback(workflowID string) *model.Feedback {
	return &model.Feedback{
		FeedbackVersion: model.FeedbackVersion,
		WorkflowID:      workflowID,
		Steps:           []model.StepFeedback{{ID: "all", Stage: model.StepStageCompleted}},
		Outputs:         map[string]map[string]any{},
	}
}

func TestRunOnce_PackageJobFinishes(t *testing.T) {
	var gotEnv []string
	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		gotEnv = spec.Env
		writeFeedback(t, spec.WorkDir, successFeedback("package"))
		return 0, []byte("worker log line")
	}, time.Minute)
	ctx := context.Background()

	projectID := infra.CreateProject(t, pgPool, false)
	job := createJob(t, f.jobs, projectID, model.JobTypePackage)

	// A package left behind by an earlier job must get pruned.
	stale := fmt.Sprintf("projects/%s/packages/%s/project.json", projectID, uuid.New())
	_, err := f.store.Put(ctx, stale, []byte("{}"), nil)
	require.NoError(t, err)

	require.NoError(t, f.loop.RunOnce(ctx))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFinished, got.Status)
	require.Equal(t, "worker log line", got.Output)
	require.NotNil(t, got.FinishedAt)

	var fb model.Feedback
	require.NoError(t, json.Unmarshal(got.Feedback, &fb))
	require.False(t, fb.HasError())

	project, err := f.projects.Get(ctx, projectID)
	require.NoError(t, err)
	require.NotNil(t, project.DataLastPackagedAt)

	_, err = f.store.Get(ctx, stale)
	require.Error(t, err)

	require.Contains(t, gotEnv, "PROJECT_FILENAME=project.json")
	require.Contains(t, gotEnv, "ENVIRONMENT=test")
}

func TestRunOnce_WorkerFailureFailsJob(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		fb := successFeedback("package")
		fb.Error = "layer exploded"
		fb.ErrorType = model.ErrorTypeUnknown
		fb.ErrorOrigin = "container"
		writeFeedback(t, spec.WorkDir, fb)
		return 1, []byte("boom")
	}, time.Minute)
	ctx := context.Background()

	projectID := infra.CreateProject(t, pgPool, false)
	job := createJob(t, f.jobs, projectID, model.JobTypePackage)

	require.NoError(t, f.loop.RunOnce(ctx))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	var fb model.Feedback
	require.NoError(t, json.Unmarshal(got.Feedback, &fb))
	require.Equal(t, model.ErrorTypeUnknown, fb.ErrorType)
	require.Equal(t, 1, fb.ContainerExitCode)

	// A failed package run must not bump the packaged-at marker.
	project, err := f.projects.Get(ctx, projectID)
	require.NoError(t, err)
	require.Nil(t, project.DataLastPackagedAt)
}

func TestRunOnce_TimeoutOverlay(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		<-ctx.Done()
		return 1, nil
	}, 100*time.Millisecond)
	ctx := context.Background()

	projectID := infra.CreateProject(t, pgPool, false)
	job := createJob(t, f.jobs, projectID, model.JobTypePackage)

	require.NoError(t, f.loop.RunOnce(ctx))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	var fb model.Feedback
	require.NoError(t, json.Unmarshal(got.Feedback, &fb))
	require.Equal(t, model.ErrorTypeTimeout, fb.ErrorType)
	require.Equal(t, "worker_wrapper", fb.ErrorOrigin)
	require.Equal(t, int(launcher.ExitTimeout), fb.ContainerExitCode)
}

func TestRunOnce_EngineSigkillOverlay(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		writeFeedback(t, spec.WorkDir, successFeedback("package"))
		return launcher.ExitSIGKILL, nil
	}, time.Minute)
	ctx := context.Background()

	projectID := infra.CreateProject(t, pgPool, false)
	job := createJob(t, f.jobs, projectID, model.JobTypePackage)

	require.NoError(t, f.loop.RunOnce(ctx))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	var fb model.Feedback
	require.NoError(t, json.Unmarshal(got.Feedback, &fb))
	require.Equal(t, model.ErrorTypeDockerEngineSigkill, fb.ErrorType)
}

func TestRunOnce_DeltaApplyReconciliation(t *testing.T) {
	clientID := uuid.New()

	appliedContent := func(localPK string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(
			`{"uuid":%q,"clientId":%q,"localPk":%q,"sourceLayerId":"points","method":"create","new":{"attributes":{"name":"x"}}}`,
			uuid.New(), clientID, localPK))
	}

	var applied, conflicted, unreported *model.Delta

	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		// The dequeue side must have written the deltafile for the worker.
		raw, err := os.ReadFile(filepath.Join(spec.WorkDir, "deltafile.json"))
		require.NoError(t, err)
		var df model.Deltafile
		require.NoError(t, json.Unmarshal(raw, &df))
		require.Len(t, df.Deltas, 3)

		pk := "101"
		fb := successFeedback("apply_deltas")
		fb.Outputs["apply_deltas"] = map[string]any{
			"delta_feedback": []model.DeltaLogEntry{
				{DeltaID: applied.ID.String(), Status: model.DeltaApplyStatusApplied, ModifiedPK: &pk},
				{DeltaID: conflicted.ID.String(), Status: model.DeltaApplyStatusConflict},
			},
		}
		writeFeedback(t, spec.WorkDir, fb)
		return 0, nil
	}, time.Minute)
	ctx := context.Background()

	projectID := infra.CreateProject(t, pgPool, false)
	job := createJob(t, f.jobs, projectID, model.JobTypeDeltaApply)

	mkDelta := func(localPK string) *model.Delta {
		return &model.Delta{
			ID:          uuid.New(),
			DeltafileID: uuid.New(),
			ProjectID:   projectID,
			ClientID:    clientID,
			Content:     appliedContent(localPK),
			CreatedBy:   uuid.New(),
			LastStatus:  model.DeltaStatusPending,
		}
	}
	applied, conflicted, unreported = mkDelta("-1"), mkDelta("-2"), mkDelta("-3")
	_, err := f.deltas.CreateBatch(ctx, []*model.Delta{applied, conflicted, unreported})
	require.NoError(t, err)
	require.NoError(t, f.jobs.AttachDeltas(ctx, job.ID, []uuid.UUID{applied.ID, conflicted.ID, unreported.ID}))

	require.NoError(t, f.loop.RunOnce(ctx))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	// Per-delta conflicts never fail the job.
	require.Equal(t, model.JobStatusFinished, got.Status)

	byID := map[uuid.UUID]*model.Delta{}
	attached, err := f.jobs.DeltasForJob(ctx, job.ID)
	require.NoError(t, err)
	for _, d := range attached {
		byID[d.ID] = d
	}
	require.Equal(t, model.DeltaStatusApplied, byID[applied.ID].LastStatus)
	require.Equal(t, "101", *byID[applied.ID].LastModifiedPK)
	require.Equal(t, model.DeltaStatusConflict, byID[conflicted.ID].LastStatus)
	// Deltas the worker never reported on are failed, not left started.
	require.Equal(t, model.DeltaStatusError, byID[unreported.ID].LastStatus)

	// At least one delta landed, so the project data counts as updated.
	project, err := f.projects.Get(ctx, projectID)
	require.NoError(t, err)
	require.NotNil(t, project.DataLastUpdatedAt)
}

func TestRunOnce_DeltaApplyWrapperFailureFailsBatch(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		return 1, []byte("worker never produced feedback")
	}, time.Minute)
	ctx := context.Background()

	projectID := infra.CreateProject(t, pgPool, false)
	job := createJob(t, f.jobs, projectID, model.JobTypeDeltaApply)

	delta := &model.Delta{
		ID:          uuid.New(),
		DeltafileID: uuid.New(),
		ProjectID:   projectID,
		ClientID:    uuid.New(),
		Content:     json.RawMessage(fmt.Sprintf(`{"uuid":%q,"clientId":%q,"localPk":"-1","sourceLayerId":"points","method":"create","new":{}}`, uuid.New(), uuid.New())),
		CreatedBy:   uuid.New(),
		LastStatus:  model.DeltaStatusPending,
	}
	_, err := f.deltas.CreateBatch(ctx, []*model.Delta{delta})
	require.NoError(t, err)
	require.NoError(t, f.jobs.AttachDeltas(ctx, job.ID, []uuid.UUID{delta.ID}))

	require.NoError(t, f.loop.RunOnce(ctx))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	attached, err := f.jobs.DeltasForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeltaStatusError, attached[0].LastStatus)

	// Nothing applied, the data-updated marker stays untouched.
	project, err := f.projects.Get(ctx, projectID)
	require.NoError(t, err)
	require.Nil(t, project.DataLastUpdatedAt)
}

func TestReapOrphans(t *testing.T) {
	strayKilled := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, spec launcher.Spec) (int64, []byte) {
		<-ctx.Done()
		close(strayKilled)
		return 0, nil
	}, time.Minute)
	ctx := context.Background()

	// A worker with no active job behind it gets killed.
	_, err := f.launcher.Launch(ctx, launcher.Spec{JobID: uuid.NewString()})
	require.NoError(t, err)

	// An active job whose worker is gone gets failed as orphaned.
	projectID := infra.CreateProject(t, pgPool, false)
	orphan := createJob(t, f.jobs, projectID, model.JobTypePackage)
	_, err = f.jobs.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.jobs.SetContainerID(ctx, orphan.ID, "worker-vanished"))
	_, err = pgPool.Exec(ctx, `UPDATE jobs SET updated_at = now() - interval '5 minutes' WHERE id = $1`, orphan.ID)
	require.NoError(t, err)

	require.NoError(t, f.loop.reapOrphans(ctx))

	got, err := f.jobs.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	var fb model.Feedback
	require.NoError(t, json.Unmarshal(got.Feedback, &fb))
	require.Equal(t, model.ErrorTypeOrphaned, fb.ErrorType)

	// Kill blocks until the worker function returned.
	select {
	case <-strayKilled:
	case <-time.After(time.Second):
		t.Fatal("stray worker was not killed")
	}
}
