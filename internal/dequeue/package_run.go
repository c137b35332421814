package dequeue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/model"
)

// packageRun packages a project for offline use. The worker uploads the
// produced files under projects/{id}/packages/{job_id}/; the post-run hook
// records the package time and prunes packages left behind by earlier jobs.
type packageRun struct {
	loop *Loop
	job  *model.Job
}

func (r *packageRun) Command() []string {
	return []string{"fieldq_worker", "package", r.job.ProjectID.String()}
}

func (r *packageRun) Before(ctx context.Context, workDir string) error {
	return nil
}

func (r *packageRun) After(ctx context.Context, fb *model.Feedback) error {
	if err := r.loop.projects.SetLastPackaged(ctx, r.job.ProjectID, time.Now()); err != nil {
		return err
	}
	r.pruneDanglingPackages(ctx)
	return nil
}

func (r *packageRun) OnError(ctx context.Context, fb *model.Feedback) error {
	return nil
}

// pruneDanglingPackages removes stored packages of other jobs. Clients only
// ever download the latest package, so anything not produced by this run is
// dead weight. Failures are logged, not fatal: the package itself is fine.
func (r *packageRun) pruneDanglingPackages(ctx context.Context) {
	prefix := fmt.Sprintf("projects/%s/packages/", r.job.ProjectID)
	keep := prefix + r.job.ID.String() + "/"

	objects, err := r.loop.store.List(ctx, prefix)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("failed to list stored packages")
		return
	}
	for _, obj := range objects {
		if strings.HasPrefix(obj.Path, keep) {
			continue
		}
		if err := r.loop.store.Delete(ctx, obj.Path, ""); err != nil {
			logger.FromContext(ctx).Warn().Err(err).Str("path", obj.Path).
				Msg("failed to prune dangling package file")
		}
	}
}
