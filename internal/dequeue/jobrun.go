package dequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opengisch/fieldq/internal/launcher"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/metrics"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/model"
)

// runner is the per-job-type behavior around the common run skeleton.
// Before runs after the workdir exists but before the worker starts; After
// runs only on a successful worker run; OnError runs on any failure,
// including launch failures where no feedback exists.
type runner interface {
	Command() []string
	Before(ctx context.Context, workDir string) error
	After(ctx context.Context, fb *model.Feedback) error
	OnError(ctx context.Context, fb *model.Feedback) error
}

func (l *Loop) runnerFor(job *model.Job) (runner, error) {
	switch job.Type {
	case model.JobTypePackage:
		return &packageRun{loop: l, job: job}, nil
	case model.JobTypeDeltaApply:
		return &deltaApplyRun{loop: l, job: job}, nil
	case model.JobTypeProcessProjectfile:
		return &processProjectfileRun{loop: l, job: job}, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// runJob drives one claimed job to a terminal state. Nothing here returns an
// error: every failure path ends in a failed job row with a feedback
// document explaining it.
func (l *Loop) runJob(ctx context.Context, job *model.Job) {
	ctx, span := tracer.Get().Start(ctx, "Dequeue/RunJob")
	defer span.End()

	log := logger.ForJob(job.ID.String())
	ctx = logger.WithContext(ctx, log)
	log.Info().Str("type", string(job.Type)).Str("project_id", job.ProjectID.String()).
		Msg("running job")

	started := time.Now()

	// One runner instance per job: hooks like the delta reconciliation in
	// After depend on state loaded in Before.
	run, err := l.runnerFor(job)

	var exitCode int64
	var fb *model.Feedback
	var output string
	if err == nil {
		exitCode, fb, output, err = l.execute(ctx, job, run)
	}
	if err != nil {
		tracer.RecordSpanError(span, err)
		log.Error().Err(err).Msg("job run failed before worker completion")
		if fb == nil {
			fb = &model.Feedback{FeedbackVersion: model.FeedbackVersion}
		}
		fb.Error = err.Error()
		if fb.ErrorType == "" {
			fb.ErrorType = model.ErrorTypeUnknown
		}
		fb.ErrorOrigin = "worker_wrapper"
	}

	status := model.JobStatusFinished
	if err != nil || exitCode != 0 || fb.HasError() {
		status = model.JobStatusFailed
	}

	if run != nil {
		if status == model.JobStatusFinished {
			if afterErr := run.After(ctx, fb); afterErr != nil {
				log.Error().Err(afterErr).Msg("post-run hook failed")
				status = model.JobStatusFailed
				fb.Error = afterErr.Error()
				fb.ErrorType = model.ErrorTypeUnknown
				fb.ErrorOrigin = "worker_wrapper"
			}
		}
		if status == model.JobStatusFailed {
			if errErr := run.OnError(ctx, fb); errErr != nil {
				log.Error().Err(errErr).Msg("error hook failed")
			}
		}
	}

	raw, marshalErr := model.MarshalFeedback(fb)
	if marshalErr != nil {
		log.Error().Err(marshalErr).Msg("feedback marshalling failed")
		raw = []byte(`{"feedback_version":"2.0","error":"feedback serialization failed","error_type":"UNKNOWN"}`)
	}
	if finishErr := l.jobs.Finish(ctx, job.ID, status, output, raw); finishErr != nil {
		log.Error().Err(finishErr).Msg("failed to persist job outcome")
		return
	}

	metrics.JobsFinished.WithLabelValues(string(job.Type), string(status)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())
	log.Info().Str("status", string(status)).Int64("exit_code", exitCode).
		Dur("duration", time.Since(started)).Msg("job done")
}

// execute covers the worker lifecycle: workdir, secrets, launch, wait, log
// and feedback collection. A nonzero exit code is not an error here; only
// infrastructure failures are.
func (l *Loop) execute(ctx context.Context, job *model.Job, run runner) (int64, *model.Feedback, string, error) {
	workDir, err := os.MkdirTemp(l.cfg.SharedTmpDir, "fieldq-job-")
	if err != nil {
		return 0, nil, "", fmt.Errorf("provisioning workdir: %w", err)
	}
	defer os.RemoveAll(workDir)
	// The worker container runs as an unprivileged user.
	if err := os.Chmod(workDir, 0o777); err != nil {
		return 0, nil, "", fmt.Errorf("opening up workdir: %w", err)
	}

	project, err := l.projects.Get(ctx, job.ProjectID)
	if err != nil {
		return 0, nil, "", fmt.Errorf("loading project: %w", err)
	}

	if err := l.jobs.MarkStarted(ctx, job.ID, time.Now()); err != nil {
		return 0, nil, "", err
	}

	if err := run.Before(ctx, workDir); err != nil {
		return 0, nil, "", fmt.Errorf("pre-run hook: %w", err)
	}

	env, err := l.secrets.WorkerEnv(ctx, job, project, l.cfg.WorkerAPIURL, l.cfg.WorkerTimeout)
	if err != nil {
		return 0, nil, "", err
	}
	env = append(env,
		"PROJECT_FILENAME="+project.QGISFileName,
		"ENVIRONMENT="+l.cfg.Environment,
	)

	spec := launcher.Spec{
		JobID:       job.ID.String(),
		ProjectID:   job.ProjectID.String(),
		JobType:     string(job.Type),
		Image:       l.cfg.WorkerImage,
		Command:     run.Command(),
		WorkDir:     workDir,
		Env:         env,
		CPUQuota:    l.cfg.WorkerCPUQuota,
		MemoryBytes: l.cfg.WorkerMemoryBytes,
		Network:     l.cfg.WorkerNetwork,
	}

	workerID, err := l.launcher.Launch(ctx, spec)
	if err != nil {
		return 0, nil, "", fmt.Errorf("launching worker: %w", err)
	}
	defer func() {
		if err := l.launcher.Remove(context.WithoutCancel(ctx), workerID); err != nil {
			logger.FromContext(ctx).Warn().Err(err).Str("worker_id", workerID).
				Msg("failed to remove worker")
		}
	}()

	if err := l.jobs.SetContainerID(ctx, job.ID, workerID); err != nil {
		return 0, nil, "", err
	}

	exitCode, err := l.launcher.Wait(ctx, workerID, l.cfg.WorkerTimeout)
	if err != nil {
		return 0, nil, "", fmt.Errorf("waiting for worker: %w", err)
	}

	var output string
	if out, err := l.launcher.Logs(ctx, workerID); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("failed to read worker logs")
	} else {
		output = string(out)
	}

	fb := l.collectFeedback(ctx, workDir, exitCode)
	return exitCode, fb, output, nil
}

// collectFeedback reads feedback.json from the shared workdir and overlays
// the failure kinds only the dequeue side can see: wall-clock timeout and
// the engine killing the worker.
func (l *Loop) collectFeedback(ctx context.Context, workDir string, exitCode int64) *model.Feedback {
	fb := &model.Feedback{FeedbackVersion: model.FeedbackVersion}

	raw, err := os.ReadFile(filepath.Join(workDir, "feedback.json"))
	if err == nil {
		if jsonErr := json.Unmarshal(raw, fb); jsonErr != nil {
			logger.FromContext(ctx).Error().Err(jsonErr).Msg("unreadable feedback.json")
			fb = &model.Feedback{
				FeedbackVersion: model.FeedbackVersion,
				Error:           "worker wrote an unreadable feedback document",
				ErrorType:       model.ErrorTypeUnknown,
				ErrorOrigin:     "container",
			}
		}
	}

	fb.ContainerExitCode = int(exitCode)
	switch exitCode {
	case launcher.ExitTimeout:
		fb.Error = fmt.Sprintf("worker timed out after %s", l.cfg.WorkerTimeout)
		fb.ErrorType = model.ErrorTypeTimeout
		fb.ErrorOrigin = "worker_wrapper"
	case launcher.ExitSIGKILL:
		fb.Error = "worker was killed by the container engine"
		fb.ErrorType = model.ErrorTypeDockerEngineSigkill
		fb.ErrorOrigin = "container"
	}
	return fb
}
