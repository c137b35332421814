// Package dequeue is the scheduler side of the queue: it polls the jobs
// table, claims eligible work, launches isolated workers and persists their
// outcome. Several dequeue processes can run against the same database; the
// claim query keeps them from racing.
package dequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/launcher"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/metrics"
	"github.com/opengisch/fieldq/internal/queue"
	"github.com/opengisch/fieldq/internal/secrets"
	"github.com/opengisch/fieldq/internal/storage"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/model"
)

// orphanGrace is how long a queued/started job may sit without a live
// container before the reaper fails it. Keeps the reaper from racing the
// window between claiming a job and recording its container id.
const orphanGrace = 60 * time.Second

type Loop struct {
	cfg      *config.DequeueConfig
	database *db.DB
	jobs     *repository.JobRepository
	deltas   *repository.DeltaRepository
	projects *repository.ProjectRepository
	launcher launcher.Launcher
	secrets  *secrets.Resolver
	store    storage.Storage
	events   queue.Queue

	wake chan struct{}
}

func NewLoop(
	cfg *config.DequeueConfig,
	database *db.DB,
	jobs *repository.JobRepository,
	deltas *repository.DeltaRepository,
	projects *repository.ProjectRepository,
	l launcher.Launcher,
	resolver *secrets.Resolver,
	store storage.Storage,
	events queue.Queue,
) *Loop {
	return &Loop{
		cfg:      cfg,
		database: database,
		jobs:     jobs,
		deltas:   deltas,
		projects: projects,
		launcher: l,
		secrets:  resolver,
		store:    store,
		events:   events,
		wake:     make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled. Job-created events from the queue wake
// the loop early; correctness never depends on them.
func (l *Loop) Run(ctx context.Context) error {
	err := l.events.SubscribeEvent(queue.JobCreated, func(id string) error {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		logger.Log.Warn().Err(err).Msg("job event subscription unavailable, polling only")
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Log.Error().Err(err).Msg("dequeue iteration failed")
		}

		select {
		case <-ctx.Done():
			logger.Log.Info().Msg("dequeue loop stopping")
			return nil
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// RunOnce performs one scheduler iteration: reap orphans, refuse to work
// against a replica, then claim and run jobs until the queue is drained.
func (l *Loop) RunOnce(ctx context.Context) error {
	ctx, span := tracer.Get().Start(ctx, "Dequeue/Iteration")
	defer span.End()

	metrics.DequeueIterations.Inc()

	if err := l.reapOrphans(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("orphan reaping failed")
	}

	if err := l.database.AssertPrimary(ctx); err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("refusing to dequeue: %w", err)
	}

	for {
		job, err := l.jobs.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrNoPendingJob) {
				return nil
			}
			tracer.RecordSpanError(span, err)
			return err
		}

		metrics.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
		l.runJob(ctx, job)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// reapOrphans handles both directions of the orphan problem: containers
// whose job is no longer active get killed, and active jobs whose container
// is gone get failed.
func (l *Loop) reapOrphans(ctx context.Context) error {
	ctx, span := tracer.Get().Start(ctx, "Dequeue/ReapOrphans")
	defer span.End()

	workers, err := l.launcher.List(ctx)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return fmt.Errorf("listing workers: %w", err)
	}

	activeIDs, err := l.jobs.ActiveContainerIDs(ctx)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return err
	}
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	liveIDs := make([]string, 0, len(workers))
	for _, w := range workers {
		liveIDs = append(liveIDs, w.ID)
		if active[w.ID] {
			continue
		}
		logger.Log.Warn().Str("worker_id", w.ID).Str("job_id", w.JobID).
			Msg("killing worker without an active job")
		if err := l.launcher.Kill(ctx, w.ID); err != nil {
			logger.Log.Error().Err(err).Str("worker_id", w.ID).Msg("failed to kill orphan worker")
			continue
		}
		metrics.OrphansReaped.Inc()
	}

	stuck, err := l.jobs.StuckActiveJobs(ctx, liveIDs, orphanGrace)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return err
	}
	for _, job := range stuck {
		logger.Log.Warn().Str("job_id", job.ID.String()).Str("status", string(job.Status)).
			Msg("failing job with no live worker")
		if err := l.failOrphanedJob(ctx, job); err != nil {
			logger.Log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to fail orphaned job")
			continue
		}
		metrics.OrphansReaped.Inc()
		metrics.JobsFinished.WithLabelValues(string(job.Type), string(model.JobStatusFailed)).Inc()
	}
	return nil
}

func (l *Loop) failOrphanedJob(ctx context.Context, job *model.Job) error {
	fb := &model.Feedback{
		FeedbackVersion: model.FeedbackVersion,
		Error:           "worker disappeared while the job was active",
		ErrorType:       model.ErrorTypeOrphaned,
		ErrorOrigin:     "worker_wrapper",
	}
	raw, err := model.MarshalFeedback(fb)
	if err != nil {
		return err
	}
	if err := l.jobs.Finish(ctx, job.ID, model.JobStatusFailed, job.Output, raw); err != nil {
		return err
	}
	if job.Type == model.JobTypeDeltaApply {
		if err := l.deltas.SetStatusForJob(ctx, job.ID, model.DeltaStatusError); err != nil {
			return err
		}
	}
	return nil
}
