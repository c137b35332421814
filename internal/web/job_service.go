package web

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opengisch/fieldq/internal/admission"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/queue"
	"github.com/opengisch/fieldq/model"
)

// JobService owns job admission and creation. Submission is synchronous;
// execution is the dequeue loop's business.
type JobService struct {
	jobs     *repository.JobRepository
	deltas   *repository.DeltaRepository
	projects *repository.ProjectRepository
	gate     *admission.Gate
	events   queue.Queue

	// Deltas per apply job; more pending deltas fan out into several jobs.
	applyDeltasLimit int
}

func NewJobService(
	jobs *repository.JobRepository,
	deltas *repository.DeltaRepository,
	projects *repository.ProjectRepository,
	gate *admission.Gate,
	events queue.Queue,
	applyDeltasLimit int,
) *JobService {
	if applyDeltasLimit <= 0 {
		applyDeltasLimit = 1000
	}
	return &JobService{
		jobs:             jobs,
		deltas:           deltas,
		projects:         projects,
		gate:             gate,
		events:           events,
		applyDeltasLimit: applyDeltasLimit,
	}
}

// CreateJob admits and persists one pending job. Admission failures surface
// before any row exists; the queue never rejects a pending job for quota.
func (s *JobService) CreateJob(ctx context.Context, req model.JobRequest) (*model.Job, error) {
	project, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	if err := s.gate.CanCreateJob(ctx, project, req.Type); err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:                 uuid.New(),
		Type:               req.Type,
		Status:             model.JobStatusPending,
		ProjectID:          req.ProjectID,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          time.Now(),
		OverwriteConflicts: req.OverwriteConflicts,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.publishCreated(job)
	return job, nil
}

// CreateApplyJobs turns the project's unattached pending deltas into one or
// more delta apply jobs, chunked by the configured limit. Returns the jobs
// created, possibly none when every pending delta is already covered.
func (s *JobService) CreateApplyJobs(ctx context.Context, project *model.Project, createdBy uuid.UUID) ([]*model.Job, error) {
	if err := s.gate.CanCreateJob(ctx, project, model.JobTypeDeltaApply); err != nil {
		return nil, err
	}

	pending, err := s.deltas.PendingForProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var jobs []*model.Job
	for start := 0; start < len(pending); start += s.applyDeltasLimit {
		end := min(start+s.applyDeltasLimit, len(pending))

		job := &model.Job{
			ID:                 uuid.New(),
			Type:               model.JobTypeDeltaApply,
			Status:             model.JobStatusPending,
			ProjectID:          project.ID,
			CreatedBy:          createdBy,
			CreatedAt:          time.Now(),
			OverwriteConflicts: project.OverwriteConflicts,
		}
		if err := s.jobs.Create(ctx, job); err != nil {
			return jobs, err
		}

		deltaIDs := make([]uuid.UUID, 0, end-start)
		for _, d := range pending[start:end] {
			deltaIDs = append(deltaIDs, d.ID)
		}
		if err := s.jobs.AttachDeltas(ctx, job.ID, deltaIDs); err != nil {
			return jobs, err
		}

		s.publishCreated(job)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *JobService) publishCreated(job *model.Job) {
	if err := s.events.PublishEvent(queue.JobCreated, job.ID.String()); err != nil {
		logger.Log.Warn().Err(err).Str("job_id", job.ID.String()).
			Msg("failed to publish job created event")
	}
}
