package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opengisch/fieldq/internal/admission"
	"github.com/opengisch/fieldq/internal/cache"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/storage"
	"github.com/opengisch/fieldq/model"
)

// deltaShaCacheTTL bounds the content-hash fast path. DB remains the truth;
// the cache only short-circuits repeat submissions of live deltafiles.
const deltaShaCacheTTL = 6 * time.Hour

// DeltaService accepts deltafile submissions: schema validation, content
// integrity, delta persistence and apply-job creation.
type DeltaService struct {
	deltas   *repository.DeltaRepository
	projects *repository.ProjectRepository
	jobs     *JobService
	store    storage.Storage
	shaCache cache.Cache
}

func NewDeltaService(
	deltas *repository.DeltaRepository,
	projects *repository.ProjectRepository,
	jobs *JobService,
	store storage.Storage,
	shaCache cache.Cache,
) *DeltaService {
	return &DeltaService{
		deltas:   deltas,
		projects: projects,
		jobs:     jobs,
		store:    store,
		shaCache: shaCache,
	}
}

// SubmissionResult reports what one accepted deltafile produced.
type SubmissionResult struct {
	DeltafileID uuid.UUID    `json:"deltafileId"`
	Deltas      []uuid.UUID  `json:"deltas"`
	Jobs        []uuid.UUID  `json:"jobs"`
	Unpermitted bool         `json:"unpermitted,omitempty"`
}

// Submit processes one uploaded deltafile. Validation failures are rejected
// before any row exists, with the offending file archived for support;
// admission failures keep the deltas but mark them unpermitted.
func (s *DeltaService) Submit(ctx context.Context, projectID, createdBy uuid.UUID, raw []byte) (*SubmissionResult, error) {
	df, err := model.ParseDeltafile(raw)
	if err != nil {
		var validationErr *model.DeltafileValidationError
		if errors.As(err, &validationErr) {
			s.archiveInvalid(ctx, projectID, raw)
		}
		return nil, err
	}
	if df.ProjectID != projectID {
		s.archiveInvalid(ctx, projectID, raw)
		return nil, &model.DeltafileValidationError{
			Reason: fmt.Sprintf("deltafile targets project %s", df.ProjectID),
		}
	}

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	rows, err := s.buildDeltas(ctx, df, createdBy)
	if err != nil {
		return nil, err
	}

	created, err := s.deltas.CreateBatch(ctx, rows)
	if err != nil {
		return nil, err
	}
	s.cacheShas(ctx, created)

	result := &SubmissionResult{DeltafileID: df.ID}
	for _, d := range rows {
		result.Deltas = append(result.Deltas, d.ID)
	}

	jobs, err := s.jobs.CreateApplyJobs(ctx, project, createdBy)
	if err != nil {
		if isAdmissionError(err) {
			if err := s.markUnpermitted(ctx, created, err); err != nil {
				return nil, err
			}
			result.Unpermitted = true
			return result, nil
		}
		return nil, err
	}
	for _, job := range jobs {
		result.Jobs = append(result.Jobs, job.ID)
	}
	return result, nil
}

// buildDeltas turns deltafile entries into rows, using the cache to reject
// content mismatches and skip identical resubmissions without touching the
// database.
func (s *DeltaService) buildDeltas(ctx context.Context, df *model.Deltafile, createdBy uuid.UUID) ([]*model.Delta, error) {
	rows := make([]*model.Delta, 0, len(df.Deltas))
	for _, dc := range df.Deltas {
		content, err := json.Marshal(dc)
		if err != nil {
			return nil, fmt.Errorf("serializing delta %s: %w", dc.UUID, err)
		}
		sha := repository.ContentSHA256(content)

		if cached, err := s.shaCache.Get(ctx, cache.DeltaContentKey(dc.UUID.String())); err == nil {
			if string(cached) != sha {
				return nil, &repository.DeltaContentMismatchError{DeltaID: dc.UUID}
			}
		}

		rows = append(rows, &model.Delta{
			ID:          dc.UUID,
			DeltafileID: df.ID,
			ProjectID:   df.ProjectID,
			ClientID:    dc.ClientID,
			Content:     content,
			ContentSHA:  sha,
			CreatedBy:   createdBy,
			LastStatus:  model.DeltaStatusPending,
		})
	}
	return rows, nil
}

func (s *DeltaService) cacheShas(ctx context.Context, deltas []*model.Delta) {
	for _, d := range deltas {
		if err := s.shaCache.Put(ctx, cache.DeltaContentKey(d.ID.String()), []byte(d.ContentSHA), deltaShaCacheTTL); err != nil {
			logger.Log.Debug().Err(err).Str("delta_id", d.ID.String()).Msg("sha cache write failed")
		}
	}
}

func (s *DeltaService) markUnpermitted(ctx context.Context, deltas []*model.Delta, cause error) error {
	ids := make([]uuid.UUID, 0, len(deltas))
	for _, d := range deltas {
		ids = append(ids, d.ID)
	}
	feedback, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}
	return s.deltas.SetStatusByIDs(ctx, ids, model.DeltaStatusUnpermitted, feedback)
}

// archiveInvalid stores the rejected upload for later inspection. Failures
// here only lose the archive copy, never the rejection itself.
func (s *DeltaService) archiveInvalid(ctx context.Context, projectID uuid.UUID, raw []byte) {
	path := fmt.Sprintf("projects/%s/deltafiles_invalid/%s.json", projectID, uuid.NewString())
	if _, err := s.store.Put(ctx, path, raw, nil); err != nil {
		logger.Log.Warn().Err(err).Str("path", path).Msg("failed to archive invalid deltafile")
	}
}

// ListByDeltafile exposes the per-delta statuses of one submission.
func (s *DeltaService) ListByDeltafile(ctx context.Context, projectID, deltafileID uuid.UUID) ([]*model.Delta, error) {
	return s.deltas.ListByDeltafile(ctx, projectID, deltafileID)
}

func isAdmissionError(err error) bool {
	var quota *admission.QuotaExceededError
	var plan *admission.PlanInsufficientError
	var inactive *admission.SubscriptionInactiveError
	return errors.As(err, &quota) || errors.As(err, &plan) || errors.As(err, &inactive)
}
