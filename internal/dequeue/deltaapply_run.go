package dequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/metrics"
	"github.com/opengisch/fieldq/model"
)

// deltaApplyRun feeds the job's attached deltas to the worker as a
// deltafile.json in the shared workdir and reconciles the per-delta results
// from the feedback afterwards. Per-delta outcomes never decide the job
// status; a job whose every delta conflicted still finishes.
type deltaApplyRun struct {
	loop *Loop
	job  *model.Job

	deltas []*model.Delta
}

func (r *deltaApplyRun) Command() []string {
	cmd := []string{"fieldq_worker", "apply-delta", r.job.ProjectID.String()}
	if r.job.OverwriteConflicts {
		cmd = append(cmd, "--overwrite-conflicts")
	}
	return cmd
}

// Before marks the batch started and writes deltafile.json, including the
// clientPks resolved from deltas applied in earlier batches.
func (r *deltaApplyRun) Before(ctx context.Context, workDir string) error {
	deltas, err := r.loop.jobs.DeltasForJob(ctx, r.job.ID)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return fmt.Errorf("delta apply job %s has no attached deltas", r.job.ID)
	}
	r.deltas = deltas

	if err := r.loop.deltas.SetStatusForJob(ctx, r.job.ID, model.DeltaStatusStarted); err != nil {
		return err
	}

	deltafile, err := r.buildDeltafile(ctx, deltas)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(deltafile, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing deltafile: %w", err)
	}
	return os.WriteFile(filepath.Join(workDir, "deltafile.json"), raw, 0o644)
}

func (r *deltaApplyRun) buildDeltafile(ctx context.Context, deltas []*model.Delta) (*model.Deltafile, error) {
	clientIDs := make([]uuid.UUID, 0, len(deltas))
	seen := map[uuid.UUID]bool{}
	contents := make([]model.DeltaContent, 0, len(deltas))
	for _, d := range deltas {
		var content model.DeltaContent
		if err := json.Unmarshal(d.Content, &content); err != nil {
			return nil, fmt.Errorf("delta %s has unreadable content: %w", d.ID, err)
		}
		contents = append(contents, content)
		if !seen[d.ClientID] {
			seen[d.ClientID] = true
			clientIDs = append(clientIDs, d.ClientID)
		}
	}

	pks, err := r.loop.deltas.ClientPKs(ctx, clientIDs)
	if err != nil {
		return nil, err
	}

	return &model.Deltafile{
		ID:        r.job.ID,
		ProjectID: r.job.ProjectID,
		Version:   model.DeltafileVersion,
		Deltas:    contents,
		ClientPKs: pks,
	}, nil
}

// After maps the worker's per-delta log onto the Delta rows. Deltas the
// worker never reported on are failed explicitly rather than left started.
func (r *deltaApplyRun) After(ctx context.Context, fb *model.Feedback) error {
	entries, err := deltaLogEntries(fb)
	if err != nil {
		return err
	}

	reported := map[uuid.UUID]bool{}
	applied := 0
	for _, entry := range entries {
		deltaID, err := uuid.Parse(entry.DeltaID)
		if err != nil {
			logger.FromContext(ctx).Warn().Str("delta_id", entry.DeltaID).
				Msg("delta log entry with unparseable id")
			continue
		}
		reported[deltaID] = true

		status := entry.Status.ToDeltaStatus()
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("serializing delta log entry: %w", err)
		}
		if err := r.loop.deltas.ApplyFeedback(ctx, r.job.ID, deltaID, status, raw, entry.ModifiedPK); err != nil {
			return err
		}
		if status == model.DeltaStatusApplied {
			applied++
		}
		metrics.DeltasByStatus.WithLabelValues(string(status)).Inc()
	}

	for _, d := range r.deltas {
		if reported[d.ID] {
			continue
		}
		logger.FromContext(ctx).Warn().Str("delta_id", d.ID.String()).
			Msg("worker reported no outcome for delta")
		if err := r.loop.deltas.ApplyFeedback(ctx, r.job.ID, d.ID, model.DeltaStatusError, nil, nil); err != nil {
			return err
		}
		metrics.DeltasByStatus.WithLabelValues(string(model.DeltaStatusError)).Inc()
	}

	// Applied deltas changed the stored project data.
	if applied > 0 {
		if err := r.loop.projects.TouchDataUpdated(ctx, r.job.ProjectID); err != nil {
			return err
		}
	}
	return nil
}

// OnError fails the whole batch. Individual outcomes are unknowable once
// the wrapper or the worker itself broke.
func (r *deltaApplyRun) OnError(ctx context.Context, fb *model.Feedback) error {
	return r.loop.deltas.SetStatusForJob(ctx, r.job.ID, model.DeltaStatusError)
}

// deltaLogEntries extracts the apply step's per-delta log from the feedback
// outputs, round-tripping through JSON to get typed entries.
func deltaLogEntries(fb *model.Feedback) ([]model.DeltaLogEntry, error) {
	returns, ok := fb.Outputs["apply_deltas"]
	if !ok {
		return nil, fmt.Errorf("feedback lacks apply_deltas outputs")
	}
	rawLog, ok := returns["delta_feedback"]
	if !ok {
		return nil, fmt.Errorf("feedback lacks delta_feedback")
	}

	raw, err := json.Marshal(rawLog)
	if err != nil {
		return nil, fmt.Errorf("serializing delta feedback: %w", err)
	}
	var entries []model.DeltaLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing delta feedback: %w", err)
	}
	return entries, nil
}
