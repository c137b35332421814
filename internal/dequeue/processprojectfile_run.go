package dequeue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opengisch/fieldq/model"
)

// processProjectfileRun extracts project metadata (layer details, thumbnail)
// from the QGIS project file after every file change.
type processProjectfileRun struct {
	loop *Loop
	job  *model.Job
}

func (r *processProjectfileRun) Command() []string {
	return []string{"fieldq_worker", "process-qgis-projectfile", r.job.ProjectID.String()}
}

func (r *processProjectfileRun) Before(ctx context.Context, workDir string) error {
	return nil
}

func (r *processProjectfileRun) After(ctx context.Context, fb *model.Feedback) error {
	returns, ok := fb.Outputs["process_projectfile"]
	if !ok {
		return fmt.Errorf("feedback lacks process_projectfile outputs")
	}

	details, err := json.Marshal(returns["project_details"])
	if err != nil {
		return fmt.Errorf("serializing project details: %w", err)
	}

	thumbnailURI := ""
	if uri, ok := returns["thumbnail_uri"].(string); ok {
		thumbnailURI = uri
	}
	return r.loop.projects.SetDetails(ctx, r.job.ProjectID, details, thumbnailURI)
}

// OnError clears stale details so a broken project file is not masked by
// metadata from a previous valid version.
func (r *processProjectfileRun) OnError(ctx context.Context, fb *model.Feedback) error {
	return r.loop.projects.SetDetails(ctx, r.job.ProjectID, nil, "")
}
