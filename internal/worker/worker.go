// Package worker assembles the workflows the worker binary can run and
// executes them against the shared /io directory.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/storage"
	"github.com/opengisch/fieldq/internal/worker/deltaapply"
	"github.com/opengisch/fieldq/internal/worker/gis"
	"github.com/opengisch/fieldq/internal/worker/workflow"
	"github.com/opengisch/fieldq/model"
)

// Command names of the worker CLI contract.
const (
	CommandPackage            = "package"
	CommandApplyDelta         = "apply-delta"
	CommandProcessProjectfile = "process-qgis-projectfile"
)

type Runner struct {
	cfg     *config.WorkerConfig
	store   storage.Storage
	toolkit gis.Toolkit
}

func NewRunner(cfg *config.WorkerConfig, store storage.Storage, toolkit gis.Toolkit) *Runner {
	return &Runner{cfg: cfg, store: store, toolkit: toolkit}
}

// Execute runs the workflow for one command and writes feedback.json into
// the IO directory. The returned exit code is the worker process exit code:
// 0 only when the workflow completed without error.
func (r *Runner) Execute(ctx context.Context, command string, overwriteConflicts bool) int {
	var (
		wf  *workflow.Workflow
		err error
	)
	switch command {
	case CommandPackage:
		wf, err = r.packageWorkflow()
	case CommandApplyDelta:
		wf, err = r.applyDeltaWorkflow(overwriteConflicts)
	case CommandProcessProjectfile:
		wf, err = r.processProjectfileWorkflow()
	default:
		err = fmt.Errorf("unknown worker command %q", command)
	}
	if err != nil {
		logger.Log.Error().Err(err).Str("command", command).Msg("cannot build workflow")
		fb := &model.Feedback{
			FeedbackVersion: model.FeedbackVersion,
			Error:           err.Error(),
			ErrorType:       model.ErrorTypeUnknown,
			ErrorClass:      fmt.Sprintf("%T", err),
			ErrorOrigin:     "container",
		}
		if writeErr := workflow.WriteFeedback(fb, r.cfg.IODir); writeErr != nil {
			logger.Log.Error().Err(writeErr).Msg("cannot write feedback")
		}
		return 1
	}

	fb := wf.Run(ctx, r.cfg.IODir)
	if writeErr := workflow.WriteFeedback(fb, r.cfg.IODir); writeErr != nil {
		logger.Log.Error().Err(writeErr).Msg("cannot write feedback")
		return 1
	}
	if fb.HasError() {
		return 1
	}
	return 0
}

func (r *Runner) filesPrefix() string {
	return fmt.Sprintf("projects/%s/files/", r.cfg.ProjectID)
}

func (r *Runner) packagePrefix() string {
	return fmt.Sprintf("projects/%s/packages/%s/", r.cfg.ProjectID, r.cfg.JobID)
}

func (r *Runner) packageWorkflow() (*workflow.Workflow, error) {
	return workflow.New("package", "Package project for offline use", "2.0", []workflow.Step{
		r.downloadProjectStep(),
		{
			ID:     "package_project",
			Name:   "Package project",
			Run:    r.packageProject,
			Params: []string{"project_file", "dest_dir"},
			Arguments: map[string]workflow.Value{
				"project_file": workflow.StepOutput{StepID: "download_project", Name: "project_file"},
				"dest_dir":     workflow.WorkDirPath{Parts: []string{"export"}},
			},
			Returns: []string{"layers", "files"},
			Outputs: []string{"layers"},
		},
		{
			ID:     "upload_package",
			Name:   "Upload packaged files",
			Run:    r.uploadPackage,
			Params: []string{"dest_dir", "files"},
			Arguments: map[string]workflow.Value{
				"dest_dir": workflow.WorkDirPath{Parts: []string{"export"}},
				"files":    workflow.StepOutput{StepID: "package_project", Name: "files"},
			},
			Returns: []string{"uploaded"},
		},
	})
}

func (r *Runner) applyDeltaWorkflow(overwriteConflicts bool) (*workflow.Workflow, error) {
	return workflow.New("apply_deltas", "Apply deltas to project data", "2.0", []workflow.Step{
		r.downloadProjectStep(),
		{
			ID:     "apply_deltas",
			Name:   "Apply deltas",
			Run:    r.applyDeltas,
			Params: []string{"project_file", "deltafile", "overwrite_conflicts"},
			Arguments: map[string]workflow.Value{
				"project_file":        workflow.StepOutput{StepID: "download_project", Name: "project_file"},
				"deltafile":           workflow.WorkDirPath{Parts: []string{"deltafile.json"}},
				"overwrite_conflicts": workflow.Static{V: overwriteConflicts},
			},
			Returns: []string{"delta_feedback"},
			Outputs: []string{"delta_feedback"},
		},
		{
			ID:     "upload_project",
			Name:   "Upload modified project data",
			Run:    r.uploadProject,
			Params: []string{"project_file"},
			Arguments: map[string]workflow.Value{
				"project_file": workflow.StepOutput{StepID: "download_project", Name: "project_file"},
			},
			Returns: []string{"uploaded"},
		},
	})
}

func (r *Runner) processProjectfileWorkflow() (*workflow.Workflow, error) {
	return workflow.New("process_projectfile", "Extract project metadata", "2.0", []workflow.Step{
		r.downloadProjectStep(),
		{
			ID:     "process_projectfile",
			Name:   "Read project details and render thumbnail",
			Run:    r.processProjectfile,
			Params: []string{"project_file", "thumbnail_path"},
			Arguments: map[string]workflow.Value{
				"project_file":   workflow.StepOutput{StepID: "download_project", Name: "project_file"},
				"thumbnail_path": workflow.WorkDirPath{Parts: []string{"thumbnail.json"}},
			},
			Returns: []string{"project_details", "thumbnail_uri"},
			Outputs: []string{"project_details", "thumbnail_uri"},
		},
	})
}

func (r *Runner) downloadProjectStep() workflow.Step {
	return workflow.Step{
		ID:     "download_project",
		Name:   "Download project files",
		Run:    r.downloadProject,
		Params: []string{"dest_dir"},
		Arguments: map[string]workflow.Value{
			"dest_dir": workflow.WorkDirPath{Parts: []string{"files"}},
		},
		Returns: []string{"project_file", "file_count"},
	}
}

// downloadProject mirrors the project's stored files into dest_dir and
// locates the project file among them.
func (r *Runner) downloadProject(ctx context.Context, args map[string]any) (map[string]any, error) {
	destDir := args["dest_dir"].(string)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	prefix := r.filesPrefix()
	objects, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing project files: %w", err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("project %s has no files: %w", r.cfg.ProjectID, os.ErrNotExist)
	}

	for _, obj := range objects {
		data, err := r.store.Get(ctx, obj.Path)
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", obj.Path, err)
		}
		rel := strings.TrimPrefix(obj.Path, prefix)
		local := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return nil, err
		}
	}

	projectFile := filepath.Join(destDir, r.cfg.ProjectFilename)
	if r.cfg.ProjectFilename == "" {
		return nil, &gis.InvalidProjectFileError{Path: prefix, Reason: "project has no project file"}
	}
	if _, err := os.Stat(projectFile); err != nil {
		return nil, fmt.Errorf("project file %s: %w", r.cfg.ProjectFilename, err)
	}

	return map[string]any{
		"project_file": projectFile,
		"file_count":   len(objects),
	}, nil
}

func (r *Runner) packageProject(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectFile := args["project_file"].(string)
	destDir := args["dest_dir"].(string)

	project, err := r.toolkit.OpenProject(ctx, projectFile)
	if err != nil {
		return nil, err
	}
	defer project.Close()

	files, err := project.Package(ctx, destDir)
	if err != nil {
		return nil, fmt.Errorf("packaging project: %w", err)
	}
	layers, err := project.Layers(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"layers": layers,
		"files":  files,
	}, nil
}

func (r *Runner) uploadPackage(ctx context.Context, args map[string]any) (map[string]any, error) {
	destDir := args["dest_dir"].(string)
	files, err := stringSlice(args["files"])
	if err != nil {
		return nil, err
	}

	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(destDir, name))
		if err != nil {
			return nil, err
		}
		if _, err := r.store.Put(ctx, r.packagePrefix()+name, data, nil); err != nil {
			return nil, fmt.Errorf("uploading package file %s: %w", name, err)
		}
	}
	return map[string]any{"uploaded": len(files)}, nil
}

func (r *Runner) applyDeltas(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectFile := args["project_file"].(string)
	deltafilePath := args["deltafile"].(string)
	overwrite, _ := args["overwrite_conflicts"].(bool)

	raw, err := os.ReadFile(deltafilePath)
	if err != nil {
		return nil, fmt.Errorf("reading deltafile: %w", err)
	}
	df, err := model.ParseDeltafile(raw)
	if err != nil {
		return nil, err
	}

	store, err := deltaapply.OpenJSONFileStore(projectFile)
	if err != nil {
		return nil, err
	}

	entries := deltaapply.NewApplier(store, overwrite).Apply(df)
	return map[string]any{"delta_feedback": entries}, nil
}

func (r *Runner) uploadProject(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectFile := args["project_file"].(string)
	data, err := os.ReadFile(projectFile)
	if err != nil {
		return nil, err
	}
	path := r.filesPrefix() + filepath.Base(projectFile)
	if _, err := r.store.Put(ctx, path, data, nil); err != nil {
		return nil, fmt.Errorf("uploading project data: %w", err)
	}
	return map[string]any{"uploaded": 1}, nil
}

func (r *Runner) processProjectfile(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectFile := args["project_file"].(string)
	thumbnailPath := args["thumbnail_path"].(string)

	project, err := r.toolkit.OpenProject(ctx, projectFile)
	if err != nil {
		return nil, err
	}
	defer project.Close()

	details, err := project.Details(ctx)
	if err != nil {
		return nil, err
	}

	thumbnailURI := ""
	if err := project.Thumbnail(ctx, thumbnailPath); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("thumbnail rendering failed")
	} else {
		data, err := os.ReadFile(thumbnailPath)
		if err != nil {
			return nil, err
		}
		uri := fmt.Sprintf("projects/%s/meta/thumbnail.json", r.cfg.ProjectID)
		if _, err := r.store.Put(ctx, uri, data, nil); err != nil {
			return nil, fmt.Errorf("uploading thumbnail: %w", err)
		}
		thumbnailURI = uri
	}

	return map[string]any{
		"project_details": details,
		"thumbnail_uri":   thumbnailURI,
	}, nil
}

// stringSlice tolerates both []string and the []any shape the values take
// after a feedback JSON round trip.
func stringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}
