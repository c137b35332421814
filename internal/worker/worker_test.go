package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/storage"
	"github.com/opengisch/fieldq/internal/worker/gis"
	"github.com/opengisch/fieldq/model"
)

// memStore is an in-memory Storage for worker tests.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) Put(ctx context.Context, path string, data []byte, metadata map[string]string) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return &storage.ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

func (s *memStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return data, nil
}

func (s *memStore) GetVersion(ctx context.Context, path, versionID string) ([]byte, error) {
	return s.Get(ctx, path)
}

func (s *memStore) Head(ctx context.Context, path string) (*storage.ObjectInfo, error) {
	data, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []storage.ObjectInfo
	for path, data := range s.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, storage.ObjectInfo{Path: path, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (s *memStore) Delete(ctx context.Context, path, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *memStore) Close() {}

func workerFixture(t *testing.T) (*Runner, *memStore, *config.WorkerConfig) {
	t.Helper()

	cfg := &config.WorkerConfig{
		JobID:           uuid.NewString(),
		ProjectID:       uuid.NewString(),
		ProjectFilename: "project.json",
		IODir:           t.TempDir(),
	}

	store := newMemStore()
	doc := &gis.Doc{
		Title: "Survey",
		CRS:   "EPSG:4326",
		Layers: []*gis.Layer{
			{
				ID: "points", Name: "Points", Valid: true, NextPK: 1,
				Features: map[string]gis.Feature{
					"1": {Attributes: map[string]any{"name": "origin"}},
				},
			},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	prefix := fmt.Sprintf("projects/%s/files/", cfg.ProjectID)
	_, err = store.Put(context.Background(), prefix+"project.json", raw, nil)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), prefix+"attachments/photo.jpg", []byte("jpeg"), nil)
	require.NoError(t, err)

	return NewRunner(cfg, store, gis.NewJSONToolkit()), store, cfg
}

func readFeedback(t *testing.T, ioDir string) *model.Feedback {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(ioDir, "feedback.json"))
	require.NoError(t, err)
	var fb model.Feedback
	require.NoError(t, json.Unmarshal(raw, &fb))
	return &fb
}

func TestExecute_Package(t *testing.T) {
	t.Parallel()

	runner, store, cfg := workerFixture(t)
	code := runner.Execute(context.Background(), CommandPackage, false)
	require.Equal(t, 0, code)

	fb := readFeedback(t, cfg.IODir)
	require.False(t, fb.HasError())
	require.Equal(t, "package", fb.WorkflowID)
	for _, step := range fb.Steps {
		require.Equal(t, model.StepStageCompleted, step.Stage, step.ID)
	}
	require.Contains(t, fb.Outputs, "package_project")

	// Packaged files land under the job's package prefix.
	packaged, err := store.List(context.Background(),
		fmt.Sprintf("projects/%s/packages/%s/", cfg.ProjectID, cfg.JobID))
	require.NoError(t, err)
	require.Len(t, packaged, 2)
}

func TestExecute_ApplyDeltas(t *testing.T) {
	t.Parallel()

	runner, store, cfg := workerFixture(t)

	df := &model.Deltafile{
		ID:        uuid.New(),
		ProjectID: uuid.MustParse(cfg.ProjectID),
		Version:   model.DeltafileVersion,
		Deltas: []model.DeltaContent{
			{
				UUID:          uuid.New(),
				ClientID:      uuid.New(),
				SourcePK:      "1",
				SourceLayerID: "points",
				Method:        model.DeltaMethodPatch,
				Old:           &model.DeltaFeature{Attributes: map[string]any{"name": "origin"}},
				New:           &model.DeltaFeature{Attributes: map[string]any{"name": "renamed"}},
			},
		},
	}
	raw, err := json.Marshal(df)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.IODir, "deltafile.json"), raw, 0o644))

	code := runner.Execute(context.Background(), CommandApplyDelta, false)
	require.Equal(t, 0, code)

	fb := readFeedback(t, cfg.IODir)
	require.False(t, fb.HasError())
	entries, ok := fb.Outputs["apply_deltas"]["delta_feedback"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	require.Equal(t, string(model.DeltaApplyStatusApplied), entry["status"])

	// The modified project data was uploaded back.
	uploaded, err := store.Get(context.Background(),
		fmt.Sprintf("projects/%s/files/project.json", cfg.ProjectID))
	require.NoError(t, err)
	var doc gis.Doc
	require.NoError(t, json.Unmarshal(uploaded, &doc))
	require.Equal(t, "renamed", doc.Layer("points").Features["1"].Attributes["name"])
}

func TestExecute_ProcessProjectfile(t *testing.T) {
	t.Parallel()

	runner, store, cfg := workerFixture(t)
	code := runner.Execute(context.Background(), CommandProcessProjectfile, false)
	require.Equal(t, 0, code)

	fb := readFeedback(t, cfg.IODir)
	require.False(t, fb.HasError())

	outputs := fb.Outputs["process_projectfile"]
	details, ok := outputs["project_details"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Survey", details["title"])
	require.EqualValues(t, 1, details["layer_count"])

	uri, ok := outputs["thumbnail_uri"].(string)
	require.True(t, ok)
	_, err := store.Get(context.Background(), uri)
	require.NoError(t, err)
}

func TestExecute_FailuresStillWriteFeedback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(t *testing.T, cfg *config.WorkerConfig, store *memStore)
		command string
		want    model.ErrorType
	}{
		{
			name: "no stored files",
			setup: func(t *testing.T, cfg *config.WorkerConfig, store *memStore) {
				objs, err := store.List(context.Background(), "")
				require.NoError(t, err)
				for _, obj := range objs {
					require.NoError(t, store.Delete(context.Background(), obj.Path, ""))
				}
			},
			command: CommandPackage,
			want:    model.ErrorTypeFileNotFound,
		},
		{
			name: "unparseable project file",
			setup: func(t *testing.T, cfg *config.WorkerConfig, store *memStore) {
				prefix := fmt.Sprintf("projects/%s/files/", cfg.ProjectID)
				_, err := store.Put(context.Background(), prefix+"project.json", []byte("not json"), nil)
				require.NoError(t, err)
			},
			command: CommandPackage,
			want:    model.ErrorTypeInvalidProjectFile,
		},
		{
			name:    "missing deltafile",
			setup:   func(t *testing.T, cfg *config.WorkerConfig, store *memStore) {},
			command: CommandApplyDelta,
			want:    model.ErrorTypeFileNotFound,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner, store, cfg := workerFixture(t)
			tt.setup(t, cfg, store)

			code := runner.Execute(context.Background(), tt.command, false)
			require.Equal(t, 1, code)

			fb := readFeedback(t, cfg.IODir)
			require.True(t, fb.HasError())
			require.Equal(t, tt.want, fb.ErrorType)
			require.Equal(t, "container", fb.ErrorOrigin)
		})
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	t.Parallel()

	runner, _, cfg := workerFixture(t)
	code := runner.Execute(context.Background(), "compile", false)
	require.Equal(t, 1, code)

	fb := readFeedback(t, cfg.IODir)
	require.True(t, fb.HasError())
	require.Contains(t, fb.Error, "unknown worker command")
}
