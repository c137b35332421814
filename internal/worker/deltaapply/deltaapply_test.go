package deltaapply

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opengisch/fieldq/internal/worker/gis"
	"github.com/opengisch/fieldq/model"
)

func strptr(s string) *string { return &s }

func writeProject(t *testing.T) string {
	t.Helper()
	doc := &gis.Doc{
		Title: "Survey",
		CRS:   "EPSG:4326",
		Layers: []*gis.Layer{
			{
				ID: "points", Name: "Points", Valid: true, NextPK: 1,
				Features: map[string]gis.Feature{
					"1": {
						Geometry:   strptr("POINT(0 0)"),
						Attributes: map[string]any{"name": "origin", "depth": 10},
					},
				},
			},
		},
	}
	path := filepath.Join(t.TempDir(), "project.json")
	require.NoError(t, gis.SaveDoc(path, doc))
	return path
}

func deltafile(projectID uuid.UUID, deltas ...model.DeltaContent) *model.Deltafile {
	return &model.Deltafile{
		ID:        uuid.New(),
		ProjectID: projectID,
		Version:   model.DeltafileVersion,
		Deltas:    deltas,
	}
}

func TestApply_Create(t *testing.T) {
	t.Parallel()

	store, err := OpenJSONFileStore(writeProject(t))
	require.NoError(t, err)

	entries := NewApplier(store, false).Apply(deltafile(uuid.New(), model.DeltaContent{
		UUID:          uuid.New(),
		ClientID:      uuid.New(),
		LocalPK:       "9",
		SourceLayerID: "points",
		Method:        model.DeltaMethodCreate,
		New: &model.DeltaFeature{
			Geometry:   strptr("POINT(5 5)"),
			Attributes: map[string]any{"name": "new well"},
		},
	}))

	require.Len(t, entries, 1)
	require.Equal(t, model.DeltaApplyStatusApplied, entries[0].Status)
	require.NotNil(t, entries[0].ModifiedPK)

	created, found, err := store.Get("points", *entries[0].ModifiedPK)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new well", created.Attributes["name"])
}

func TestApply_PatchConflictSemantics(t *testing.T) {
	t.Parallel()

	patch := func() model.DeltaContent {
		return model.DeltaContent{
			UUID:          uuid.New(),
			ClientID:      uuid.New(),
			SourcePK:      "1",
			SourceLayerID: "points",
			Method:        model.DeltaMethodPatch,
			Old:           &model.DeltaFeature{Attributes: map[string]any{"name": "somewhere else"}},
			New:           &model.DeltaFeature{Attributes: map[string]any{"name": "renamed"}},
		}
	}

	t.Run("stale old state conflicts", func(t *testing.T) {
		t.Parallel()
		store, err := OpenJSONFileStore(writeProject(t))
		require.NoError(t, err)

		entries := NewApplier(store, false).Apply(deltafile(uuid.New(), patch()))
		require.Equal(t, model.DeltaApplyStatusConflict, entries[0].Status)
		require.NotEmpty(t, entries[0].Conflicts)
		require.Nil(t, entries[0].ModifiedPK)

		// A conflicting delta must not mutate the feature.
		current, _, err := store.Get("points", "1")
		require.NoError(t, err)
		require.Equal(t, "origin", current.Attributes["name"])
	})

	t.Run("overwrite applies despite conflicts", func(t *testing.T) {
		t.Parallel()
		store, err := OpenJSONFileStore(writeProject(t))
		require.NoError(t, err)

		entries := NewApplier(store, true).Apply(deltafile(uuid.New(), patch()))
		require.Equal(t, model.DeltaApplyStatusApplied, entries[0].Status)
		require.NotEmpty(t, entries[0].Conflicts)

		current, _, err := store.Get("points", "1")
		require.NoError(t, err)
		require.Equal(t, "renamed", current.Attributes["name"])
	})

	t.Run("matching old state applies cleanly", func(t *testing.T) {
		t.Parallel()
		store, err := OpenJSONFileStore(writeProject(t))
		require.NoError(t, err)

		d := patch()
		d.Old = &model.DeltaFeature{Attributes: map[string]any{"name": "origin"}}
		entries := NewApplier(store, false).Apply(deltafile(uuid.New(), d))
		require.Equal(t, model.DeltaApplyStatusApplied, entries[0].Status)
		require.Empty(t, entries[0].Conflicts)

		// Patch merges: untouched attributes survive.
		current, _, err := store.Get("points", "1")
		require.NoError(t, err)
		require.Equal(t, "renamed", current.Attributes["name"])
		require.EqualValues(t, 10, current.Attributes["depth"])
	})
}

func TestApply_CreateThenPatchResolvesLocalPK(t *testing.T) {
	t.Parallel()

	store, err := OpenJSONFileStore(writeProject(t))
	require.NoError(t, err)

	clientID := uuid.New()
	entries := NewApplier(store, false).Apply(deltafile(uuid.New(),
		model.DeltaContent{
			UUID:          uuid.New(),
			ClientID:      clientID,
			LocalPK:       "-3",
			SourceLayerID: "points",
			Method:        model.DeltaMethodCreate,
			New:           &model.DeltaFeature{Attributes: map[string]any{"name": "draft"}},
		},
		model.DeltaContent{
			UUID:          uuid.New(),
			ClientID:      clientID,
			LocalPK:       "-3",
			SourcePK:      "-3",
			SourceLayerID: "points",
			Method:        model.DeltaMethodPatch,
			Old:           &model.DeltaFeature{Attributes: map[string]any{"name": "draft"}},
			New:           &model.DeltaFeature{Attributes: map[string]any{"name": "final"}},
		},
	))

	require.Len(t, entries, 2)
	require.Equal(t, model.DeltaApplyStatusApplied, entries[0].Status)
	require.Equal(t, model.DeltaApplyStatusApplied, entries[1].Status)
	// The patch resolved the client-local pk minted by the create.
	require.Equal(t, *entries[0].ModifiedPK, entries[1].FeaturePK)

	current, found, err := store.Get("points", *entries[0].ModifiedPK)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "final", current.Attributes["name"])
}

func TestApply_SeededClientPKs(t *testing.T) {
	t.Parallel()

	store, err := OpenJSONFileStore(writeProject(t))
	require.NoError(t, err)

	clientID := uuid.New()
	df := deltafile(uuid.New(), model.DeltaContent{
		UUID:          uuid.New(),
		ClientID:      clientID,
		LocalPK:       "-7",
		SourcePK:      "-7",
		SourceLayerID: "points",
		Method:        model.DeltaMethodDelete,
		Old:           &model.DeltaFeature{Attributes: map[string]any{"name": "origin"}},
	})
	// An earlier batch already mapped the local pk to the server pk.
	df.ClientPKs = map[string]string{model.ClientPKKey(clientID, "-7"): "1"}

	entries := NewApplier(store, false).Apply(df)
	require.Equal(t, model.DeltaApplyStatusApplied, entries[0].Status)
	require.Equal(t, "1", entries[0].FeaturePK)

	_, found, err := store.Get("points", "1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestApply_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		delta model.DeltaContent
		want  model.DeltaApplyStatus
	}{
		{
			name: "patch of missing feature",
			delta: model.DeltaContent{
				UUID: uuid.New(), ClientID: uuid.New(),
				SourcePK: "404", SourceLayerID: "points",
				Method: model.DeltaMethodPatch,
				Old:    &model.DeltaFeature{},
				New:    &model.DeltaFeature{Attributes: map[string]any{"name": "x"}},
			},
			want: model.DeltaApplyStatusApplyFailed,
		},
		{
			name: "delete of missing feature",
			delta: model.DeltaContent{
				UUID: uuid.New(), ClientID: uuid.New(),
				SourcePK: "404", SourceLayerID: "points",
				Method: model.DeltaMethodDelete,
				Old:    &model.DeltaFeature{},
			},
			want: model.DeltaApplyStatusApplyFailed,
		},
		{
			name: "unknown layer",
			delta: model.DeltaContent{
				UUID: uuid.New(), ClientID: uuid.New(),
				SourcePK: "1", SourceLayerID: "rivers",
				Method: model.DeltaMethodPatch,
				Old:    &model.DeltaFeature{},
				New:    &model.DeltaFeature{},
			},
			want: model.DeltaApplyStatusApplyFailed,
		},
		{
			name: "create without new state",
			delta: model.DeltaContent{
				UUID: uuid.New(), ClientID: uuid.New(),
				SourceLayerID: "points",
				Method:        model.DeltaMethodCreate,
			},
			want: model.DeltaApplyStatusApplyFailed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, err := OpenJSONFileStore(writeProject(t))
			require.NoError(t, err)

			entries := NewApplier(store, false).Apply(deltafile(uuid.New(), tt.delta))
			require.Len(t, entries, 1)
			require.Equal(t, tt.want, entries[0].Status)
			require.NotEmpty(t, entries[0].Msg)
		})
	}
}

func TestJSONFileStore_WritesThrough(t *testing.T) {
	t.Parallel()

	path := writeProject(t)
	store, err := OpenJSONFileStore(path)
	require.NoError(t, err)

	pk, err := store.Create("points", &Feature{Attributes: map[string]any{"name": "durable"}})
	require.NoError(t, err)

	// A fresh load sees the mutation.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc gis.Doc
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc.Layer("points").Features, pk)
}
