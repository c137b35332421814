package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validDeltafile() *Deltafile {
	geom := "POINT(1 2)"
	return &Deltafile{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Version:   DeltafileVersion,
		Deltas: []DeltaContent{
			{
				UUID:          uuid.New(),
				ClientID:      uuid.New(),
				LocalPK:       "9",
				SourcePK:      "",
				SourceLayerID: "points",
				Method:        DeltaMethodCreate,
				New:           &DeltaFeature{Geometry: &geom, Attributes: map[string]any{"name": "well"}},
			},
		},
	}
}

func TestParseDeltafile(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(validDeltafile())
	require.NoError(t, err)

	df, err := ParseDeltafile(raw)
	require.NoError(t, err)
	require.Len(t, df.Deltas, 1)
	require.Equal(t, DeltaMethodCreate, df.Deltas[0].Method)
}

func TestParseDeltafile_MalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseDeltafile([]byte(`{"id": `))
	var vErr *DeltafileValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestDeltafileValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(df *Deltafile)
		reason string
	}{
		{
			name:   "missing id",
			mutate: func(df *Deltafile) { df.ID = uuid.Nil },
			reason: `"id"`,
		},
		{
			name:   "missing project",
			mutate: func(df *Deltafile) { df.ProjectID = uuid.Nil },
			reason: `"project"`,
		},
		{
			name:   "unsupported version",
			mutate: func(df *Deltafile) { df.Version = "2.3" },
			reason: "unsupported version",
		},
		{
			name:   "no deltas",
			mutate: func(df *Deltafile) { df.Deltas = nil },
			reason: "must not be empty",
		},
		{
			name:   "delta without uuid",
			mutate: func(df *Deltafile) { df.Deltas[0].UUID = uuid.Nil },
			reason: `missing "uuid"`,
		},
		{
			name:   "delta without clientId",
			mutate: func(df *Deltafile) { df.Deltas[0].ClientID = uuid.Nil },
			reason: `missing "clientId"`,
		},
		{
			name:   "unknown method",
			mutate: func(df *Deltafile) { df.Deltas[0].Method = "upsert" },
			reason: "unknown method",
		},
		{
			name:   "delta without layer",
			mutate: func(df *Deltafile) { df.Deltas[0].SourceLayerID = "" },
			reason: `missing "sourceLayerId"`,
		},
		{
			name: "patch without old state",
			mutate: func(df *Deltafile) {
				df.Deltas[0].Method = DeltaMethodPatch
				df.Deltas[0].Old = nil
			},
			reason: `requires an "old" state`,
		},
		{
			name: "create without new state",
			mutate: func(df *Deltafile) { df.Deltas[0].New = nil },
			reason: `requires a "new" state`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			df := validDeltafile()
			tt.mutate(df)
			err := df.Validate()
			var vErr *DeltafileValidationError
			require.ErrorAs(t, err, &vErr)
			require.Contains(t, vErr.Reason, tt.reason)
		})
	}
}

func TestClientPKKey(t *testing.T) {
	t.Parallel()

	clientID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	require.Equal(t, "11111111-2222-3333-4444-555555555555__42", ClientPKKey(clientID, "42"))
}
