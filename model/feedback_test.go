package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToLegacy(t *testing.T) {
	t.Parallel()

	fb := &Feedback{
		FeedbackVersion: FeedbackVersion,
		WorkflowID:      "package_project",
		Steps: []StepFeedback{
			{ID: "download", Stage: StepStageCompleted},
			{ID: "package", Stage: StepStageCompleted},
			{ID: "upload", Stage: StepStageCompleted},
		},
		Outputs: map[string]map[string]any{
			"package": {"layers": []string{"points"}},
			"upload":  {"count": 2},
		},
	}

	legacy := fb.ToLegacy()
	require.Equal(t, "1.0", legacy.FeedbackVersion)
	require.Equal(t, fb.Steps, legacy.Steps)

	// Outputs follow step order, steps without outputs are skipped.
	require.Len(t, legacy.Outputs, 2)
	require.Equal(t, "package", legacy.Outputs[0].StepID)
	require.Equal(t, "upload", legacy.Outputs[1].StepID)
}

func TestMarshalFeedback_SanitizesReturns(t *testing.T) {
	t.Parallel()

	fb := &Feedback{
		FeedbackVersion: FeedbackVersion,
		Steps: []StepFeedback{
			{ID: "a", Stage: StepStageCompleted, Returns: map[string]any{
				"fine":   "value",
				"broken": func() {},
			}},
		},
		Outputs: map[string]map[string]any{
			"a": {"broken": make(chan int)},
		},
	}

	raw, err := MarshalFeedback(fb)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, FeedbackVersion, decoded["feedback_version"])
	// The placeholder survives verbatim, no HTML escaping of the brackets.
	require.Contains(t, string(raw), "<non-serializable:")
	require.NotContains(t, string(raw), `\u003c`)
}

func TestHasError(t *testing.T) {
	t.Parallel()

	require.False(t, (&Feedback{}).HasError())
	require.True(t, (&Feedback{Error: "boom"}).HasError())
	require.True(t, (&Feedback{ErrorType: ErrorTypeTimeout}).HasError())
}

func TestDeltaApplyStatus_ToDeltaStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   DeltaApplyStatus
		want DeltaStatus
	}{
		{DeltaApplyStatusApplied, DeltaStatusApplied},
		{DeltaApplyStatusConflict, DeltaStatusConflict},
		{DeltaApplyStatusApplyFailed, DeltaStatusNotApplied},
		{DeltaApplyStatusUnknownError, DeltaStatusError},
		{DeltaApplyStatus("something_new"), DeltaStatusError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.in.ToDeltaStatus(), string(tt.in))
	}
}
