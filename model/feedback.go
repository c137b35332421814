package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ErrorType classifies a workflow failure for downstream consumers.
type ErrorType string

const (
	ErrorTypeAPITokenExpired        ErrorType = "API_TOKEN_EXPIRED"
	ErrorTypeAPIPaymentRequired     ErrorType = "API_PAYMENT_REQUIRED"
	ErrorTypeAPIForbidden           ErrorType = "API_FORBIDDEN"
	ErrorTypeAPINotFound            ErrorType = "API_NOT_FOUND"
	ErrorTypeAPIInternalServerError ErrorType = "API_INTERNAL_SERVER_ERROR"
	ErrorTypeAPIOther               ErrorType = "API_OTHER"
	ErrorTypeFileNotFound           ErrorType = "FILE_NOT_FOUND"
	ErrorTypeInvalidProjectFile     ErrorType = "INVALID_PROJECT_FILE"
	ErrorTypeUnknown                ErrorType = "UNKNOWN"
	// Failures detected by the dequeue side rather than the workflow.
	ErrorTypeTimeout             ErrorType = "TIMEOUT"
	ErrorTypeDockerEngineSigkill ErrorType = "DOCKER_ENGINE_SIGKILL"
	ErrorTypeOrphaned            ErrorType = "ORPHANED"
)

// Step stage markers inside a feedback document.
const (
	StepStageNotStarted = 0
	StepStageInProgress = 1
	StepStageCompleted  = 2
)

// StepFeedback describes one step's outcome inside a feedback document.
// Every declared step appears, including steps never reached.
type StepFeedback struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Stage   int            `json:"stage"`
	Returns map[string]any `json:"returns"`
}

// Feedback is the canonical (version 2.0) workflow result document. It is
// written to feedback.json in the shared working directory on every run,
// success or failure.
type Feedback struct {
	FeedbackVersion string `json:"feedback_version"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion string `json:"workflow_version"`
	WorkflowName    string `json:"workflow_name"`

	Steps []StepFeedback `json:"steps"`
	// Outputs keyed by step id, each holding the step's public return values.
	Outputs map[string]map[string]any `json:"outputs"`

	Error      string    `json:"error,omitempty"`
	ErrorType  ErrorType `json:"error_type,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	ErrorStack []string  `json:"error_stack,omitempty"`
	// Where the failure surfaced: "container" or "worker_wrapper".
	ErrorOrigin string `json:"error_origin,omitempty"`

	ContainerExitCode int `json:"container_exit_code,omitempty"`
}

// FeedbackVersion is the canonical feedback schema version produced here.
const FeedbackVersion = "2.0"

// HasError reports whether the document records a failure.
func (f *Feedback) HasError() bool {
	return f.Error != "" || f.ErrorType != ""
}

// LegacyFeedback is the 1.0 feedback shape, kept for consumers that predate
// the keyed outputs object: outputs are a flat array of step entries.
type LegacyFeedback struct {
	FeedbackVersion string         `json:"feedback_version"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion string         `json:"workflow_version"`
	WorkflowName    string         `json:"workflow_name"`
	Steps           []StepFeedback `json:"steps"`
	Outputs         []LegacyOutput `json:"outputs"`

	Error      string    `json:"error,omitempty"`
	ErrorType  ErrorType `json:"error_type,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	ErrorStack []string  `json:"error_stack,omitempty"`
}

// LegacyOutput is one entry of the 1.0 outputs array.
type LegacyOutput struct {
	StepID  string         `json:"step_id"`
	Returns map[string]any `json:"returns"`
}

// ToLegacy converts a canonical document into the 1.0 shape. The step order
// of the workflow is preserved in the outputs array.
func (f *Feedback) ToLegacy() *LegacyFeedback {
	legacy := &LegacyFeedback{
		FeedbackVersion: "1.0",
		WorkflowID:      f.WorkflowID,
		WorkflowVersion: f.WorkflowVersion,
		WorkflowName:    f.WorkflowName,
		Steps:           f.Steps,
		Outputs:         make([]LegacyOutput, 0, len(f.Outputs)),
		Error:           f.Error,
		ErrorType:       f.ErrorType,
		ErrorClass:      f.ErrorClass,
		ErrorStack:      f.ErrorStack,
	}
	for _, step := range f.Steps {
		returns, ok := f.Outputs[step.ID]
		if !ok {
			continue
		}
		legacy.Outputs = append(legacy.Outputs, LegacyOutput{StepID: step.ID, Returns: returns})
	}
	return legacy
}

// DeltaApplyStatus is the per-delta result status reported by the worker's
// apply step, before it is mapped onto DeltaStatus.
type DeltaApplyStatus string

const (
	DeltaApplyStatusApplied      DeltaApplyStatus = "status_applied"
	DeltaApplyStatusConflict     DeltaApplyStatus = "status_conflict"
	DeltaApplyStatusApplyFailed  DeltaApplyStatus = "status_apply_failed"
	DeltaApplyStatusUnknownError DeltaApplyStatus = "status_unknown_error"
)

// ToDeltaStatus maps a worker apply status to the persisted delta status.
func (s DeltaApplyStatus) ToDeltaStatus() DeltaStatus {
	switch s {
	case DeltaApplyStatusApplied:
		return DeltaStatusApplied
	case DeltaApplyStatusConflict:
		return DeltaStatusConflict
	case DeltaApplyStatusApplyFailed:
		return DeltaStatusNotApplied
	default:
		return DeltaStatusError
	}
}

// DeltaLogEntry is one per-delta record of the apply-delta workflow,
// surfaced through the feedback outputs and reconciled onto Delta rows.
type DeltaLogEntry struct {
	Msg            string           `json:"msg"`
	Status         DeltaApplyStatus `json:"status"`
	DeltafileID    string           `json:"delta_file_id"`
	LayerID        string           `json:"layer_id"`
	DeltaIndex     int              `json:"delta_index"`
	DeltaID        string           `json:"delta_id"`
	FeaturePK      string           `json:"feature_pk,omitempty"`
	ModifiedPK     *string          `json:"modified_pk"`
	Conflicts      []string         `json:"conflicts,omitempty"`
	ProviderErrors string           `json:"provider_errors,omitempty"`
	Method         DeltaMethod      `json:"method,omitempty"`
}

// MarshalFeedback serializes a feedback document with the fallback default
// serializer applied, so exotic step return values never break delivery.
// HTML escaping is off so non-serializable placeholders keep their
// "<non-serializable: ...>" form.
func MarshalFeedback(f *Feedback) ([]byte, error) {
	sanitizeReturns(f)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sanitizeReturns(f *Feedback) {
	for i := range f.Steps {
		f.Steps[i].Returns = SanitizeValues(f.Steps[i].Returns)
	}
	for id, returns := range f.Outputs {
		f.Outputs[id] = SanitizeValues(returns)
	}
}

// NonSerializablePlaceholder renders a value that json.Marshal rejects.
func NonSerializablePlaceholder(v any) string {
	return fmt.Sprintf("<non-serializable: %T %v>", v, v)
}

// SanitizeValues replaces values that cannot be JSON-serialized with a
// "<non-serializable: Type value>" placeholder string.
func SanitizeValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for name, value := range values {
		if _, err := json.Marshal(value); err != nil {
			out[name] = NonSerializablePlaceholder(value)
			continue
		}
		out[name] = value
	}
	return out
}
