// Package workflow is the in-worker step engine: a named, versioned,
// validated sequence of steps threading earlier outputs into later inputs.
// Whatever happens during a run, it produces a feedback document; a step
// failure is data, not silence.
package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/model"
)

// StepFunc is one unit of work. Arguments arrive resolved; the returned map
// is captured under the step's declared return names.
type StepFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Step declares one workflow step. Params is the exact set of argument
// names the callable expects; Returns the names it produces; Outputs the
// subset of Returns promoted into the feedback document's outputs object.
type Step struct {
	ID        string
	Name      string
	Run       StepFunc
	Params    []string
	Arguments map[string]Value
	Returns   []string
	Outputs   []string
}

// Workflow is an immutable, validated step sequence.
type Workflow struct {
	ID      string
	Name    string
	Version string
	Steps   []Step
}

// ValidationError reports a wiring bug found at construction time.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s: %s", e.WorkflowID, e.Reason)
}

// New validates the step wiring before anything can run: unique step ids,
// every declared param bound exactly once, no argument without a matching
// param, and step-output references pointing at declared returns of strictly
// earlier steps.
func New(id, name, version string, steps []Step) (*Workflow, error) {
	fail := func(format string, args ...any) error {
		return &ValidationError{WorkflowID: id, Reason: fmt.Sprintf(format, args...)}
	}

	seenReturns := map[string]map[string]bool{}
	seenIDs := map[string]bool{}
	for _, step := range steps {
		if step.ID == "" {
			return nil, fail("step with empty id")
		}
		if seenIDs[step.ID] {
			return nil, fail("duplicate step id %q", step.ID)
		}
		seenIDs[step.ID] = true
		if step.Run == nil {
			return nil, fail("step %q has no callable", step.ID)
		}

		params := map[string]bool{}
		for _, p := range step.Params {
			params[p] = true
			if _, bound := step.Arguments[p]; !bound {
				return nil, fail("step %q: parameter %q has no argument", step.ID, p)
			}
		}
		for name, value := range step.Arguments {
			if !params[name] {
				return nil, fail("step %q: argument %q matches no parameter", step.ID, name)
			}
			ref, ok := value.(StepOutput)
			if !ok {
				continue
			}
			returns, ok := seenReturns[ref.StepID]
			if !ok {
				return nil, fail("step %q: argument %q references unknown or later step %q",
					step.ID, name, ref.StepID)
			}
			if !returns[ref.Name] {
				return nil, fail("step %q: argument %q references undeclared return %q of step %q",
					step.ID, name, ref.Name, ref.StepID)
			}
		}

		returns := map[string]bool{}
		for _, r := range step.Returns {
			returns[r] = true
		}
		for _, out := range step.Outputs {
			if !returns[out] {
				return nil, fail("step %q: output %q is not a declared return", step.ID, out)
			}
		}
		seenReturns[step.ID] = returns
	}

	return &Workflow{ID: id, Name: name, Version: version, Steps: steps}, nil
}

// Run executes the steps in order and always returns a complete feedback
// document: every declared step appears with its stage, completed steps with
// their captured returns, and the first failure classified and recorded.
func (w *Workflow) Run(ctx context.Context, workDir string) *model.Feedback {
	fb := &model.Feedback{
		FeedbackVersion: model.FeedbackVersion,
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		WorkflowName:    w.Name,
		Steps:           make([]model.StepFeedback, len(w.Steps)),
		Outputs:         map[string]map[string]any{},
	}
	for i, step := range w.Steps {
		fb.Steps[i] = model.StepFeedback{
			ID:    step.ID,
			Name:  step.Name,
			Stage: model.StepStageNotStarted,
		}
	}

	stepReturns := map[string]map[string]any{}
	for i, step := range w.Steps {
		log := logger.FromContext(ctx)
		log.Info().Str("workflow", w.ID).Str("step", step.ID).Msg("running step")

		fb.Steps[i].Stage = model.StepStageInProgress

		args, err := resolveArguments(step, stepReturns, workDir)
		if err == nil {
			var returns map[string]any
			returns, err = invoke(ctx, step, args)
			if err == nil {
				stepReturns[step.ID] = returns
				fb.Steps[i].Stage = model.StepStageCompleted
				fb.Steps[i].Returns = returns
				if len(step.Outputs) > 0 {
					public := map[string]any{}
					for _, name := range step.Outputs {
						public[name] = returns[name]
					}
					fb.Outputs[step.ID] = public
				}
				continue
			}
		}

		log.Error().Err(err).Str("workflow", w.ID).Str("step", step.ID).Msg("step failed")
		recordError(fb, err)
		break
	}
	return fb
}

// invoke runs a step callable with panic containment: a panicking step is a
// failed step, not a dead worker without feedback.
func invoke(ctx context.Context, step Step, args map[string]any) (returns map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.ID, r)
		}
	}()
	return step.Run(ctx, args)
}

func resolveArguments(step Step, stepReturns map[string]map[string]any, workDir string) (map[string]any, error) {
	args := make(map[string]any, len(step.Arguments))
	for name, value := range step.Arguments {
		switch v := value.(type) {
		case Static:
			args[name] = v.V
		case WorkDirPath:
			args[name] = v.resolve(workDir)
		case StepOutput:
			returns, ok := stepReturns[v.StepID]
			if !ok {
				return nil, fmt.Errorf("step %s: source step %s did not run", step.ID, v.StepID)
			}
			args[name] = returns[v.Name]
		default:
			return nil, fmt.Errorf("step %s: argument %s has unknown value kind %T", step.ID, name, value)
		}
	}
	return args, nil
}

func recordError(fb *model.Feedback, err error) {
	fb.Error = err.Error()
	fb.ErrorType = Classify(err)
	fb.ErrorClass = fmt.Sprintf("%T", err)
	fb.ErrorStack = strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
	fb.ErrorOrigin = "container"
}
