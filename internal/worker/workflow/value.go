package workflow

import "path/filepath"

// Value is one side of a step argument binding. Implementations are the
// three ways an argument can be satisfied: a static value, a reference to an
// earlier step's return, or a path under the shared working directory.
type Value interface {
	isValue()
}

// Static is a literal argument value.
type Static struct {
	V any
}

func (Static) isValue() {}

// StepOutput references a named return value of an earlier step.
type StepOutput struct {
	StepID string
	Name   string
}

func (StepOutput) isValue() {}

// WorkDirPath resolves to a path under the run's working directory. An
// empty Parts resolves to the directory itself.
type WorkDirPath struct {
	Parts []string
}

func (WorkDirPath) isValue() {}

func (w WorkDirPath) resolve(workDir string) string {
	return filepath.Join(append([]string{workDir}, w.Parts...)...)
}
