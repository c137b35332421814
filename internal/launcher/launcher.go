// Package launcher abstracts how worker processes are isolated. The dequeue
// loop only ever talks to this interface; docker and containerd back it in
// production, the local launcher backs it in tests.
package launcher

import (
	"context"
	"time"
)

// Exit codes with special meaning to the dequeue loop.
const (
	// ExitTimeout is reported when the wall-clock timeout killed the worker.
	ExitTimeout = -1
	// ExitSIGKILL is what the engine reports when the kernel or the engine
	// killed the worker, usually the OOM killer.
	ExitSIGKILL = 137
)

const (
	LabelApp       = "app"
	LabelAppValue  = "fieldq-worker"
	LabelJobType   = "type"
	LabelJobID     = "job_id"
	LabelProjectID = "project_id"
)

// Spec describes one worker run.
type Spec struct {
	JobID     string
	ProjectID string
	JobType   string
	Image     string
	Command   []string
	// Host directory bind-mounted at /io inside the worker.
	WorkDir     string
	Env         []string
	CPUQuota    int64
	MemoryBytes int64
	Network     string
}

func (s Spec) Labels() map[string]string {
	return map[string]string{
		LabelApp:       LabelAppValue,
		LabelJobType:   s.JobType,
		LabelJobID:     s.JobID,
		LabelProjectID: s.ProjectID,
	}
}

// Worker identifies a running worker for the orphan reaper.
type Worker struct {
	ID    string
	JobID string
}

// Launcher runs workers. Launch returns as soon as the worker is started so
// the caller can persist the id before blocking in Wait. Wait never treats a
// nonzero exit as an error; it reports ExitTimeout when it had to kill the
// worker itself.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (workerID string, err error)
	Wait(ctx context.Context, workerID string, timeout time.Duration) (exitCode int64, err error)
	Logs(ctx context.Context, workerID string) ([]byte, error)
	Remove(ctx context.Context, workerID string) error
	List(ctx context.Context) ([]Worker, error)
	Kill(ctx context.Context, workerID string) error
}
