// Package local runs workers as in-process functions. It exists for tests
// and for single-binary development setups without a container engine.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengisch/fieldq/internal/launcher"
)

// WorkerFunc is the in-process stand-in for a worker container. It receives
// the run spec and returns the exit code plus whatever it logged.
type WorkerFunc func(ctx context.Context, spec launcher.Spec) (exitCode int64, output []byte)

type run struct {
	spec   launcher.Spec
	done   chan struct{}
	exit   int64
	output []byte
	cancel context.CancelFunc
}

type LocalLauncher struct {
	fn WorkerFunc

	mu   sync.Mutex
	runs map[string]*run
}

func New(fn WorkerFunc) *LocalLauncher {
	return &LocalLauncher{
		fn:   fn,
		runs: make(map[string]*run),
	}
}

func (l *LocalLauncher) Launch(ctx context.Context, spec launcher.Spec) (string, error) {
	id := "local-" + uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		spec:   spec,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	l.mu.Lock()
	l.runs[id] = r
	l.mu.Unlock()

	go func() {
		defer close(r.done)
		r.exit, r.output = l.fn(runCtx, spec)
	}()
	return id, nil
}

func (l *LocalLauncher) Wait(ctx context.Context, workerID string, timeout time.Duration) (int64, error) {
	r, err := l.get(workerID)
	if err != nil {
		return 0, err
	}
	select {
	case <-r.done:
		return r.exit, nil
	case <-time.After(timeout):
		r.cancel()
		<-r.done
		return launcher.ExitTimeout, nil
	}
}

func (l *LocalLauncher) Logs(ctx context.Context, workerID string) ([]byte, error) {
	r, err := l.get(workerID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.output, nil
	default:
		return nil, nil
	}
}

func (l *LocalLauncher) Remove(ctx context.Context, workerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, workerID)
	return nil
}

func (l *LocalLauncher) List(ctx context.Context) ([]launcher.Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var workers []launcher.Worker
	for id, r := range l.runs {
		workers = append(workers, launcher.Worker{ID: id, JobID: r.spec.JobID})
	}
	return workers, nil
}

func (l *LocalLauncher) Kill(ctx context.Context, workerID string) error {
	r, err := l.get(workerID)
	if err != nil {
		return err
	}
	r.cancel()
	<-r.done
	return nil
}

func (l *LocalLauncher) get(workerID string) (*run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[workerID]
	if !ok {
		return nil, fmt.Errorf("unknown worker %s", workerID)
	}
	return r, nil
}
