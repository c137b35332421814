package containerd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/opengisch/fieldq/internal/launcher"
	"github.com/opengisch/fieldq/internal/logger"
)

type ContainerdLauncher struct {
	client  *containerd.Client
	seccomp *specs.LinuxSeccomp
}

func New(seccompPath string) (*ContainerdLauncher, error) {
	cc, err := containerd.New(
		"/run/containerd/containerd.sock",
		containerd.WithDefaultNamespace("fieldq"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise containerd: %w", err)
	}
	l := &ContainerdLauncher{client: cc}
	if seccompPath != "" {
		sec, err := loadSeccomp(seccompPath)
		if err != nil {
			return nil, err
		}
		l.seccomp = sec
	}
	return l, nil
}

func loadSeccomp(path string) (*specs.LinuxSeccomp, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seccomp specs.LinuxSeccomp
	if err := json.Unmarshal(b, &seccomp); err != nil {
		return nil, err
	}
	return &seccomp, nil
}

func withSeccompProfile(sec *specs.LinuxSeccomp) oci.SpecOpts {
	return func(ctx context.Context, client oci.Client, c *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		s.Linux.Seccomp = sec
		return nil
	}
}

func (l *ContainerdLauncher) Launch(ctx context.Context, spec launcher.Spec) (string, error) {
	image, err := l.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", err
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Command...),
		oci.WithCPUCFS(spec.CPUQuota, 100000),
		oci.WithMemoryLimit(uint64(spec.MemoryBytes)),
		oci.WithPidsLimit(512),
		oci.WithEnv(spec.Env),
	}
	if l.seccomp != nil {
		specOpts = append(specOpts, withSeccompProfile(l.seccomp))
	}

	mounts := []specs.Mount{
		{
			Type:        "bind",
			Source:      spec.WorkDir,
			Destination: "/io",
			Options:     []string{"rbind", "rw"},
		},
		{
			Type:        "tmpfs",
			Destination: "/tmp",
			Options:     []string{"nosuid", "nodev", "exec", "size=256m", "mode=1777"},
		},
	}
	specOpts = append(specOpts, oci.WithMounts(mounts))

	name := "fieldq-worker-" + spec.JobID
	con, err := l.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithSnapshotter("overlayfs"),
		containerd.WithNewSnapshot(name, image),
		containerd.WithRuntime("io.containerd.runc.v2", nil),
		containerd.WithNewSpec(specOpts...),
		containerd.WithAdditionalContainerLabels(spec.Labels()),
	)
	if err != nil {
		return "", err
	}

	// Worker output goes to a log file in the shared workdir so Logs can
	// read it back after exit.
	task, err := con.NewTask(ctx, cio.LogFile(logPath(spec.WorkDir)))
	if err != nil {
		return "", err
	}
	if err := task.Start(ctx); err != nil {
		return "", err
	}
	return con.ID(), nil
}

func logPath(workDir string) string {
	return filepath.Join(workDir, "worker.log")
}

func (l *ContainerdLauncher) Wait(ctx context.Context, workerID string, timeout time.Duration) (int64, error) {
	con, err := l.client.LoadContainer(ctx, workerID)
	if err != nil {
		return 0, err
	}
	task, err := con.Task(ctx, nil)
	if err != nil {
		return 0, err
	}
	exitC, err := task.Wait(ctx)
	if err != nil {
		return 0, err
	}

	select {
	case status := <-exitC:
		return int64(status.ExitCode()), nil
	case <-time.After(timeout):
	}

	logger.Log.Warn().Str("worker_id", workerID).Dur("timeout", timeout).
		Msg("worker exceeded timeout, killing")
	if err := l.Kill(context.WithoutCancel(ctx), workerID); err != nil {
		return launcher.ExitTimeout, fmt.Errorf("killing timed out worker %s: %w", workerID, err)
	}
	return launcher.ExitTimeout, nil
}

func (l *ContainerdLauncher) Logs(ctx context.Context, workerID string) ([]byte, error) {
	con, err := l.client.LoadContainer(ctx, workerID)
	if err != nil {
		return nil, err
	}
	sp, err := con.Spec(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range sp.Mounts {
		if m.Destination == "/io" {
			return os.ReadFile(logPath(m.Source))
		}
	}
	return nil, nil
}

func (l *ContainerdLauncher) Remove(ctx context.Context, workerID string) error {
	con, err := l.client.LoadContainer(ctx, workerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := l.stopTask(ctx, con); err != nil {
		return err
	}
	return con.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (l *ContainerdLauncher) List(ctx context.Context) ([]launcher.Worker, error) {
	cons, err := l.client.Containers(ctx, fmt.Sprintf("labels.%q==%q", launcher.LabelApp, launcher.LabelAppValue))
	if err != nil {
		return nil, err
	}
	var workers []launcher.Worker
	for _, con := range cons {
		labels, err := con.Labels(ctx)
		if err != nil {
			return nil, err
		}
		workers = append(workers, launcher.Worker{
			ID:    con.ID(),
			JobID: labels[launcher.LabelJobID],
		})
	}
	return workers, nil
}

func (l *ContainerdLauncher) Kill(ctx context.Context, workerID string) error {
	return l.Remove(ctx, workerID)
}

func (l *ContainerdLauncher) stopTask(ctx context.Context, con containerd.Container) error {
	task, err := con.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		if !errdefs.IsNotFound(err) &&
			!strings.Contains(err.Error(), "process already finished") &&
			!strings.Contains(err.Error(), "not found") {
			return err
		}
	}
	exitC, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	select {
	case <-exitC:
	case <-time.After(3 * time.Second):
	}

	_, err = task.Delete(ctx, containerd.WithProcessKill)
	return err
}
