package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/opengisch/fieldq/internal/launcher"
	"github.com/opengisch/fieldq/internal/logger"
)

// logReadRetries covers the engine occasionally returning empty logs right
// after the container exits.
const logReadRetries = 5

type DockerLauncher struct {
	docker         *client.Client
	seccompProfile string
}

func New(seccompPath string) (*DockerLauncher, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	l := &DockerLauncher{docker: dc}
	if seccompPath != "" {
		sec, err := os.ReadFile(seccompPath)
		if err != nil {
			return nil, fmt.Errorf("reading seccomp profile: %w", err)
		}
		l.seccompProfile = string(sec)
	}
	return l, nil
}

func (d *DockerLauncher) Launch(ctx context.Context, spec launcher.Spec) (string, error) {
	networkMode := string(network.NetworkDefault)
	if spec.Network != "" {
		networkMode = spec.Network
	}

	pl := int64(512)
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  spec.CPUQuota,
			Memory:    spec.MemoryBytes,
			PidsLimit: &pl,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,mode=0777,size=268435456",
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.WorkDir,
				Target: "/io",
			},
		},
	}
	if d.seccompProfile != "" {
		hostCfg.SecurityOpt = []string{"seccomp=" + d.seccompProfile}
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels(),
		Cmd:    spec.Command,
		Env:    spec.Env,
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             fmt.Sprintf("fieldq-worker-%s", spec.JobID),
	})
	if err != nil {
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		_, _ = d.docker.ContainerRemove(ctx, created.ID, client.ContainerRemoveOptions{Force: true})
		return "", err
	}
	return created.ID, nil
}

func (d *DockerLauncher) Wait(ctx context.Context, workerID string, timeout time.Duration) (int64, error) {
	res := d.docker.ContainerWait(ctx, workerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	select {
	case err := <-res.Error:
		return 0, err
	case status := <-res.Result:
		return status.StatusCode, nil
	case <-time.After(timeout):
	}

	logger.Log.Warn().Str("worker_id", workerID).Dur("timeout", timeout).
		Msg("worker exceeded timeout, killing")
	if err := d.Kill(context.WithoutCancel(ctx), workerID); err != nil {
		return launcher.ExitTimeout, fmt.Errorf("killing timed out worker %s: %w", workerID, err)
	}
	return launcher.ExitTimeout, nil
}

func (d *DockerLauncher) Logs(ctx context.Context, workerID string) ([]byte, error) {
	var lastErr error
	for range logReadRetries {
		out, err := d.readLogs(ctx, workerID)
		if err == nil && len(out) > 0 {
			return out, nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

func (d *DockerLauncher) readLogs(ctx context.Context, workerID string) ([]byte, error) {
	res, err := d.docker.ContainerLogs(ctx, workerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DockerLauncher) Remove(ctx context.Context, workerID string) error {
	_, err := d.docker.ContainerRemove(ctx, workerID, client.ContainerRemoveOptions{
		Force: true,
	})
	return err
}

func (d *DockerLauncher) List(ctx context.Context) ([]launcher.Worker, error) {
	res, err := d.docker.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}

	var workers []launcher.Worker
	for _, c := range res.Items {
		if c.Labels[launcher.LabelApp] != launcher.LabelAppValue {
			continue
		}
		workers = append(workers, launcher.Worker{
			ID:    c.ID,
			JobID: c.Labels[launcher.LabelJobID],
		})
	}
	return workers, nil
}

func (d *DockerLauncher) Kill(ctx context.Context, workerID string) error {
	timeout := 0
	if _, err := d.docker.ContainerStop(ctx, workerID, client.ContainerStopOptions{Timeout: &timeout}); err != nil {
		return err
	}
	_, err := d.docker.ContainerRemove(ctx, workerID, client.ContainerRemoveOptions{Force: true})
	return err
}
