package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cpjudge/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerEngine implements Engine on top of the Docker Engine API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine creates an engine talking to the daemon at host.
// An empty host falls back to the environment (DOCKER_HOST et al.).
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client failed: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// WaitReady pings the daemon until it responds or the deadline passes.
// The dind sidecar can lag behind service startup.
func (e *DockerEngine) WaitReady(ctx context.Context, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := e.Ping(ctx); err == nil {
			logger.Info(ctx, "docker daemon is ready")
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for docker daemon: %w", err)
		} else {
			logger.Debug(ctx, "waiting for docker daemon", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

func (e *DockerEngine) Pull(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s failed: %w", ref, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s failed: %w", ref, err)
	}
	return nil
}

func (e *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	oomKillDisable := false
	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   strslice.StrSlice(spec.Cmd),
		},
		&container.HostConfig{
			Binds: spec.Binds,
			Resources: container.Resources{
				Memory:         spec.MemoryLimitBytes,
				MemorySwap:     spec.MemoryLimitBytes,
				CPUQuota:       spec.CPUQuota,
				OomKillDisable: &oomKillDisable,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container failed: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// The caller still owns removal of the created container.
		return created.ID, fmt.Errorf("start container failed: %w", err)
	}
	return created.ID, nil
}

func (e *DockerEngine) Wait(ctx context.Context, id string) (int, error) {
	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("container wait failed: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, err
	}
}

func (e *DockerEngine) Kill(ctx context.Context, id string) error {
	return e.cli.ContainerKill(ctx, id, "KILL")
}

func (e *DockerEngine) Inspect(ctx context.Context, id string) (State, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("inspect container failed: %w", err)
	}
	state := State{}
	if info.State != nil {
		state.OOMKilled = info.State.OOMKilled
		state.ExitCode = info.State.ExitCode
	}
	return state, nil
}

func (e *DockerEngine) Logs(ctx context.Context, id string) (string, error) {
	reader, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("read container logs failed: %w", err)
	}
	defer reader.Close()

	// Non-TTY containers multiplex stdout and stderr into one stream.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return buf.String(), fmt.Errorf("demux container logs failed: %w", err)
	}
	return buf.String(), nil
}

func (e *DockerEngine) Remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
