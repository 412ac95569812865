// Package sandbox manages the ephemeral execution environments agents run
// in: a bounded pool over a pluggable container backend, with auto-kill
// timers, stale cleanup, and streaming command execution.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// StreamFunc receives one chunk of command output in arrival order.
type StreamFunc func(chunk []byte)

// Backend abstracts the container runtime so the manager can run against
// local Docker, a remote daemon, or a fake in tests.
type Backend interface {
	// Create provisions and starts a sandbox container from an image.
	Create(ctx context.Context, image string) (containerID string, err error)

	// Exec runs a command to completion and returns its output.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	// ExecStreaming runs a command, delivering stdout/stderr chunks as
	// they arrive, and returns the exit code.
	ExecStreaming(ctx context.Context, containerID string, cmd []string, onStdout, onStderr StreamFunc) (int, error)

	// Kill force-stops and removes the container.
	Kill(ctx context.Context, containerID string) error

	// Name returns the backend name for logging.
	Name() string
}

// DockerBackend implements Backend against the local Docker daemon.
type DockerBackend struct {
	runtime string // e.g. "runsc" for gVisor, "" for default
}

var _ Backend = (*DockerBackend)(nil)

// NewDockerBackend creates a Docker-based sandbox backend.
func NewDockerBackend(runtime string) *DockerBackend {
	return &DockerBackend{runtime: runtime}
}

func (d *DockerBackend) Name() string {
	if d.runtime != "" {
		return fmt.Sprintf("docker-local/%s", d.runtime)
	}
	return "docker-local"
}

func (d *DockerBackend) newClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func (d *DockerBackend) Create(ctx context.Context, image string) (string, error) {
	cli, err := d.newClient()
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   512 * 1024 * 1024,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if d.runtime != "" {
		hostConfig.Runtime = d.runtime
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerBackend) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := d.exec(ctx, containerID, cmd, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: code,
	}, nil
}

func (d *DockerBackend) ExecStreaming(ctx context.Context, containerID string, cmd []string, onStdout, onStderr StreamFunc) (int, error) {
	return d.exec(ctx, containerID, cmd, streamWriter(onStdout), streamWriter(onStderr))
}

func (d *DockerBackend) exec(ctx context.Context, containerID string, cmd []string, stdout, stderr io.Writer) (int, error) {
	cli, err := d.newClient()
	if err != nil {
		return -1, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	execID, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	// The attach stream multiplexes stdout and stderr; stdcopy splits it.
	if _, err := stdcopy.StdCopy(stdout, stderr, resp.Reader); err != nil && ctx.Err() == nil {
		return -1, fmt.Errorf("exec stream: %w", err)
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (d *DockerBackend) Kill(ctx context.Context, containerID string) error {
	cli, err := d.newClient()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// streamWriter adapts a StreamFunc to io.Writer for stdcopy.
type streamWriter func(chunk []byte)

func (w streamWriter) Write(p []byte) (int, error) {
	if w != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w(chunk)
	}
	return len(p), nil
}
