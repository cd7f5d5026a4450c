package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Sandbox limits for a single compile.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 128

	containerUser = "1000"
	workingDir    = "/tmp"

	removeTimeout = 15 * time.Second
)

// DockerRunner runs every toolchain invocation in a fresh, network-less
// container that is removed afterwards.
type DockerRunner struct {
	cli         *client.Client
	runtime     string // "" = default (runc), "runsc" = gVisor
	OutputLimit int
	logger      *slog.Logger
}

// NewDockerRunner creates a Docker-backed runner from the environment.
func NewDockerRunner(runtime string, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := runtime
	if rt == "" {
		rt = "default"
	}
	logger.Info("Docker client initialized", "runtime", rt)
	return &DockerRunner{cli: cli, runtime: runtime, logger: logger}, nil
}

// Ping checks that the daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if spec.Image == "" {
		return nil, errors.New("docker runner needs an image")
	}

	config := &container.Config{
		Image:           spec.Image,
		User:            containerUser,
		WorkingDir:      workingDir,
		Entrypoint:      spec.Argv[:1],
		Cmd:             spec.Argv[1:],
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
	}
	hostConfig := &container.HostConfig{
		Runtime:     r.runtime,
		NetworkMode: container.NetworkMode("none"),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: image %s not found", domain.ErrUnsupportedLanguage, spec.Image)
		}
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer r.remove(ctx, resp.ID)

	hijack, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", resp.ID, err)
	}
	defer hijack.Close()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := hijack.Conn.Write(spec.Stdin)
		if cerr := hijack.CloseWrite(); err == nil {
			err = cerr
		}
		writeErr <- err
	}()

	stdout := newOutputBuffer(r.OutputLimit)
	stderr := newOutputBuffer(r.OutputLimit)
	if _, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("read container output: %w", err)
	}
	if err := <-writeErr; err != nil {
		r.logger.Debug("Writing compiler stdin failed", "container_id", resp.ID, "error", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait container %s: %w", resp.ID, ctx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("wait container %s: %w", resp.ID, err)
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container %s: %s", resp.ID, status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	}

	return &RunResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  exitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// remove force-removes a container. It runs on its own deadline so a
// cancelled compile still cleans up.
func (r *DockerRunner) remove(ctx context.Context, containerID string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	err := r.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
	case errdefs.IsNotFound(err), strings.Contains(err.Error(), "is already in progress"):
		r.logger.Debug("Container already removed", "container_id", containerID)
	default:
		r.logger.Warn("Failed to remove compiler container", "container_id", containerID, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
