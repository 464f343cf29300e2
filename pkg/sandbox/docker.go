package sandbox

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// stopTimeoutSeconds bounds how long a container gets to shut down before the
// engine kills it.
const stopTimeoutSeconds = 5

// DockerEngine implements Engine against a local Docker daemon.
type DockerEngine struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerEngine connects to the daemon using the standard environment
// configuration (DOCKER_HOST etc.).
func NewDockerEngine(logger *zap.Logger) (*DockerEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerEngine{
		cli:    cli,
		logger: logger.With(zap.String("component", "docker-engine")),
	}, nil
}

func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	// Best-effort pull: the image may already be present locally, and an
	// offline daemon can still create from its cache.
	if rc, err := e.cli.ImagePull(ctx, spec.Image, image.PullOptions{}); err != nil {
		e.logger.Warn("image pull failed, relying on local cache",
			zap.String("image", spec.Image), zap.Error(err))
	} else {
		_, _ = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			WorkingDir: spec.WorkDir,
			Cmd:        spec.Cmd,
			Labels:     spec.Labels,
		},
		&container.HostConfig{},
		nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	return e.cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (e *DockerEngine) Exec(ctx context.Context, containerID string, spec ExecSpec) (*ExecResult, error) {
	execResp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, err
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	demuxed := true
	select {
	case <-ctx.Done():
		// Forcibly terminate the stream; the copy goroutine unblocks on the
		// closed connection.
		attach.Close()
		<-copyDone
		return nil, ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil {
			demuxed = false
			e.logger.Warn("exec stream demultiplexing failed",
				zap.String("container_id", containerID), zap.Error(copyErr))
		}
	}

	result := &ExecResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Demuxed: demuxed,
	}

	// A failed inspect leaves the exit code indeterminate, not zero.
	if inspect, ierr := e.cli.ContainerExecInspect(ctx, execResp.ID); ierr == nil {
		code := inspect.ExitCode
		result.ExitCode = &code
	} else {
		e.logger.Warn("exec inspect failed, exit code unknown",
			zap.String("container_id", containerID), zap.Error(ierr))
	}

	return result, nil
}

func (e *DockerEngine) CopyTo(ctx context.Context, containerID, destPath string, archive io.Reader) error {
	return e.cli.CopyToContainer(ctx, containerID, destPath, archive, container.CopyToContainerOptions{})
}

func (e *DockerEngine) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	rc, _, err := e.cli.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	return e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	return e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}
