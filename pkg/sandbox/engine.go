// Package sandbox provides one isolated, reusable execution container per
// conversation, command execution under a timeout, and archive-based file
// synchronization against a project store.
package sandbox

import (
	"context"
	"io"
)

// ContainerSpec describes the container a supervisor provisions for a
// conversation.
type ContainerSpec struct {
	Name    string
	Image   string
	WorkDir string
	// Cmd is the long-lived idle process keeping the container alive.
	Cmd    []string
	Labels map[string]string
}

// ExecSpec describes one command execution inside a container.
type ExecSpec struct {
	Cmd     []string
	WorkDir string
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	Stdout string
	Stderr string
	// ExitCode is nil when inspection failed: indeterminate, neither success
	// nor failure.
	ExitCode *int
	// Demuxed is false when stream demultiplexing failed and the captured
	// output may be interleaved. A detectable degraded mode, not an error.
	Demuxed bool
}

// Engine abstracts the container backend (Docker, Kubernetes pods, ...).
// Implementations handle provisioning, command execution, and archive copy in
// isolated environments.
type Engine interface {
	// CreateContainer provisions a container and returns its handle. The
	// container is not running yet.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, containerID string) error

	// Exec runs a command attached to separate stdout/stderr streams. A
	// cancelled or expired ctx forcibly terminates the stream.
	Exec(ctx context.Context, containerID string, spec ExecSpec) (*ExecResult, error)

	// CopyTo extracts a tar archive into destPath inside the container,
	// overwriting existing files.
	CopyTo(ctx context.Context, containerID, destPath string, archive io.Reader) error

	// CopyFrom retrieves a tar archive of srcPath from the container.
	CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// Close releases resources held by the engine client.
	Close() error
}
