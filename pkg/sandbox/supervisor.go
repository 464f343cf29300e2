package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
)

const (
	DefaultImage       = "debian:bookworm-slim"
	DefaultWorkDir     = "/workspace"
	DefaultIdleTimeout = 30 * time.Minute
	DefaultExecTimeout = 60 * time.Second
)

var (
	activeContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrun_containers_active",
		Help: "Number of live per-conversation containers.",
	})
	execsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_container_execs_total",
		Help: "Total number of commands executed in containers.",
	})
	execTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_container_exec_timeouts_total",
		Help: "Total number of container commands that hit their timeout.",
	})
	containersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_containers_reaped_total",
		Help: "Total number of containers destroyed by the idle sweep.",
	})
)

// FileStore is the project blob store the supervisor synchronizes against,
// keyed by project id and normalized relative path.
type FileStore interface {
	ListFiles(ctx context.Context, projectID string) ([]string, error)
	ReadFile(ctx context.Context, projectID, path string) ([]byte, error)
	WriteFile(ctx context.Context, projectID, path string, content []byte) error
}

// Config holds supervisor tunables.
type Config struct {
	Image       string
	WorkDir     string
	IdleTimeout time.Duration
	ExecTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
}

// managed is the tracked state for one conversation's container.
type managed struct {
	containerID string
	createdAt   time.Time
	lastUsedAt  time.Time
}

// ExecOptions are per-call overrides for Execute.
type ExecOptions struct {
	WorkDir string
	Timeout time.Duration
}

// Supervisor owns at most one execution container per conversation: lazy
// creation, command execution, file sync, and idle reclamation.
type Supervisor struct {
	mu         sync.Mutex
	engine     Engine
	files      FileStore
	cfg        Config
	containers map[string]*managed // conversation id -> container state
	logger     *zap.Logger
	nowFn      func() time.Time
}

// NewSupervisor creates a container supervisor.
func NewSupervisor(engine Engine, files FileStore, cfg Config, logger *zap.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		engine:     engine,
		files:      files,
		cfg:        cfg,
		containers: make(map[string]*managed),
		logger:     logger.With(zap.String("component", "container-supervisor")),
		nowFn:      time.Now,
	}
}

// GetOrCreate returns the conversation's live container, provisioning one if
// needed. The idle sweep runs first so resource usage never silently grows.
func (s *Supervisor) GetOrCreate(ctx context.Context, conversationID string) (string, error) {
	s.sweepExpired(ctx)

	s.mu.Lock()
	if m, ok := s.containers[conversationID]; ok {
		m.lastUsedAt = s.nowFn()
		id := m.containerID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	spec := ContainerSpec{
		Name:    "agentrun-" + conversationID,
		Image:   s.cfg.Image,
		WorkDir: s.cfg.WorkDir,
		Cmd:     []string{"sleep", "infinity"},
		Labels: map[string]string{
			"agentrun.conversation": conversationID,
		},
	}
	containerID, err := s.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", apperrors.New(apperrors.ErrCodeResourceUnavailable,
			"failed to create execution container", err)
	}
	if err := s.engine.StartContainer(ctx, containerID); err != nil {
		// Roll back the half-provisioned container; failure here is logged only.
		s.destroyContainer(context.Background(), containerID)
		return "", apperrors.New(apperrors.ErrCodeResourceUnavailable,
			"failed to start execution container", err)
	}

	now := s.nowFn()
	s.mu.Lock()
	// A concurrent request may have provisioned its own container; the first
	// recorded entry wins and the duplicate is reclaimed.
	if existing, ok := s.containers[conversationID]; ok {
		existing.lastUsedAt = now
		id := existing.containerID
		s.mu.Unlock()
		s.destroyContainer(ctx, containerID)
		return id, nil
	}
	s.containers[conversationID] = &managed{
		containerID: containerID,
		createdAt:   now,
		lastUsedAt:  now,
	}
	s.mu.Unlock()

	activeContainers.Inc()
	s.logger.Info("provisioned container",
		zap.String("conversation_id", conversationID),
		zap.String("container_id", containerID))
	return containerID, nil
}

// Execute runs a shell command in the conversation's container under a
// wall-clock timeout.
func (s *Supervisor) Execute(ctx context.Context, conversationID, command string, opts ExecOptions) (*ExecResult, error) {
	containerID, err := s.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.touch(conversationID)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ExecTimeout
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = s.cfg.WorkDir
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execsTotal.Inc()
	result, err := s.engine.Exec(execCtx, containerID, ExecSpec{
		Cmd:     []string{"/bin/sh", "-c", command},
		WorkDir: workDir,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			execTimeouts.Inc()
			return nil, apperrors.New(apperrors.ErrCodeTimeout,
				fmt.Sprintf("command did not complete within %v", timeout), err)
		}
		return nil, apperrors.New(apperrors.ErrCodeResourceUnavailable,
			"command execution failed", err)
	}
	return result, nil
}

// SyncToContainer copies every non-ignored project file into the container's
// working directory, overwriting existing files.
func (s *Supervisor) SyncToContainer(ctx context.Context, conversationID, projectID string) error {
	containerID, err := s.GetOrCreate(ctx, conversationID)
	if err != nil {
		return err
	}
	s.touch(conversationID)

	paths, err := s.files.ListFiles(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list project files: %w", err)
	}

	var entries []archiveFile
	for _, p := range paths {
		normalized, err := NormalizeProjectPath(p)
		if err != nil {
			s.logger.Warn("skipping invalid project path",
				zap.String("project_id", projectID), zap.String("path", p), zap.Error(err))
			continue
		}
		if Ignored(normalized) {
			continue
		}
		content, err := s.files.ReadFile(ctx, projectID, p)
		if err != nil {
			return fmt.Errorf("failed to read project file %q: %w", p, err)
		}
		entries = append(entries, archiveFile{Path: normalized, Content: content})
	}
	if len(entries) == 0 {
		return nil
	}

	archive, err := buildArchive(entries)
	if err != nil {
		return err
	}
	if err := s.engine.CopyTo(ctx, containerID, s.cfg.WorkDir, archive); err != nil {
		return apperrors.New(apperrors.ErrCodeResourceUnavailable,
			"failed to copy files into container", err)
	}
	return nil
}

// SyncFromContainer persists every non-ignored regular file from the
// container's working directory back to the project store.
func (s *Supervisor) SyncFromContainer(ctx context.Context, conversationID, projectID string) error {
	containerID, err := s.GetOrCreate(ctx, conversationID)
	if err != nil {
		return err
	}
	s.touch(conversationID)

	rc, err := s.engine.CopyFrom(ctx, containerID, s.cfg.WorkDir)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeResourceUnavailable,
			"failed to copy files out of container", err)
	}
	defer rc.Close()

	return extractArchive(rc, s.cfg.WorkDir, func(entryPath string, content []byte) error {
		normalized, nerr := NormalizeProjectPath(entryPath)
		if nerr != nil {
			s.logger.Warn("skipping invalid container path",
				zap.String("conversation_id", conversationID),
				zap.String("path", entryPath), zap.Error(nerr))
			return nil
		}
		if Ignored(normalized) {
			return nil
		}
		if werr := s.files.WriteFile(ctx, projectID, normalized, content); werr != nil {
			return fmt.Errorf("failed to persist %q: %w", normalized, werr)
		}
		return nil
	})
}

// CleanupExpired destroys every container idle longer than the inactivity
// window. Failures are logged, never propagated into request paths.
func (s *Supervisor) CleanupExpired(ctx context.Context) {
	s.sweepExpired(ctx)
}

// Destroy tears down the conversation's container. Idempotent: a concurrent
// sweep finding nothing to do is not an error.
func (s *Supervisor) Destroy(ctx context.Context, conversationID string) {
	s.mu.Lock()
	m, ok := s.containers[conversationID]
	delete(s.containers, conversationID)
	s.mu.Unlock()

	if !ok {
		return
	}
	activeContainers.Dec()
	s.destroyContainer(ctx, m.containerID)
}

// Close destroys all tracked containers and releases the engine client.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	entries := s.containers
	s.containers = make(map[string]*managed)
	s.mu.Unlock()

	for _, m := range entries {
		activeContainers.Dec()
		s.destroyContainer(ctx, m.containerID)
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("failed to close engine client", zap.Error(err))
	}
}

// Active reports whether a container is tracked for the conversation.
func (s *Supervisor) Active(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.containers[conversationID]
	return ok
}

func (s *Supervisor) touch(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.containers[conversationID]; ok {
		m.lastUsedAt = s.nowFn()
	}
}

func (s *Supervisor) sweepExpired(ctx context.Context) {
	now := s.nowFn()

	s.mu.Lock()
	expired := make(map[string]string)
	for conversationID, m := range s.containers {
		if now.Sub(m.lastUsedAt) > s.cfg.IdleTimeout {
			expired[conversationID] = m.containerID
			delete(s.containers, conversationID)
		}
	}
	s.mu.Unlock()

	for conversationID, containerID := range expired {
		activeContainers.Dec()
		containersReaped.Inc()
		s.logger.Info("reaping idle container",
			zap.String("conversation_id", conversationID),
			zap.String("container_id", containerID))
		s.destroyContainer(ctx, containerID)
	}
}

// destroyContainer stops then force-removes a container. Best-effort: a stop
// failure does not block removal, and errors are aggregated into a single
// log line.
func (s *Supervisor) destroyContainer(ctx context.Context, containerID string) {
	var result *multierror.Error
	if err := s.engine.StopContainer(ctx, containerID); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop: %w", err))
	}
	if err := s.engine.RemoveContainer(ctx, containerID); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn("container teardown incomplete",
			zap.String("container_id", containerID), zap.Error(err))
	}
}
