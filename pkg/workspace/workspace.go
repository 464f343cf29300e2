// Package workspace maps the fixed, agent-visible path prefix onto a private
// ephemeral directory and refuses any translation that would escape it.
package workspace

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
)

// DefaultVirtualRoot is the path prefix the agent sees. It does not exist on
// the host.
const DefaultVirtualRoot = "/home/agent"

// Workspace binds a virtual root to an actual directory for one agent session.
type Workspace struct {
	virtualRoot string
	actualRoot  string
	logger      *zap.Logger
}

// New creates a workspace backed by a fresh temp directory. The directory is
// removed by Destroy at session end.
func New(virtualRoot string, logger *zap.Logger) (*Workspace, error) {
	actualRoot, err := os.MkdirTemp("", "agentrun-ws-")
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeResourceUnavailable,
			"failed to create workspace directory", err)
	}
	return NewWithRoot(virtualRoot, actualRoot, logger), nil
}

// NewWithRoot creates a workspace over an existing directory. The caller owns
// the directory's lifetime; Destroy still removes it.
func NewWithRoot(virtualRoot, actualRoot string, logger *zap.Logger) *Workspace {
	if virtualRoot == "" {
		virtualRoot = DefaultVirtualRoot
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{
		virtualRoot: virtualRoot,
		actualRoot:  filepath.Clean(actualRoot),
		logger:      logger,
	}
}

// VirtualRoot returns the agent-visible root prefix.
func (w *Workspace) VirtualRoot() string { return w.virtualRoot }

// ActualRoot returns the backing directory.
func (w *Workspace) ActualRoot() string { return w.actualRoot }

// Translate maps an agent-supplied path (absolute under the virtual root, or
// relative) to a path inside the actual root. Any input that would resolve
// outside the actual root fails with a FORBIDDEN error.
func (w *Workspace) Translate(input string) (string, error) {
	trimmed := strings.TrimSpace(input)

	var resolved string
	switch {
	case trimmed == "" || trimmed == ".":
		resolved = w.actualRoot
	case strings.HasPrefix(trimmed, "/"):
		if trimmed != w.virtualRoot && !strings.HasPrefix(trimmed, w.virtualRoot+"/") {
			return "", apperrors.New(apperrors.ErrCodeForbidden,
				fmt.Sprintf("path %q is outside the workspace", input), nil)
		}
		rest := strings.TrimPrefix(trimmed, w.virtualRoot)
		// Strip every leading separator so the remainder cannot resolve as an
		// absolute host path (e.g. "/home/agent//etc" collapsing to "/etc").
		rest = strings.TrimLeft(rest, "/")
		resolved = filepath.Join(w.actualRoot, rest)
	default:
		resolved = filepath.Join(w.actualRoot, trimmed)
	}

	resolved = filepath.Clean(resolved)

	// Authoritative containment check, regardless of branch taken above. The
	// separator suffix guards against sibling-prefix collisions such as
	// /tmp/ws-1 accepting /tmp/ws-12.
	if resolved != w.actualRoot &&
		!strings.HasPrefix(resolved, w.actualRoot+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.ErrCodeForbidden,
			fmt.Sprintf("path %q escapes the workspace", input), nil)
	}

	return resolved, nil
}

// Virtualize maps an actual path back to its agent-visible form. Display only;
// no validation is performed.
func (w *Workspace) Virtualize(actual string) string {
	rel, err := filepath.Rel(w.actualRoot, actual)
	if err != nil {
		return w.virtualRoot
	}
	return path.Join(w.virtualRoot, filepath.ToSlash(rel))
}

// Destroy removes the backing directory. Best-effort: failure is logged and
// never returned.
func (w *Workspace) Destroy() {
	if err := os.RemoveAll(w.actualRoot); err != nil {
		w.logger.Warn("failed to remove workspace directory",
			zap.String("path", w.actualRoot), zap.Error(err))
	}
}
