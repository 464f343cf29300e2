package sandbox

import (
	"fmt"
	"strings"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
)

// NormalizeProjectPath canonicalizes a project-relative path: backslashes
// become forward slashes, repeated separators collapse, leading "/" and "./"
// are stripped. Paths containing a ".." segment or resolving to empty are
// rejected. Project paths arrive from a different trust boundary than
// workspace paths, so this is validated independently at this layer.
func NormalizeProjectPath(p string) (string, error) {
	s := strings.ReplaceAll(p, "\\", "/")

	segments := strings.Split(s, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", apperrors.New(apperrors.ErrCodeValidation,
				fmt.Sprintf("project path %q contains a traversal segment", p), nil)
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", apperrors.New(apperrors.ErrCodeValidation,
			fmt.Sprintf("project path %q resolves to empty", p), nil)
	}
	return strings.Join(out, "/"), nil
}
