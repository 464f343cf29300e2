package agent

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
)

// Wire names for the tool-call variants.
const (
	toolReadFile   = "read_file"
	toolWriteFile  = "write_file"
	toolListDir    = "list_dir"
	toolRunCommand = "run_command"
	toolSyncFiles  = "sync_files"
)

// DefaultToolSpecs advertises the full tool set to an engine.
func DefaultToolSpecs() []ToolSpec {
	return []ToolSpec{
		{
			Name:        toolReadFile,
			Description: "Read a file from the workspace",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        toolWriteFile,
			Description: "Write content to a file in the workspace",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        toolListDir,
			Description: "List a workspace directory",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        toolRunCommand,
			Description: "Run a shell command in the execution container",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":    map[string]any{"type": "string"},
					"workdir":    map[string]any{"type": "string"},
					"timeout_ms": map[string]any{"type": "integer"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        toolSyncFiles,
			Description: "Synchronize project files with the execution container",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"direction": map[string]any{
						"type": "string",
						"enum": []string{string(SyncToContainer), string(SyncFromContainer)},
					},
				},
				"required": []string{"direction"},
			},
		},
	}
}

// ParseToolCall converts a wire-level tool invocation (string name, JSON
// argument bag) into its typed variant.
func ParseToolCall(name string, arguments []byte) (ToolCall, error) {
	switch name {
	case toolReadFile:
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, badArgs(name, err)
		}
		return ReadFileCall{Path: args.Path}, nil
	case toolWriteFile:
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, badArgs(name, err)
		}
		return WriteFileCall{Path: args.Path, Content: args.Content}, nil
	case toolListDir:
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, badArgs(name, err)
		}
		return ListDirCall{Path: args.Path}, nil
	case toolRunCommand:
		var args struct {
			Command   string `json:"command"`
			WorkDir   string `json:"workdir"`
			TimeoutMs int    `json:"timeout_ms"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, badArgs(name, err)
		}
		return RunCommandCall{Command: args.Command, WorkDir: args.WorkDir, TimeoutMs: args.TimeoutMs}, nil
	case toolSyncFiles:
		var args struct {
			Direction string `json:"direction"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, badArgs(name, err)
		}
		dir := SyncDirection(args.Direction)
		if dir != SyncToContainer && dir != SyncFromContainer {
			return nil, apperrors.New(apperrors.ErrCodeValidation,
				fmt.Sprintf("unknown sync direction %q", args.Direction), nil)
		}
		return SyncFilesCall{Direction: dir}, nil
	default:
		return nil, apperrors.New(apperrors.ErrCodeValidation,
			fmt.Sprintf("unknown tool %q", name), nil)
	}
}

// Describe renders a tool call as user-facing status text.
func Describe(call ToolCall) string {
	switch c := call.(type) {
	case ReadFileCall:
		return fmt.Sprintf("Reading %s", c.Path)
	case WriteFileCall:
		return fmt.Sprintf("Writing %s", c.Path)
	case ListDirCall:
		if c.Path == "" {
			return "Listing workspace"
		}
		return fmt.Sprintf("Listing %s", c.Path)
	case RunCommandCall:
		return fmt.Sprintf("Running `%s`", c.Command)
	case SyncFilesCall:
		if c.Direction == SyncToContainer {
			return "Syncing project files into the container"
		}
		return "Syncing container files back to the project"
	default:
		// The variant set is closed; a new variant must extend this switch.
		return "Running tool"
	}
}

func badArgs(name string, err error) error {
	return apperrors.New(apperrors.ErrCodeValidation,
		fmt.Sprintf("invalid arguments for tool %q", name), err)
}
