// Package agent defines the boundary to the external agent-execution engine:
// a typed chunk stream, a closed set of tool-call variants, and engine
// implementations (an OpenAI adapter and a scripted engine for tests).
package agent

import "context"

// ChunkType distinguishes reasoning output from final text.
type ChunkType string

const (
	ChunkTypeReasoning ChunkType = "reasoning"
	ChunkTypeText      ChunkType = "text"
)

// Chunk is one element of the engine's ordered output stream.
type Chunk struct {
	Type    ChunkType
	Content string
}

// Message is one prior conversation entry passed to the engine.
type Message struct {
	Role    string
	Content string
}

// ToolSpec advertises one tool to the engine.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// ToolHandler executes a tool call and returns its user-visible output.
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

// Request describes one agent turn.
type Request struct {
	SystemPrompt  string
	Messages      []Message
	Tools         []ToolSpec
	Handler       ToolHandler
	MaxIterations int
}

// Engine produces an ordered sequence of chunks for a request, invoking the
// supplied tool handler as the agent requests tools. Run returns when the
// stream is exhausted or ctx is cancelled; it must not close out.
type Engine interface {
	Run(ctx context.Context, req Request, out chan<- Chunk) error
}

// ToolCall is a closed set of tagged tool invocations. Dispatch happens via
// an exhaustive type switch, so adding a tool is a compile-time-checked
// operation.
type ToolCall interface {
	isToolCall()
	// Mutating reports whether the call changes workspace, container, or
	// project state and therefore needs permission in "ask" mode.
	Mutating() bool
}

// ReadFileCall reads a file from the virtual workspace.
type ReadFileCall struct {
	Path string
}

// WriteFileCall writes a file into the virtual workspace.
type WriteFileCall struct {
	Path    string
	Content string
}

// ListDirCall lists a workspace directory.
type ListDirCall struct {
	Path string
}

// RunCommandCall executes a shell command in the conversation's container.
type RunCommandCall struct {
	Command   string
	WorkDir   string
	TimeoutMs int
}

// SyncDirection selects which way project files flow.
type SyncDirection string

const (
	SyncToContainer   SyncDirection = "to_container"
	SyncFromContainer SyncDirection = "from_container"
)

// SyncFilesCall synchronizes files between the project store and the
// container.
type SyncFilesCall struct {
	Direction SyncDirection
}

func (ReadFileCall) isToolCall()   {}
func (WriteFileCall) isToolCall()  {}
func (ListDirCall) isToolCall()    {}
func (RunCommandCall) isToolCall() {}
func (SyncFilesCall) isToolCall()  {}

func (ReadFileCall) Mutating() bool   { return false }
func (WriteFileCall) Mutating() bool  { return true }
func (ListDirCall) Mutating() bool    { return false }
func (RunCommandCall) Mutating() bool { return true }
func (SyncFilesCall) Mutating() bool  { return true }
