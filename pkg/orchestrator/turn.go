package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrun-dev/agentrun/go/pkg/agent"
	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
	"github.com/agentrun-dev/agentrun/go/pkg/events"
	"github.com/agentrun-dev/agentrun/go/pkg/generation"
	"github.com/agentrun-dev/agentrun/go/pkg/questions"
	"github.com/agentrun-dev/agentrun/go/pkg/sandbox"
	"github.com/agentrun-dev/agentrun/go/pkg/store"
	"github.com/agentrun-dev/agentrun/go/pkg/workspace"
)

const createProjectOption = "__create__"

// turn carries the per-invocation state threaded through tool dispatch.
type turn struct {
	o              *Orchestrator
	conversationID string
	messageID      string
	conv           *store.Conversation
	ws             *workspace.Workspace
	token          *generation.Token
	sink           events.Sink
	actions        []string
}

// runTurn executes one assistant turn: register a generation, stream the
// engine's output, dispatch tool calls, and finalize the persisted message.
func (o *Orchestrator) runTurn(conversationID, userContent string) error {
	ctx := context.Background()
	token := generation.NewToken(ctx)
	o.registry.Register(conversationID, token)
	defer o.registry.Complete(conversationID, token)

	sink := o.sinkFor(conversationID)
	messageID := uuid.NewString()
	if err := o.store.CreateMessage(ctx, &store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        thinkingPlaceholder,
		Status:         store.MessageStatusThinking,
	}); err != nil {
		return fmt.Errorf("failed to create assistant message: %w", err)
	}
	o.registry.SetMessageID(conversationID, token, messageID)
	sink.Emit(events.MessageUpdated, MessagePayload{
		MessageID: messageID,
		Status:    store.MessageStatusThinking,
	})

	conv, err := o.store.GetOrCreateConversation(ctx, conversationID)
	if err != nil {
		return o.failTurn(ctx, sink, messageID, err)
	}

	t := &turn{
		o:              o,
		conversationID: conversationID,
		messageID:      messageID,
		conv:           conv,
		token:          token,
		sink:           sink,
	}

	if o.cfg.EnableSandbox {
		if err := t.ensureProjectBinding(token.Context()); err != nil {
			if apperrors.IsCancelled(err) || token.Cancelled() {
				return o.finalizeStopped(ctx, t, "")
			}
			return o.failTurn(ctx, sink, messageID, err)
		}
		ws, err := workspace.New("", o.logger)
		if err != nil {
			return o.failTurn(ctx, sink, messageID, err)
		}
		defer ws.Destroy()
		t.ws = ws
	}

	req := agent.Request{
		SystemPrompt:  o.cfg.SystemPrompt,
		Messages:      []agent.Message{{Role: "user", Content: userContent}},
		Handler:       t.handleToolCall,
		MaxIterations: o.cfg.MaxIterations,
	}
	if o.cfg.EnableSandbox {
		req.Tools = agent.DefaultToolSpecs()
	}

	chunks := make(chan agent.Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.engine.Run(token.Context(), req, chunks)
		close(chunks)
	}()

	var text strings.Builder
	for chunk := range chunks {
		if token.Cancelled() {
			break
		}
		switch chunk.Type {
		case agent.ChunkTypeText:
			text.WriteString(chunk.Content)
			o.registry.AppendPartial(conversationID, token, chunk.Content)
			sink.Emit(events.MessageUpdated, MessagePayload{
				MessageID: messageID,
				Delta:     chunk.Content,
			})
		case agent.ChunkTypeReasoning:
			sink.Emit(events.MessageUpdated, MessagePayload{
				MessageID: messageID,
				Status:    chunk.Content,
			})
		}
	}
	if token.Cancelled() {
		// Let the engine goroutine drain; its context is already done.
		go func() {
			for range chunks {
			}
			<-errCh
		}()
		return o.finalizeStopped(ctx, t, text.String())
	}

	if err := <-errCh; err != nil {
		if errors.Is(err, context.Canceled) || apperrors.IsCancelled(err) {
			return o.finalizeStopped(ctx, t, text.String())
		}
		return o.failTurn(ctx, sink, messageID, err)
	}

	final := text.String()
	if final == "" && len(t.actions) > 0 {
		final = summarizeActions(t.actions)
	}
	if err := o.store.UpdateMessage(ctx, messageID, final, store.MessageStatusComplete); err != nil {
		return err
	}
	sink.Emit(events.MessageUpdated, MessagePayload{
		MessageID: messageID,
		Content:   final,
		Status:    store.MessageStatusComplete,
	})
	sink.Emit(events.GenerationCompleted, MessagePayload{MessageID: messageID})
	return nil
}

// finalizeStopped persists whatever streamed before cancellation, marked so
// the user can tell the response was cut short.
func (o *Orchestrator) finalizeStopped(ctx context.Context, t *turn, partial string) error {
	content := partial + stoppedMarker
	if err := o.store.UpdateMessage(ctx, t.messageID, content, store.MessageStatusStopped); err != nil {
		return err
	}
	t.sink.Emit(events.MessageUpdated, MessagePayload{
		MessageID: t.messageID,
		Content:   content,
		Status:    store.MessageStatusStopped,
	})
	t.sink.Emit(events.GenerationStopped, MessagePayload{MessageID: t.messageID})
	return nil
}

// failTurn logs the failure with a correlation id, persists a generic
// user-facing message, and notifies the client. The internal error never
// reaches the user.
func (o *Orchestrator) failTurn(ctx context.Context, sink events.Sink, messageID string, cause error) error {
	correlationID := uuid.NewString()
	o.logger.Error("turn failed",
		zap.String("message_id", messageID),
		zap.String("correlation_id", correlationID),
		zap.Error(cause))

	content := fmt.Sprintf(genericFailureFormat, correlationID)
	if err := o.store.UpdateMessage(ctx, messageID, content, store.MessageStatusFailed); err != nil {
		o.logger.Error("failed to persist failure message",
			zap.String("message_id", messageID), zap.Error(err))
	}
	sink.Emit(events.GenerationError, ErrorPayload{
		CorrelationID: correlationID,
		Message:       "Response generation failed.",
		Retryable:     true,
	})
	return nil
}

// ensureProjectBinding asks the user which project to work in when the
// conversation is not yet bound, then persists the choice with the default
// permission mode.
func (t *turn) ensureProjectBinding(ctx context.Context) error {
	if t.conv.ProjectID != "" {
		return nil
	}

	projects, err := t.o.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	options := make([]questions.Option, 0, len(projects)+1)
	for _, p := range projects {
		options = append(options, questions.Option{ID: p.ID, Label: p.Name})
	}
	options = append(options, questions.Option{ID: createProjectOption, Label: "Create a new project"})

	answer, err := t.o.gate.Ask(ctx, t.conversationID, questions.Payload{
		Title:   "Which project should this conversation use?",
		Body:    "Files created by the agent are stored in the selected project.",
		Options: options,
	}, t.emitQuestion, t.o.cfg.QuestionTTL)
	if err != nil {
		return err
	}

	projectID := answer.SelectedOptionID
	if projectID == "" || projectID == createProjectOption {
		name := strings.TrimSpace(answer.Text)
		if name == "" {
			name = "Untitled project"
		}
		project := &store.Project{ID: uuid.NewString(), Name: name}
		if err := t.o.store.CreateProject(ctx, project); err != nil {
			return err
		}
		projectID = project.ID
	}

	if err := t.o.store.BindProject(ctx, t.conversationID, projectID, store.PermissionModeAsk); err != nil {
		return err
	}
	t.conv.ProjectID = projectID
	if t.conv.PermissionMode == "" {
		t.conv.PermissionMode = store.PermissionModeAsk
	}
	return nil
}

func (t *turn) emitQuestion(questionID string, payload questions.Payload) {
	t.sink.Emit(events.QuestionAsked, QuestionPayload{
		QuestionID: questionID,
		Question:   payload,
	})
}

// handleToolCall dispatches one tool invocation: announce it, gate mutating
// calls behind user permission, execute, and record the action for the
// end-of-turn summary.
func (t *turn) handleToolCall(ctx context.Context, call agent.ToolCall) (string, error) {
	desc := agent.Describe(call)
	t.sink.Emit(events.MessageUpdated, MessagePayload{
		MessageID: t.messageID,
		Status:    desc,
	})

	if call.Mutating() && t.conv.PermissionMode != store.PermissionModeAuto {
		allowed, err := t.requestPermission(ctx, desc)
		if err != nil {
			return "", err
		}
		if !allowed {
			return "The user denied permission for this action.", nil
		}
	}

	out, err := t.execute(ctx, call)
	if err != nil {
		return "", err
	}
	t.actions = append(t.actions, desc)
	return out, nil
}

func (t *turn) requestPermission(ctx context.Context, desc string) (bool, error) {
	answer, err := t.o.gate.Ask(ctx, t.conversationID, questions.Payload{
		Title: "Allow this action?",
		Body:  desc,
		Options: []questions.Option{
			{ID: "allow", Label: "Allow"},
			{ID: "deny", Label: "Deny"},
		},
	}, t.emitQuestion, t.o.cfg.QuestionTTL)
	if err != nil {
		return false, err
	}
	return answer.SelectedOptionID == "allow", nil
}

// translate resolves a virtual path against the turn's workspace. The
// workspace only exists when the sandbox is enabled, but an engine may emit a
// file tool call regardless.
func (t *turn) translate(virtual string) (string, error) {
	if t.ws == nil {
		return "", apperrors.New(apperrors.ErrCodeValidation,
			"filesystem tools are disabled for this conversation", nil)
	}
	return t.ws.Translate(virtual)
}

// execute covers every tool-call variant; the default branch is unreachable
// while the variant set stays closed.
func (t *turn) execute(ctx context.Context, call agent.ToolCall) (string, error) {
	switch c := call.(type) {
	case agent.ReadFileCall:
		actual, err := t.translate(c.Path)
		if err != nil {
			return "", err
		}
		content, err := os.ReadFile(actual)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", c.Path, err)
		}
		return string(content), nil

	case agent.WriteFileCall:
		actual, err := t.translate(c.Path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(actual), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", c.Path, err)
		}
		if err := os.WriteFile(actual, []byte(c.Content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", c.Path, err)
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(c.Content), c.Path), nil

	case agent.ListDirCall:
		actual, err := t.translate(c.Path)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(actual)
		if err != nil {
			return "", fmt.Errorf("failed to list %s: %w", c.Path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return "(empty directory)", nil
		}
		return strings.Join(names, "\n"), nil

	case agent.RunCommandCall:
		result, err := t.o.sandbox.Execute(ctx, t.conversationID, c.Command, sandbox.ExecOptions{
			WorkDir: c.WorkDir,
			Timeout: time.Duration(c.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return "", err
		}
		return formatExecResult(result), nil

	case agent.SyncFilesCall:
		if t.conv.ProjectID == "" {
			return "", apperrors.New(apperrors.ErrCodeValidation,
				"no project is bound to this conversation", nil)
		}
		switch c.Direction {
		case agent.SyncToContainer:
			if err := t.o.sandbox.SyncToContainer(ctx, t.conversationID, t.conv.ProjectID); err != nil {
				return "", err
			}
			return "Project files copied into the container.", nil
		case agent.SyncFromContainer:
			if err := t.o.sandbox.SyncFromContainer(ctx, t.conversationID, t.conv.ProjectID); err != nil {
				return "", err
			}
			return "Container files saved back to the project.", nil
		default:
			return "", apperrors.New(apperrors.ErrCodeValidation,
				fmt.Sprintf("unknown sync direction %q", c.Direction), nil)
		}

	default:
		return "", apperrors.New(apperrors.ErrCodeValidation,
			fmt.Sprintf("unsupported tool call %T", call), nil)
	}
}

// formatExecResult renders a command result for the agent: streams labeled,
// exit code stated explicitly, indeterminate outcomes flagged as such.
func formatExecResult(result *sandbox.ExecResult) string {
	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(result.Stderr)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	if result.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d", *result.ExitCode)
	} else {
		b.WriteString("exit code: unknown")
	}
	if !result.Demuxed {
		b.WriteString(" (output streams were combined)")
	}
	return b.String()
}

// summarizeActions produces the assistant text when the engine returned no
// prose but did perform work.
func summarizeActions(actions []string) string {
	if len(actions) == 1 {
		return "Done: " + actions[0]
	}
	var b strings.Builder
	b.WriteString("Done. Actions taken:\n")
	for _, a := range actions {
		b.WriteString("- ")
		b.WriteString(a)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
