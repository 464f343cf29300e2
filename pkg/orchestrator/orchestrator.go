// Package orchestrator drives one user turn end-to-end: it composes the
// workspace, container supervisor, question gate, and generation registry
// around a streaming agent invocation and emits progress events.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
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
)

const (
	defaultQuestionTTL   = 5 * time.Minute
	titleMaxRunes        = 60
	titleMessageWindow   = 2
	stoppedMarker        = "\n\n_Stopped by user._"
	thinkingPlaceholder  = "Thinking..."
	genericFailureFormat = "Something went wrong while generating a response. " +
		"Please try again (reference: %s)."
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetOrCreateConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	BindProject(ctx context.Context, conversationID, projectID, permissionMode string) error
	CreateMessage(ctx context.Context, msg *store.Message) error
	UpdateMessage(ctx context.Context, id, content, status string) error
	CountMessages(ctx context.Context, conversationID string) (int64, error)
	CreateProject(ctx context.Context, p *store.Project) error
	ListProjects(ctx context.Context) ([]store.Project, error)
}

// Sandbox is the container surface the orchestrator's tools call into.
type Sandbox interface {
	Execute(ctx context.Context, conversationID, command string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error)
	SyncToContainer(ctx context.Context, conversationID, projectID string) error
	SyncFromContainer(ctx context.Context, conversationID, projectID string) error
	Destroy(ctx context.Context, conversationID string)
}

// NopSandbox satisfies Sandbox when container execution is disabled. Every
// operation other than Destroy reports the sandbox as unavailable.
type NopSandbox struct{}

func (NopSandbox) Execute(context.Context, string, string, sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	return nil, errSandboxDisabled()
}
func (NopSandbox) SyncToContainer(context.Context, string, string) error {
	return errSandboxDisabled()
}

func (NopSandbox) SyncFromContainer(context.Context, string, string) error {
	return errSandboxDisabled()
}

func (NopSandbox) Destroy(context.Context, string) {}

func errSandboxDisabled() error {
	return apperrors.New(apperrors.ErrCodeResourceUnavailable, "sandbox execution is disabled", nil)
}

// Config holds orchestrator tunables.
type Config struct {
	// EnableSandbox grants the agent the filesystem/container tool set.
	EnableSandbox bool
	QuestionTTL   time.Duration
	MaxIterations int
	SystemPrompt  string
}

// MessagePayload is the event payload for message progress.
type MessagePayload struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta,omitempty"`
	Status    string `json:"status,omitempty"`
	Content   string `json:"content,omitempty"`
}

// QuestionPayload is the event payload for an activated question.
type QuestionPayload struct {
	QuestionID string            `json:"questionId"`
	Question   questions.Payload `json:"question"`
}

// ErrorPayload is the event payload for surfaced failures. It carries a
// correlation reference, never internal error detail.
type ErrorPayload struct {
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
}

// SinkProvider yields the event sink for one conversation's stream.
// *events.Hub satisfies it.
type SinkProvider interface {
	ConversationSink(conversationID string) events.Sink
}

// Orchestrator sequences the sandboxing components around agent turns.
type Orchestrator struct {
	store    Store
	sandbox  Sandbox
	gate     *questions.Gate
	registry *generation.Registry
	engine   agent.Engine
	sinks    SinkProvider
	logger   *zap.Logger
	cfg      Config

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(st Store, sb Sandbox, gate *questions.Gate, registry *generation.Registry,
	engine agent.Engine, sinks SinkProvider, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuestionTTL <= 0 {
		cfg.QuestionTTL = defaultQuestionTTL
	}
	return &Orchestrator{
		store:    st,
		sandbox:  sb,
		gate:     gate,
		registry: registry,
		engine:   engine,
		sinks:    sinks,
		logger:   logger.With(zap.String("component", "orchestrator")),
		cfg:      cfg,
	}
}

// sinkFor resolves the conversation's sink, guarded so emission failures
// never propagate back into turn processing.
func (o *Orchestrator) sinkFor(conversationID string) events.Sink {
	return events.Guarded(o.sinks.ConversationSink(conversationID), o.logger)
}

// ProcessUserMessage persists the user message and fires the background
// title and turn tasks. Progress is delivered through the event sink.
func (o *Orchestrator) ProcessUserMessage(ctx context.Context, conversationID, content string) error {
	if _, err := o.store.GetOrCreateConversation(ctx, conversationID); err != nil {
		return err
	}
	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
		Status:         store.MessageStatusComplete,
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}

	o.background("title", conversationID, func() error {
		return o.maybeGenerateTitle(conversationID, content)
	})
	o.background("turn", conversationID, func() error {
		return o.runTurn(conversationID, content)
	})
	return nil
}

// Abort cancels the conversation's active generation and returns the partial
// state captured at that moment. The turn task observes the cancellation at
// its next chunk boundary and finalizes the persisted message.
func (o *Orchestrator) Abort(conversationID string) generation.AbortResult {
	return o.registry.Abort(conversationID)
}

// CloseConversation tears down everything bound to a conversation: pending
// questions, the active generation, and the execution container.
func (o *Orchestrator) CloseConversation(ctx context.Context, conversationID string) {
	o.gate.CancelConversation(conversationID)
	o.registry.Abort(conversationID)
	o.sandbox.Destroy(ctx, conversationID)
}

// Wait blocks until all background tasks have finished. Used in tests and
// during shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// background runs fn monitored: an uncaught failure is logged with full
// context and reported to the client as a generic notification that does not
// reveal internal detail.
func (o *Orchestrator) background(name, conversationID string, fn func() error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.reportBackgroundFailure(name, conversationID, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			o.reportBackgroundFailure(name, conversationID, err)
		}
	}()
}

func (o *Orchestrator) reportBackgroundFailure(name, conversationID string, err error) {
	correlationID := uuid.NewString()
	o.logger.Error("background task failed",
		zap.String("task", name),
		zap.String("conversation_id", conversationID),
		zap.String("correlation_id", correlationID),
		zap.Error(err))
	o.sinkFor(conversationID).Emit(events.BackgroundError, ErrorPayload{
		CorrelationID: correlationID,
		Message:       "A background task failed.",
		Retryable:     true,
	})
}

// maybeGenerateTitle replaces the default placeholder title early in a
// conversation. Engine failures fall back to a truncated-content title and
// never block the main response.
func (o *Orchestrator) maybeGenerateTitle(conversationID, content string) error {
	ctx := context.Background()
	conv, err := o.store.GetOrCreateConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	count, err := o.store.CountMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if count > titleMessageWindow || conv.Title != store.DefaultTitle {
		return nil
	}

	title := o.generateTitle(ctx, content)
	if title == "" {
		title = truncateTitle(content)
	}
	if err := o.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		return err
	}
	o.sinkFor(conversationID).Emit(events.TitleUpdated, map[string]string{
		"conversationId": conversationID,
		"title":          title,
	})
	return nil
}

func (o *Orchestrator) generateTitle(ctx context.Context, content string) string {
	chunks := make(chan agent.Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.engine.Run(ctx, agent.Request{
			SystemPrompt: "Summarize the user's message as a conversation title " +
				"of at most six words. Reply with the title only.",
			Messages:      []agent.Message{{Role: "user", Content: content}},
			MaxIterations: 1,
		}, chunks)
		close(chunks)
	}()

	var title string
	for chunk := range chunks {
		if chunk.Type == agent.ChunkTypeText {
			title += chunk.Content
		}
	}
	if err := <-errCh; err != nil {
		o.logger.Warn("title generation failed, using fallback", zap.Error(err))
		return ""
	}
	return truncateTitle(title)
}

func truncateTitle(s string) string {
	runes := []rune(trimSpaceAndNewlines(s))
	if len(runes) <= titleMaxRunes {
		return string(runes)
	}
	return string(runes[:titleMaxRunes])
}

func trimSpaceAndNewlines(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		out = append(out, r)
	}
	// Collapse leading/trailing spaces only; inner runs are harmless in a title.
	start, end := 0, len(out)
	for start < end && out[start] == ' ' {
		start++
	}
	for end > start && out[end-1] == ' ' {
		end--
	}
	return string(out[start:end])
}
