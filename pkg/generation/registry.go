// Package generation tracks one cancellable streaming generation per
// conversation, preserving whatever partial output existed when a caller
// aborts it.
package generation

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	generationsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_generations_aborted_total",
		Help: "Total number of generations aborted by an external caller.",
	})
	generationsPreempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_generations_preempted_total",
		Help: "Total number of generations cancelled by a newer registration.",
	})
)

// Token is a cooperative cancellation signal checked at chunk boundaries.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken derives a cancellation token from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel triggers the token. Safe to call more than once.
func (t *Token) Cancel() { t.cancel() }

// Cancelled reports whether the token has been triggered.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Done exposes the token's completion channel.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns the context carrying the cancellation signal, for passing
// into blocking sub-operations.
func (t *Token) Context() context.Context { return t.ctx }

// AbortResult describes the state captured when a generation is aborted.
type AbortResult struct {
	WasActive      bool
	MessageID      string
	PartialContent string
}

type entry struct {
	token     *Token
	messageID string
	partial   strings.Builder
}

// Registry holds at most one active generation per conversation.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger
}

// NewRegistry creates a generation registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "generation-registry")),
	}
}

// Register stores a new generation for the conversation. A previously
// registered generation is cancelled first, so there is never more than one
// live generation per conversation.
func (r *Registry) Register(conversationID string, token *Token) {
	r.mu.Lock()
	prev, ok := r.entries[conversationID]
	r.entries[conversationID] = &entry{token: token}
	r.mu.Unlock()

	if ok {
		prev.token.Cancel()
		generationsPreempted.Inc()
		r.logger.Debug("pre-empted prior generation",
			zap.String("conversation_id", conversationID))
	}
}

// SetMessageID records the persisted message id once it is known. No-op
// unless token still owns the conversation's entry.
func (r *Registry) SetMessageID(conversationID string, token *Token, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok && e.token == token {
		e.messageID = messageID
	}
}

// AppendPartial accumulates streamed text for later abort capture. No-op
// unless token still owns the conversation's entry: a pre-empted generation
// may race a late chunk against its successor.
func (r *Registry) AppendPartial(conversationID string, token *Token, delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok && e.token == token {
		e.partial.WriteString(delta)
	}
}

// Abort cancels and removes the conversation's generation, returning whatever
// partial output had streamed so far.
func (r *Registry) Abort(conversationID string) AbortResult {
	r.mu.Lock()
	e, ok := r.entries[conversationID]
	delete(r.entries, conversationID)
	r.mu.Unlock()

	if !ok {
		return AbortResult{}
	}
	e.token.Cancel()
	generationsAborted.Inc()
	return AbortResult{
		WasActive:      true,
		MessageID:      e.messageID,
		PartialContent: e.partial.String(),
	}
}

// Complete removes the conversation's generation without cancelling it. The
// normal-completion path. No-op unless token still owns the entry, so a
// pre-empted generation unwinding late never deletes its successor.
func (r *Registry) Complete(conversationID string, token *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok && e.token == token {
		delete(r.entries, conversationID)
	}
}

// IsActive reports whether a generation is registered for the conversation.
func (r *Registry) IsActive(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[conversationID]
	return ok
}

// Token returns the registered token, or nil.
func (r *Registry) Token(conversationID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok {
		return e.token
	}
	return nil
}
