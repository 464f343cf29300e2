// Package questions serializes interactive, answer-blocking prompts so a user
// is never shown two simultaneous questions for the same conversation.
package questions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
)

// DefaultTTL is how long a question waits for an answer before expiring.
const DefaultTTL = 5 * time.Minute

var (
	questionsAsked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_questions_asked_total",
		Help: "Total number of questions queued for a user.",
	})
	questionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_questions_expired_total",
		Help: "Total number of questions that expired unanswered.",
	})
)

// Option is one selectable choice presented with a question.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Payload is the user-facing content of a question.
type Payload struct {
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// Answer is the user's response to a question.
type Answer struct {
	SelectedOptionID string `json:"selectedOptionId,omitempty"`
	Text             string `json:"text,omitempty"`
}

// EmitFunc delivers an activated question to the user. Only the head of each
// conversation's queue is ever emitted.
type EmitFunc func(questionID string, payload Payload)

type outcome struct {
	answer Answer
	err    error
}

type pending struct {
	id             string
	conversationID string
	payload        Payload
	emit           EmitFunc
	createdAt      time.Time
	expiresAt      time.Time
	done           chan outcome
}

// Gate is a per-conversation FIFO queue of blocking question/answer exchanges.
type Gate struct {
	mu     sync.Mutex
	queues map[string][]*pending // conversation id -> ordered entries
	byID   map[string]*pending
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewGate creates a question gate.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		queues: make(map[string][]*pending),
		byID:   make(map[string]*pending),
		logger: logger.With(zap.String("component", "question-gate")),
		nowFn:  time.Now,
	}
}

// Ask queues a question for the conversation and blocks until it is answered,
// expires, or ctx is cancelled. If the queue was empty the question is emitted
// immediately; otherwise it activates when the entries ahead of it resolve.
func (g *Gate) Ask(ctx context.Context, conversationID string, payload Payload, emit EmitFunc, ttl time.Duration) (Answer, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.nowFn()

	g.mu.Lock()
	promoted := g.expireConversationLocked(conversationID, now)

	p := &pending{
		id:             uuid.NewString(),
		conversationID: conversationID,
		payload:        payload,
		emit:           emit,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		done:           make(chan outcome, 1),
	}
	g.queues[conversationID] = append(g.queues[conversationID], p)
	g.byID[p.id] = p
	isHead := len(g.queues[conversationID]) == 1
	g.mu.Unlock()

	questionsAsked.Inc()
	if promoted != nil {
		g.safeEmit(promoted)
	}
	if isHead {
		g.safeEmit(p)
	}

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.answer, out.err
	case <-timer.C:
		g.withdraw(p, apperrors.New(apperrors.ErrCodeTimeout,
			"question expired before it was answered", nil))
		questionsExpired.Inc()
		out := <-p.done
		return out.answer, out.err
	case <-ctx.Done():
		g.withdraw(p, apperrors.New(apperrors.ErrCodeCancelled,
			"question cancelled", ctx.Err()))
		out := <-p.done
		return out.answer, out.err
	}
}

// Answer resolves a pending question by id. The conversation id must match the
// one the question was asked for.
func (g *Gate) Answer(questionID, conversationID string, answer Answer) error {
	g.mu.Lock()
	p, ok := g.byID[questionID]
	if !ok || p.conversationID != conversationID {
		g.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeNotFound,
			fmt.Sprintf("no pending question %q for this conversation", questionID), nil)
	}
	next := g.removeLocked(p)
	g.mu.Unlock()

	p.done <- outcome{answer: answer}
	if next != nil {
		g.safeEmit(next)
	}
	return nil
}

// CancelConversation rejects every pending question for the conversation.
// Used when the owning connection closes.
func (g *Gate) CancelConversation(conversationID string) {
	g.mu.Lock()
	entries := g.queues[conversationID]
	delete(g.queues, conversationID)
	for _, p := range entries {
		delete(g.byID, p.id)
	}
	g.mu.Unlock()

	for _, p := range entries {
		p.done <- outcome{err: apperrors.New(apperrors.ErrCodeCancelled,
			"conversation closed", nil)}
	}
}

// ExpireStale rejects every question past its deadline, across all
// conversations. Called periodically by the composition root.
func (g *Gate) ExpireStale() {
	now := g.nowFn()
	g.mu.Lock()
	var conversations []string
	for id := range g.queues {
		conversations = append(conversations, id)
	}
	var activations []*pending
	for _, id := range conversations {
		if next := g.expireConversationLocked(id, now); next != nil {
			activations = append(activations, next)
		}
	}
	g.mu.Unlock()

	for _, p := range activations {
		g.safeEmit(p)
	}
}

// PendingCount returns the number of queued questions for a conversation.
func (g *Gate) PendingCount(conversationID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues[conversationID])
}

// expireConversationLocked rejects expired entries and returns the surviving
// new head, if the head changed, to be emitted after the lock is released.
// Activation is decided only after every expired entry is gone, so a question
// rejected in the same sweep is never shown to the user.
func (g *Gate) expireConversationLocked(conversationID string, now time.Time) *pending {
	queue := g.queues[conversationID]
	if len(queue) == 0 {
		return nil
	}
	head := queue[0]

	kept := queue[:0]
	for _, p := range queue {
		if !now.After(p.expiresAt) {
			kept = append(kept, p)
			continue
		}
		delete(g.byID, p.id)
		questionsExpired.Inc()
		p.done <- outcome{err: apperrors.New(apperrors.ErrCodeTimeout,
			"question expired before it was answered", nil)}
	}

	if len(kept) == 0 {
		delete(g.queues, conversationID)
		return nil
	}
	g.queues[conversationID] = kept
	if kept[0] != head {
		return kept[0]
	}
	return nil
}

// removeLocked removes an entry from its queue and returns the new head when
// the removed entry was active.
func (g *Gate) removeLocked(p *pending) *pending {
	delete(g.byID, p.id)
	queue := g.queues[p.conversationID]
	for i, entry := range queue {
		if entry.id != p.id {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(g.queues, p.conversationID)
		} else {
			g.queues[p.conversationID] = queue
		}
		if i == 0 && len(queue) > 0 {
			return queue[0]
		}
		return nil
	}
	return nil
}

// withdraw removes an entry (if still pending) and rejects it with err. The
// entry may already have been resolved by a racing Answer; in that case the
// resolution in the channel wins.
func (g *Gate) withdraw(p *pending, err error) {
	g.mu.Lock()
	_, stillPending := g.byID[p.id]
	var next *pending
	if stillPending {
		next = g.removeLocked(p)
	}
	g.mu.Unlock()

	if stillPending {
		p.done <- outcome{err: err}
	}
	if next != nil {
		g.safeEmit(next)
	}
}

// safeEmit invokes the caller-supplied emit callback, isolating the gate from
// panics in the delivery path.
func (g *Gate) safeEmit(p *pending) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("question emit panicked",
				zap.String("question_id", p.id),
				zap.String("conversation_id", p.conversationID),
				zap.Any("panic", r))
		}
	}()
	if p.emit != nil {
		p.emit(p.id, p.payload)
	}
}
