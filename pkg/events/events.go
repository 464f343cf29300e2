// Package events delivers progress notifications to the requester. Emission
// is fire-and-forget: a failing or panicking sink must never throw back into
// the core.
package events

import (
	"go.uber.org/zap"
)

// Event names emitted by the orchestrator.
const (
	TitleUpdated        = "title.updated"
	MessageUpdated      = "message.updated"
	QuestionAsked       = "question.asked"
	GenerationCompleted = "generation.completed"
	GenerationStopped   = "generation.stopped"
	GenerationError     = "generation.error"
	BackgroundError     = "background.error"
)

// Sink receives named events with a JSON-serializable payload.
type Sink interface {
	Emit(event string, payload any)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event string, payload any)

func (f SinkFunc) Emit(event string, payload any) { f(event, payload) }

type guarded struct {
	inner  Sink
	logger *zap.Logger
}

// Guarded wraps a sink so panics in the delivery path are contained and
// logged instead of propagating into the emitting component.
func Guarded(inner Sink, logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guarded{inner: inner, logger: logger}
}

func (g *guarded) Emit(event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("event sink panicked",
				zap.String("event", event), zap.Any("panic", r))
		}
	}()
	if g.inner != nil {
		g.inner.Emit(event, payload)
	}
}
