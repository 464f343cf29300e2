package agent

import (
	"context"
	"time"
)

// ScriptedEngine replays a fixed sequence of tool calls and chunks. Used in
// tests and as a no-network fallback when no provider is configured.
type ScriptedEngine struct {
	// Calls are dispatched through the request's handler before any chunks
	// are emitted.
	Calls []ToolCall
	// Chunks are emitted in order, pausing Delay between each.
	Chunks []Chunk
	Delay  time.Duration
	// Err, when set, is returned after the script finishes.
	Err error
}

func (s *ScriptedEngine) Run(ctx context.Context, req Request, out chan<- Chunk) error {
	for _, call := range s.Calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if req.Handler != nil {
			_, _ = req.Handler(ctx, call)
		}
	}
	for _, chunk := range s.Chunks {
		if s.Delay > 0 {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err
}
