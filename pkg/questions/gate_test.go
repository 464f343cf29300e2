package questions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
)

// emitRecorder collects emitted questions in order.
type emitRecorder struct {
	mu      sync.Mutex
	emitted []string // question ids in activation order
	titles  []string
	byTitle map[string]string // title -> question id
}

func newEmitRecorder() *emitRecorder {
	return &emitRecorder{byTitle: make(map[string]string)}
}

func (r *emitRecorder) emit(questionID string, payload Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, questionID)
	r.titles = append(r.titles, payload.Title)
	r.byTitle[payload.Title] = questionID
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emitted)
}

func (r *emitRecorder) idFor(title string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTitle[title]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestAsk_AnswerResolves(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	type result struct {
		answer Answer
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ans, err := g.Ask(context.Background(), "c1", Payload{Title: "Proceed?"}, rec.emit, time.Minute)
		done <- result{ans, err}
	}()

	waitFor(t, func() bool { return rec.count() == 1 })

	err := g.Answer(rec.idFor("Proceed?"), "c1", Answer{SelectedOptionID: "ok"})
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "ok", res.answer.SelectedOptionID)
}

func TestAsk_FIFOWithinConversation(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	answers := make(chan Answer, 2)
	ask := func(title string) {
		ans, err := g.Ask(context.Background(), "c1", Payload{Title: title}, rec.emit, time.Minute)
		require.NoError(t, err)
		answers <- ans
	}
	go ask("Q1")
	waitFor(t, func() bool { return rec.count() == 1 })
	go ask("Q2")

	// Q2 is buffered: exactly one emit before the first answer.
	waitFor(t, func() bool { return g.PendingCount("c1") == 2 })
	assert.Equal(t, 1, rec.count())

	require.NoError(t, g.Answer(rec.idFor("Q1"), "c1", Answer{SelectedOptionID: "ok"}))
	first := <-answers
	assert.Equal(t, "ok", first.SelectedOptionID)

	// Answering the head activates Q2.
	waitFor(t, func() bool { return rec.count() == 2 })
	assert.Equal(t, []string{"Q1", "Q2"}, rec.titles)

	require.NoError(t, g.Answer(rec.idFor("Q2"), "c1", Answer{SelectedOptionID: "later"}))
	second := <-answers
	assert.Equal(t, "later", second.SelectedOptionID)
}

func TestAnswer_ConversationMismatch(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Ask(context.Background(), "c1", Payload{Title: "Q"}, rec.emit, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return rec.count() == 1 })

	err := g.Answer(rec.idFor("Q"), "other-conversation", Answer{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	err = g.Answer("no-such-id", "c1", Answer{})
	assert.True(t, apperrors.IsNotFound(err))

	// The real question is still answerable.
	require.NoError(t, g.Answer(rec.idFor("Q"), "c1", Answer{}))
	require.NoError(t, <-errCh)
}

func TestCancelConversation(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	errs := make(chan error, 2)
	for _, title := range []string{"Q1", "Q2"} {
		title := title
		go func() {
			_, err := g.Ask(context.Background(), "c1", Payload{Title: title}, rec.emit, time.Minute)
			errs <- err
		}()
		waitFor(t, func() bool { return g.PendingCount("c1") > 0 })
	}
	waitFor(t, func() bool { return g.PendingCount("c1") == 2 })

	g.CancelConversation("c1")

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.True(t, apperrors.IsCancelled(err))
	}
	assert.Equal(t, 0, g.PendingCount("c1"))
}

func TestAsk_Timeout(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	_, err := g.Ask(context.Background(), "c1", Payload{Title: "Q"}, rec.emit, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
	assert.Equal(t, 0, g.PendingCount("c1"))
}

func TestAsk_TimeoutActivatesNext(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	go func() {
		_, _ = g.Ask(context.Background(), "c1", Payload{Title: "Q1"}, rec.emit, 30*time.Millisecond)
	}()
	waitFor(t, func() bool { return rec.count() == 1 })

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Ask(context.Background(), "c1", Payload{Title: "Q2"}, rec.emit, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return g.PendingCount("c1") == 2 })

	// Q1 expires; Q2 becomes the active head.
	waitFor(t, func() bool { return rec.count() == 2 })
	assert.Equal(t, "Q2", rec.titles[1])

	require.NoError(t, g.Answer(rec.idFor("Q2"), "c1", Answer{}))
	require.NoError(t, <-errCh)
}

func TestAsk_ContextCancelled(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Ask(ctx, "c1", Payload{Title: "Q"}, rec.emit, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return rec.count() == 1 })

	cancel()
	err := <-errCh
	require.Error(t, err)
	assert.True(t, apperrors.IsCancelled(err))
}

func TestConversationsIndependent(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	for _, conv := range []string{"c1", "c2"} {
		conv := conv
		go func() {
			_, _ = g.Ask(context.Background(), conv, Payload{Title: "Q-" + conv}, rec.emit, time.Minute)
		}()
	}

	// Both heads are active: one visible question per conversation.
	waitFor(t, func() bool { return rec.count() == 2 })
}

func TestExpireStale_SkipsExpiredSuccessors(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	// Q1 and Q2 share a short deadline; Q3 outlives the sweep.
	errs := make(chan error, 3)
	queue := func(title string, ttl time.Duration) {
		go func() {
			_, err := g.Ask(context.Background(), "c1", Payload{Title: title}, rec.emit, ttl)
			errs <- err
		}()
	}
	queue("Q1", time.Minute)
	waitFor(t, func() bool { return g.PendingCount("c1") == 1 })
	queue("Q2", time.Minute)
	waitFor(t, func() bool { return g.PendingCount("c1") == 2 })
	queue("Q3", 10*time.Minute)
	waitFor(t, func() bool { return g.PendingCount("c1") == 3 })
	assert.Equal(t, []string{"Q1"}, rec.titles)

	g.nowFn = func() time.Time { return time.Now().Add(2 * time.Minute) }
	g.ExpireStale()

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.True(t, apperrors.IsTimeout(err))
	}

	// Q2 expired in the same sweep and must never have been shown.
	waitFor(t, func() bool { return rec.count() == 2 })
	assert.Equal(t, []string{"Q1", "Q3"}, rec.titles)

	require.NoError(t, g.Answer(rec.idFor("Q3"), "c1", Answer{SelectedOptionID: "ok"}))
	require.NoError(t, <-errs)
	assert.Equal(t, 0, g.PendingCount("c1"))
}

func TestExpireStale(t *testing.T) {
	g := NewGate(nil)
	rec := newEmitRecorder()

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Ask(context.Background(), "c1", Payload{Title: "Q"}, rec.emit, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return rec.count() == 1 })

	// Move the clock past the deadline and sweep.
	g.nowFn = func() time.Time { return time.Now().Add(2 * time.Minute) }
	g.ExpireStale()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
}
