package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
	"github.com/agentrun-dev/agentrun/go/pkg/events"
	"github.com/agentrun-dev/agentrun/go/pkg/generation"
	"github.com/agentrun-dev/agentrun/go/pkg/questions"
	"github.com/agentrun-dev/agentrun/go/pkg/store"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	processed []string
	aborted   []string
	closed    []string
	abort     generation.AbortResult
}

func (f *fakeOrchestrator) ProcessUserMessage(_ context.Context, conversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, conversationID+":"+content)
	return nil
}

func (f *fakeOrchestrator) Abort(conversationID string) generation.AbortResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, conversationID)
	return f.abort
}

func (f *fakeOrchestrator) CloseConversation(_ context.Context, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conversationID)
}

type fakeGate struct {
	mu        sync.Mutex
	answers   []string
	answerErr error
	cancelled []string
}

func (f *fakeGate) Answer(questionID, conversationID string, _ questions.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, questionID+":"+conversationID)
	return f.answerErr
}

func (f *fakeGate) CancelConversation(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, conversationID)
}

type fakeProjects struct {
	mu       sync.Mutex
	projects []store.Project
}

func (f *fakeProjects) CreateProject(_ context.Context, p *store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, *p)
	return nil
}

func (f *fakeProjects) ListProjects(context.Context) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Project(nil), f.projects...), nil
}

func newTestServer() (*Server, *fakeOrchestrator, *fakeGate, *fakeProjects, *events.Hub) {
	o := &fakeOrchestrator{}
	gate := &fakeGate{}
	projects := &fakeProjects{}
	hub := events.NewHub()
	return NewServer(o, gate, projects, hub, nil), o, gate, projects, hub
}

func TestPostMessage(t *testing.T) {
	server, o, _, _, _ := newTestServer()

	req := httptest.NewRequest("POST", "/api/v1/conversations/c1/messages",
		strings.NewReader(`{"content":"hello"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"c1:hello"}, o.processed)
}

func TestPostMessage_EmptyContent(t *testing.T) {
	server, o, _, _, _ := newTestServer()

	req := httptest.NewRequest("POST", "/api/v1/conversations/c1/messages",
		strings.NewReader(`{"content":""}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, o.processed)
}

func TestAnswerQuestion(t *testing.T) {
	server, _, gate, _, _ := newTestServer()

	req := httptest.NewRequest("POST", "/api/v1/conversations/c1/questions/q1/answer",
		strings.NewReader(`{"selectedOptionId":"allow"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"q1:c1"}, gate.answers)
}

func TestAnswerQuestion_NotFound(t *testing.T) {
	server, _, gate, _, _ := newTestServer()
	gate.answerErr = apperrors.New(apperrors.ErrCodeNotFound, "no such question", nil)

	req := httptest.NewRequest("POST", "/api/v1/conversations/c1/questions/q1/answer",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbort(t *testing.T) {
	server, o, _, _, _ := newTestServer()
	o.abort = generation.AbortResult{WasActive: true, MessageID: "m1", PartialContent: "partial"}

	req := httptest.NewRequest("POST", "/api/v1/conversations/c1/abort", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"wasActive":true`)
	assert.Contains(t, rec.Body.String(), `"messageId":"m1"`)
	assert.Equal(t, []string{"c1"}, o.aborted)
}

func TestDeleteConversation(t *testing.T) {
	server, o, _, _, _ := newTestServer()

	req := httptest.NewRequest("DELETE", "/api/v1/conversations/c1", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"c1"}, o.closed)
}

func TestProjects(t *testing.T) {
	server, _, _, projects, _ := newTestServer()

	req := httptest.NewRequest("POST", "/api/v1/projects", strings.NewReader(`{"name":"demo"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, projects.projects, 1)
	assert.Equal(t, "demo", projects.projects[0].Name)

	req = httptest.NewRequest("GET", "/api/v1/projects", nil)
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo")
}

func TestHealth(t *testing.T) {
	server, _, _, _, _ := newTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestEvents_StreamsAndCancelsOnDisconnect(t *testing.T) {
	server, _, gate, _, hub := newTestServer()

	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/conversations/c1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the server-side subscription picks one up; subscription
	// registration races with the response headers arriving.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish("c1", events.Event{Name: "title.updated", Payload: map[string]string{"title": "x"}})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "title.updated", strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
			break
		}
	}

	// Disconnect tears down the subscription and cancels pending questions.
	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		gate.mu.Lock()
		n := len(gate.cancelled)
		gate.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Contains(t, gate.cancelled, "c1")
}
