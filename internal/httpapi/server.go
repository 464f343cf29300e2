// Package httpapi exposes the daemon's REST surface: message submission,
// question answers, abort, conversation teardown, and a per-conversation SSE
// event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/agentrun-dev/agentrun/go/pkg/app/errors"
	"github.com/agentrun-dev/agentrun/go/pkg/events"
	"github.com/agentrun-dev/agentrun/go/pkg/generation"
	"github.com/agentrun-dev/agentrun/go/pkg/questions"
	"github.com/agentrun-dev/agentrun/go/pkg/store"
)

// Orchestrator is the turn-processing surface the API fronts.
type Orchestrator interface {
	ProcessUserMessage(ctx context.Context, conversationID, content string) error
	Abort(conversationID string) generation.AbortResult
	CloseConversation(ctx context.Context, conversationID string)
}

// QuestionGate resolves pending interactive questions.
type QuestionGate interface {
	Answer(questionID, conversationID string, answer questions.Answer) error
	CancelConversation(conversationID string)
}

// ProjectStore is the project CRUD surface.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *store.Project) error
	ListProjects(ctx context.Context) ([]store.Project, error)
}

// Server wires the HTTP routes to the core components.
type Server struct {
	orchestrator Orchestrator
	gate         QuestionGate
	projects     ProjectStore
	hub          *events.Hub
	logger       *zap.Logger
}

// NewServer creates the API server.
func NewServer(o Orchestrator, gate QuestionGate, projects ProjectStore, hub *events.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orchestrator: o,
		gate:         gate,
		projects:     projects,
		hub:          hub,
		logger:       logger.With(zap.String("component", "httpapi")),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/conversations/{conversationId}/messages", s.handlePostMessage).Methods("POST")
	api.HandleFunc("/conversations/{conversationId}/questions/{questionId}/answer", s.handleAnswerQuestion).Methods("POST")
	api.HandleFunc("/conversations/{conversationId}/abort", s.handleAbort).Methods("POST")
	api.HandleFunc("/conversations/{conversationId}/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/conversations/{conversationId}", s.handleDeleteConversation).Methods("DELETE")
	api.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	api.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// handlePostMessage accepts a user message and returns immediately; the
// response streams over the conversation's event channel.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := s.orchestrator.ProcessUserMessage(r.Context(), conversationID, req.Content); err != nil {
		s.writeInternalError(w, "failed to accept message", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"conversationId": conversationID})
}

type answerRequest struct {
	SelectedOptionID string `json:"selectedOptionId,omitempty"`
	Text             string `json:"text,omitempty"`
}

func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.gate.Answer(vars["questionId"], vars["conversationId"], questions.Answer{
		SelectedOptionID: req.SelectedOptionID,
		Text:             req.Text,
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "no such pending question")
			return
		}
		s.writeInternalError(w, "failed to resolve question", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type abortResponse struct {
	WasActive      bool   `json:"wasActive"`
	MessageID      string `json:"messageId,omitempty"`
	PartialContent string `json:"partialContent,omitempty"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	result := s.orchestrator.Abort(mux.Vars(r)["conversationId"])
	writeJSON(w, http.StatusOK, abortResponse{
		WasActive:      result.WasActive,
		MessageID:      result.MessageID,
		PartialContent: result.PartialContent,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.CloseConversation(r.Context(), mux.Vars(r)["conversationId"])
	w.WriteHeader(http.StatusNoContent)
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project := &store.Project{ID: uuid.NewString(), Name: req.Name}
	if err := s.projects.CreateProject(r.Context(), project); err != nil {
		s.writeInternalError(w, "failed to create project", err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.ListProjects(r.Context())
	if err != nil {
		s.writeInternalError(w, "failed to list projects", err)
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// handleEvents streams the conversation's events as SSE. When the client
// disconnects, its pending questions are cancelled so turn tasks blocked on
// them unwind instead of waiting out the TTL.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := s.hub.Subscribe(conversationID)
	defer func() {
		s.hub.Unsubscribe(conversationID, ch)
		s.gate.CancelConversation(conversationID)
	}()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				s.logger.Warn("failed to marshal event payload",
					zap.String("event", event.Name), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data)
			flusher.Flush()
		}
	}
}

// writeInternalError logs the cause under a correlation id and returns a
// generic message to the client.
func (s *Server) writeInternalError(w http.ResponseWriter, msg string, err error) {
	correlationID := uuid.NewString()
	s.logger.Error(msg, zap.String("correlation_id", correlationID), zap.Error(err))
	writeError(w, http.StatusInternalServerError,
		fmt.Sprintf("internal error (reference: %s)", correlationID))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
