package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smallnest/planflow/graph"
	"github.com/smallnest/planflow/log"
	"github.com/smallnest/planflow/registry"
	"github.com/smallnest/planflow/service"
)

// Server is the HTTP adapter over the workflow service
type Server struct {
	svc    *service.Service
	router chi.Router
}

// New builds the router around the service
func New(svc *service.Service) *Server {
	s := &Server{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/chat/resume", s.handleResume)
	r.Post("/chat/retry", s.handleRetry)
	r.Get("/chat/history/{thread_id}", s.handleHistory)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler exposes the routed handler for an http.Server
func (s *Server) Handler() http.Handler { return s.router }

// parseChatRequest decodes { request, thread_id?, model?,
// <integration>_token... } and lifts the token fields into per-request
// credentials. Tokens never leave this request's scope.
func parseChatRequest(r *http.Request) (service.Request, error) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return service.Request{}, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}

	out := service.Request{Credentials: registry.Credentials{}}
	for key, val := range raw {
		sv, isString := val.(string)
		switch {
		case key == "request" && isString:
			out.Request = sv
		case key == "thread_id" && isString:
			out.ThreadID = sv
		case key == "model" && isString:
			out.Model = sv
		case strings.HasSuffix(key, "_token") && isString && sv != "":
			out.Credentials[strings.TrimSuffix(key, "_token")] = sv
		}
	}
	if out.Request == "" {
		return service.Request{}, fmt.Errorf("%w: request text is required", service.ErrInvalidInput)
	}
	return out, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(r)
	if err != nil {
		writeError(w, err)
		observe("chat", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		observe("chat", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
	observe("chat", http.StatusOK)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(r)
	if err != nil {
		writeError(w, err)
		observe("chat_stream", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported by this connection"))
		observe("chat_stream", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	activeStreams.Inc()
	defer activeStreams.Dec()

	sink := &sseSink{w: w, flusher: flusher}
	if _, err := s.svc.ExecuteStream(r.Context(), req, sink); err != nil {
		// Already surfaced on the stream as an error frame
		log.Warn("stream request failed: %v", err)
	}
	observe("chat_stream", http.StatusOK)
}

type resumeBody struct {
	ThreadID string `json:"thread_id"`
	Action   string `json:"action"`
	Content  string `json:"content,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", service.ErrInvalidInput, err))
		observe("chat_resume", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Resume(r.Context(), body.ThreadID, body.Action, body.Content, noopSink{})
	if err != nil {
		writeError(w, err)
		observe("chat_resume", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, planResponse{Plan: res.Plan, IsComplete: res.IsComplete})
	observe("chat_resume", http.StatusOK)
}

type retryBody struct {
	ThreadID   string `json:"thread_id"`
	StepNumber int    `json:"step_number"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body retryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", service.ErrInvalidInput, err))
		observe("chat_retry", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Retry(r.Context(), body.ThreadID, body.StepNumber, noopSink{})
	if err != nil {
		writeError(w, err)
		observe("chat_retry", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, planResponse{Plan: res.Plan, IsComplete: res.IsComplete})
	observe("chat_retry", http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	view, err := s.svc.History(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		observe("chat_history", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
	observe("chat_history", http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type planResponse struct {
	Plan       *graph.Plan `json:"plan"`
	IsComplete bool        `json:"is_complete"`
}

// statusFor maps the error taxonomy to HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, graph.ErrStepOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrStateMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// noopSink discards frames on the synchronous endpoints
type noopSink struct{}

func (noopSink) Send(any) error { return nil }
