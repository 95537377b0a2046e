package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proctorhub/internal/pipeline"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Stats is the slice of the hub the API needs for health reporting.
type Stats interface {
	GetStats() map[string]int64
}

// Server is the HTTP surface: detector ingest, session lifecycle, and
// the monitoring read API. No business logic lives here, only HTTP
// handling and JSON serialization.
type Server struct {
	sessions *session.Manager
	pipeline *pipeline.Pipeline
	store    interfaces.SessionStore
	hub      Stats
	logger   *slog.Logger
	router   *http.ServeMux
}

func NewServer(sessions *session.Manager, p *pipeline.Pipeline, store interfaces.SessionStore, hub Stats, logger *slog.Logger) *Server {
	s := &Server{
		sessions: sessions,
		pipeline: p,
		store:    store,
		hub:      hub,
		logger:   logger,
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/detections", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleDetections))))
	s.router.Handle("/api/heartbeat", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleHeartbeat))))
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/api/events/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleEventByID))))
	s.router.Handle("/api/warnings", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleWarnings))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type StartSessionRequest struct {
	UserID string `json:"user_id"`
	ExamID string `json:"exam_id"`
}

type SessionResponse struct {
	Session *types.ExamSession `json:"session"`
}

type ListActiveSessionsResponse struct {
	Sessions []types.ActiveSession `json:"sessions"`
}

type DetectionResponse struct {
	Persisted int                      `json:"persisted"`
	Events    []*types.ProctoringEvent `json:"events,omitempty"`
}

type SessionEventsResponse struct {
	Events []*types.ProctoringEvent `json:"events"`
}

type HeartbeatRequest struct {
	SessionID string `json:"session_id"`
}

type TerminateSessionRequest struct {
	ReviewedBy string `json:"reviewed_by"`
	Notes      string `json:"notes"`
}

type WarningRequest struct {
	ExamID  string `json:"exam_id"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type WarningResponse struct {
	Delivered bool `json:"delivered"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Database  string           `json:"database"`
	Hub       map[string]int64 `json:"hub"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/detections - one detection report from the analysis
// collaborator.
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var report types.DetectionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	events, err := s.pipeline.Process(r.Context(), &report)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	s.encode(w, DetectionResponse{Persisted: len(events), Events: events})
}

// POST /api/heartbeat - client liveness ping for a session.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		s.sendError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	if err := s.sessions.Heartbeat(r.Context(), req.SessionID); err != nil {
		s.sendMappedError(w, err)
		return
	}

	s.encode(w, map[string]string{"status": "ok"})
}

// POST /api/sessions and GET /api/sessions?exam_id=
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.startSession(w, r)
	case http.MethodGet:
		s.listActiveSessions(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.StartSession(r.Context(), req.UserID, req.ExamID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.encode(w, SessionResponse{Session: sess})
}

func (s *Server) listActiveSessions(w http.ResponseWriter, r *http.Request) {
	examID := r.URL.Query().Get("exam_id")
	if examID != "" && !types.IsValidExamID(examID) {
		s.sendError(w, "Invalid exam_id format", http.StatusBadRequest)
		return
	}

	active, err := s.sessions.ListActiveSessions(r.Context(), examID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	s.encode(w, ListActiveSessionsResponse{Sessions: active})
}

// GET /api/sessions/{id}, GET /api/sessions/{id}/events,
// POST /api/sessions/{id}/terminate, POST /api/sessions/{id}/complete
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	sessionID := parts[0]
	if sessionID == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		s.getSession(w, r, sessionID)
	case r.Method == http.MethodGet && action == "events":
		s.getSessionEvents(w, r, sessionID)
	case r.Method == http.MethodPost && action == "terminate":
		s.terminateSession(w, r, sessionID)
	case r.Method == http.MethodPost && action == "complete":
		s.completeSession(w, r, sessionID)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.encode(w, SessionResponse{Session: sess})
}

func (s *Server) getSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	events, err := s.sessions.GetSessionHistory(r.Context(), sessionID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	if events == nil {
		events = []*types.ProctoringEvent{}
	}
	s.encode(w, SessionEventsResponse{Events: events})
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req TerminateSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := s.sessions.TerminateSession(r.Context(), sessionID, req.ReviewedBy, req.Notes)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.encode(w, SessionResponse{Session: sess})
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.sessions.CompleteSession(r.Context(), sessionID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.encode(w, SessionResponse{Session: sess})
}

// POST /api/events/{id}/review - flip the reviewed flag.
func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	eventID := parts[0]
	if eventID == "" {
		s.sendError(w, "Event ID required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost || len(parts) < 2 || parts[1] != "review" {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.sessions.MarkEventReviewed(r.Context(), eventID); err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.encode(w, map[string]string{"status": "reviewed"})
}

// POST /api/warnings - push an admin warning to a connected user.
func (s *Server) handleWarnings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req WarningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.UserID) {
		s.sendError(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}
	if !types.IsValidExamID(req.ExamID) {
		s.sendError(w, "Invalid exam_id format", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.sendError(w, "message is required", http.StatusBadRequest)
		return
	}

	delivered := s.sessions.SendWarning(req.ExamID, req.UserID, req.Message)
	s.encode(w, WarningResponse{Delivered: delivered})
}

// GET /health - liveness plus dependency checks.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		Hub:       s.hub.GetStats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.encode(w, response)
}

// sendMappedError translates sentinel errors into HTTP status codes.
func (s *Server) sendMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrSessionNotFound), errors.Is(err, types.ErrEventNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrSessionConflict), errors.Is(err, session.ErrSessionAlreadyEnded):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrInvalidUserID), errors.Is(err, types.ErrInvalidExamID),
		errors.Is(err, types.ErrInvalidSeverity), errors.Is(err, types.ErrInvalidRole):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) encode(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
