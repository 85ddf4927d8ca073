// Package adminapi implements AdminAPI (spec §10.3/§13): a minimal
// HTTP surface — /status, /feedback, /reconcile — sitting in front of
// FeedbackLoop and the reconciliation job described by spec §4.12.
// Only the interface contract is in scope, not a dashboard. Grounded
// on the teacher's internal/api.Server: same http.ServeMux + logging
// middleware + writeJSON helper shape, trimmed to three routes.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/radarcore/termind/internal/appointment"
	"github.com/radarcore/termind/internal/buildinfo"
	"github.com/radarcore/termind/internal/feedback"
	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/store"
)

// CalendarSink is the narrow dependency reconciliation needs to repair
// drift on appointments flagged pending_sync.
type CalendarSink interface {
	Update(ctx context.Context, a store.Appointment, participantNames []string) error
}

// Server is the admin HTTP server.
type Server struct {
	address  string
	port     int
	loop     *feedback.Loop
	appts    *appointment.Store
	memory   *memoryclient.Client
	calendar CalendarSink
	logger   *slog.Logger
	server   *http.Server
}

// New creates a Server. memory and calendar may be nil, in which case
// the corresponding status field / reconciliation step is skipped.
func New(address string, port int, loop *feedback.Loop, appts *appointment.Store, memory *memoryclient.Client, calendar CalendarSink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address, port: port, loop: loop, appts: appts,
		memory: memory, calendar: calendar,
		logger: logger.With("component", "admin_api"),
	}
}

// Start begins serving HTTP requests; it blocks until the server stops
// or errors.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("POST /reconcile", s.handleReconcile)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting admin api", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write json response", "error", err)
	}
}

// statusResponse is the /status payload.
type statusResponse struct {
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	MemoryUp    bool   `json:"memory_connected,omitempty"`
	MemoryMs    int64  `json:"memory_latency_ms,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
	}
	if s.memory != nil {
		health := s.memory.Health(r.Context())
		resp.MemoryUp = health.Connected
		resp.MemoryMs = health.LatencyMs
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// feedbackRequest is the /feedback request body.
type feedbackRequest struct {
	AppointmentID string `json:"appointment_id"`
	Action        string `json:"action"`
	Correction    string `json:"correction,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"}, s.logger)
		return
	}
	if req.AppointmentID == "" || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "appointment_id and action are required"}, s.logger)
		return
	}

	result, err := s.loop.Apply(r.Context(), feedback.Request{
		AppointmentID: req.AppointmentID,
		Action:        req.Action,
		Correction:    req.Correction,
		Reason:        req.Reason,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, result, s.logger)
}

// reconcileResponse summarizes what the reconciliation pass did.
type reconcileResponse struct {
	ExpiredSuggestions []string `json:"expired_suggestions"`
	ResyncedCount      int      `json:"resynced_count"`
	ResyncErrors       int      `json:"resync_errors"`
}

// handleReconcile runs the out-of-hot-path reconciliation job (spec
// §4.12): expires stale suggestions older than 30 days, and retries
// calendar sync for every appointment flagged pending_sync.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	expired, err := s.appts.ExpireStaleSuggestions(30 * 24 * time.Hour)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
		return
	}

	resp := reconcileResponse{ExpiredSuggestions: expired}

	if s.calendar != nil {
		pending, err := s.appts.PendingSync()
		if err != nil {
			s.logger.Warn("reconcile: load pending_sync appointments failed", "error", err)
		}
		for _, a := range pending {
			if err := s.calendar.Update(r.Context(), a, a.Participants); err != nil {
				resp.ResyncErrors++
				s.logger.Warn("reconcile: calendar resync failed", "appointment_id", a.ID, "error", err)
				continue
			}
			resp.ResyncedCount++
		}
	}

	writeJSON(w, http.StatusOK, resp, s.logger)
}

