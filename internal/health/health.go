package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

var errNotReady = errors.New("not ready")

// Checker is implemented by ServiceChecker
type Checker interface {
	IsHealthy(ctx context.Context) bool
	IsReady(ctx context.Context) bool
	Status(ctx context.Context) map[string]string
}

// Server serves /healthz and /readyz
type Server struct {
	checker Checker
	logger  *slog.Logger
}

// NewServer creates a new health server
func NewServer(checker Checker, logger *slog.Logger) *Server {
	return &Server{checker: checker, logger: logger}
}

// Response is the body of both endpoints
type Response struct {
	OK         bool              `json:"ok"`
	Message    string            `json:"message,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Server) write(w http.ResponseWriter, ok bool, message string, components map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	resp := Response{OK: ok, Components: components}
	if !ok {
		status = http.StatusServiceUnavailable
		resp.Message = message
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}

// healthzHandler returns 200 while every required component is up
func (h *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.checker.IsHealthy(r.Context()), "Service unhealthy", nil)
}

// readyzHandler returns 200 once every component is up
func (h *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.write(w, h.checker.IsReady(ctx), "Service not ready", h.checker.Status(ctx))
}

// RegisterRoutes registers all health check routes
func (h *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.healthzHandler)
	r.Get("/readyz", h.readyzHandler)
}
