// Package api exposes scans, modules and finding types over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisflux/scanengine/internal/health"
	"github.com/aegisflux/scanengine/internal/scan"
	"github.com/aegisflux/scanengine/internal/store"
)

// Server is the engine's HTTP API
type Server struct {
	r        *chi.Mux
	coord    *scan.Coordinator
	store    *store.MemoryStore
	health   *health.Server
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer wires the routes. checker and gatherer may be nil.
func NewServer(coord *scan.Coordinator, st *store.MemoryStore, checker health.Checker, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		r:        chi.NewRouter(),
		coord:    coord,
		store:    st,
		gatherer: gatherer,
		logger:   logger,
	}
	if checker != nil {
		s.health = health.NewServer(checker, logger)
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Logger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	if s.health != nil {
		s.health.RegisterRoutes(s.r)
	}
	if s.gatherer != nil {
		s.r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.r.Route("/scans", func(r chi.Router) {
		r.Post("/", s.startScan)
		r.Get("/", s.listScans)
		r.Get("/{id}", s.getScan)
		r.Post("/{id}/abort", s.abortScan)
		r.Get("/{id}/findings", s.getFindings)
	})

	s.r.Get("/modules", s.listModules)
	s.r.Get("/modules/graph", s.moduleGraph)
	s.r.Get("/types", s.listTypes)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, errorResponse{Error: msg}, code)
}
