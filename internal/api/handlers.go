package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/scan"
)

const maxRequestBody = 1 << 20

// POST /scans  body: scan.Request
func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	session, err := s.coord.Start(r.Context(), req)
	if err != nil {
		var verr *module.ValidationError
		switch {
		case errors.Is(err, scan.ErrInvalidTarget):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &verr):
			writeJSON(w, errorResponse{Error: err.Error(), Field: verr.Field}, http.StatusUnprocessableEntity)
		case errors.Is(err, scan.ErrConfig):
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, scan.ErrTooManyScans):
			writeError(w, err.Error(), http.StatusTooManyRequests)
		default:
			s.logger.Error("Failed to start scan", "target", req.Target, "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Location", "/scans/"+session.ID)
	writeJSON(w, session.Snapshot(), http.StatusAccepted)
}

// GET /scans[?status=]  running scans first, then ended ones newest first
func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	status := scan.Status(r.URL.Query().Get("status"))

	var running []scan.Snapshot
	seen := make(map[string]bool)
	for _, sess := range s.coord.Active() {
		snap := sess.Snapshot()
		seen[snap.ID] = true
		if status == "" || snap.Status == status {
			running = append(running, snap)
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].StartedAt.After(running[j].StartedAt) })

	out := running
	if s.store != nil {
		for _, snap := range s.store.Scans() {
			if seen[snap.ID] || (status != "" && snap.Status != status) {
				continue
			}
			out = append(out, snap)
		}
	}
	if out == nil {
		out = []scan.Snapshot{}
	}
	writeJSON(w, map[string]any{"scans": out, "count": len(out)}, http.StatusOK)
}

func (s *Server) snapshot(id string) (scan.Snapshot, bool) {
	if sess, ok := s.coord.Get(id); ok {
		return sess.Snapshot(), true
	}
	if s.store != nil {
		return s.store.Scan(id)
	}
	return scan.Snapshot{}, false
}

// GET /scans/{id}
func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.snapshot(id)
	if !ok {
		writeError(w, "scan not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snap, http.StatusOK)
}

// POST /scans/{id}/abort
func (s *Server) abortScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Abort(id); err != nil {
		if snap, ok := s.snapshot(id); ok {
			writeJSON(w, map[string]any{"error": "scan already ended", "scan_id": id, "status": snap.Status}, http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Info("Scan abort requested", "scan_id", id)
	writeJSON(w, map[string]any{"scan_id": id, "status": scan.StatusAborting}, http.StatusAccepted)
}

// GET /scans/{id}/findings[?type=&limit=]
func (s *Server) getFindings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t := model.FindingType(r.URL.Query().Get("type"))

	var findings []*model.Finding
	if sess, ok := s.coord.Get(id); ok {
		for _, f := range sess.Findings() {
			if t == "" || f.Type == t {
				findings = append(findings, f)
			}
		}
	} else if _, ok := s.snapshot(id); ok {
		findings = s.store.Findings(id, t)
	} else {
		writeError(w, "scan not found", http.StatusNotFound)
		return
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(findings) {
			findings = findings[:limit]
		}
	}
	if findings == nil {
		findings = []*model.Finding{}
	}
	writeJSON(w, map[string]any{"scan_id": id, "findings": findings, "count": len(findings)}, http.StatusOK)
}

// GET /modules
func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	descs := s.coord.Registry().Descriptors()
	for i := range descs {
		descs[i].DefaultOptions = redact(descs[i].DefaultOptions, descs[i].KeyOption())
	}
	writeJSON(w, map[string]any{"modules": descs, "count": len(descs)}, http.StatusOK)
}

// GET /modules/graph[?seed=]  with a seed, modules the seed cannot reach are listed
func (s *Server) moduleGraph(w http.ResponseWriter, r *http.Request) {
	g := s.coord.Registry().Graph()
	resp := map[string]any{
		"nodes": g.Nodes(),
		"edges": g.Edges(),
	}
	if seed := model.FindingType(r.URL.Query().Get("seed")); seed != "" {
		if !s.coord.Catalog().Known(seed) {
			writeError(w, "unknown finding type: "+string(seed), http.StatusBadRequest)
			return
		}
		resp["seed"] = seed
		resp["unreachable"] = g.Unreachable(seed)
	}
	writeJSON(w, resp, http.StatusOK)
}

// GET /types
func (s *Server) listTypes(w http.ResponseWriter, r *http.Request) {
	types := s.coord.Catalog().List()
	writeJSON(w, map[string]any{"types": types, "count": len(types)}, http.StatusOK)
}

// redact hides a default API key shipped with a descriptor
func redact(opts module.Options, key string) module.Options {
	if opts.String(key) == "" {
		return opts
	}
	out := opts.Merge(nil)
	out[key] = "********"
	return out
}
