// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"strconv"
	"time"

	"grimm.is/nds/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AlertFilter{
		Severity: q.Get("severity"),
		Status:   q.Get("status"),
		Limit:    intParam(q.Get("limit"), defaultPageSize, maxPageSize),
		Offset:   intParam(q.Get("offset"), 0, 1<<30),
	}

	alerts, err := s.store.Alerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("alert query failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "alert query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r.URL.Query().Get("hours"), 24, 24*365)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	stats, err := s.store.AlertStats(r.Context(), since)
	if err != nil {
		s.logger.Error("alert stats query failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "alert stats query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), defaultPageSize, maxPageSize)
	offset := intParam(q.Get("offset"), 0, 1<<30)

	flows, err := s.store.RecentFlows(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("flow query failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "flow query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"flows": flows,
		"count": len(flows),
	})
}

func (s *Server) handleThreatScore(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondWithError(w, http.StatusServiceUnavailable, "threat score unavailable, redis down")
		return
	}
	score, err := s.bus.ThreatScore(r.Context())
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "threat score unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]float64{"threat_score": score})
}

// intParam parses a positive integer query value, falling back to def
// and capping at max.
func intParam(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
