package api

import (
	"net/http"
	"strconv"
	"time"
)

const defaultReconcileLimit = 50

// handleTriggerReconcile runs one reconciliation sweep on demand
func (s *Server) handleTriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_AVAILABLE", "Reconciliation is not available on this instance", nil)
		return
	}

	limit := defaultReconcileLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	report, err := s.reconciler.ReconcileBatch(r.Context(), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleTriggerCleanup runs one cleanup sweep on demand
func (s *Server) handleTriggerCleanup(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_AVAILABLE", "Cleanup is not available on this instance", nil)
		return
	}

	run, err := s.retention.RunBatchCleanup(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, run)
}

// handleEmergencyCleanup deletes artifacts older than the given cutoff,
// bypassing schedules. olderThan is a Go duration, e.g. 72h.
func (s *Server) handleEmergencyCleanup(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_AVAILABLE", "Cleanup is not available on this instance", nil)
		return
	}

	raw := r.URL.Query().Get("olderThan")
	olderThan, err := time.ParseDuration(raw)
	if err != nil || olderThan <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "olderThan must be a positive duration such as 72h", nil)
		return
	}

	run, err := s.retention.EmergencyCleanup(r.Context(), olderThan)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, run)
}

// handleMaintainQuotas recomputes retention for every user over quota
func (s *Server) handleMaintainQuotas(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_AVAILABLE", "Quota maintenance is not available on this instance", nil)
		return
	}

	report, err := s.retention.MaintainAllUserQuotas(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleBreakerStats exposes circuit breaker state
func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_AVAILABLE", "Breaker stats are not available on this instance", nil)
		return
	}

	respondJSON(w, http.StatusOK, s.breakers.GetAllStats())
}
