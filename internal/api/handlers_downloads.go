package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/media-vault/internal/service"
)

// handleSubmitDownload starts a new download for the calling user
func (s *Server) handleSubmitDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	var input service.SubmitInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", nil)
		return
	}
	input.UserID = userID

	job, err := s.downloads.Submit(r.Context(), &input)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, job)
}

// handleListDownloads lists the calling user's downloads
func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}

	jobs, err := s.downloads.List(r.Context(), userID, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"downloads": jobs,
		"count":     len(jobs),
	})
}

// handleGetDownload returns one download with live progress
func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	view, err := s.downloads.Get(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleCancelDownload aborts an in-flight download
func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	if err := s.downloads.Cancel(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleArchiveDownload pins a completed download
func (s *Server) handleArchiveDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	if err := s.downloads.Archive(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// handleUnarchiveDownload returns a download to the regular pool
func (s *Server) handleUnarchiveDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	if err := s.downloads.Unarchive(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "unarchived"})
}

// handleDownloadLink issues a short-lived URL for the stored artifact
func (s *Server) handleDownloadLink(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
		return
	}

	link, err := s.downloads.DownloadLink(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": link})
}
