package api

import (
	"errors"
	"net/http"

	"streamglass/internal/auth"
)

const adminKeyHeader = "X-Admin-Key"

// handleRestart forces a fresh ingest session. The caller must present the
// configured admin key; the endpoint is disabled when no hash is set.
func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.adminKeyHash == "" || h.ingest == nil {
		writeError(w, http.StatusNotFound, errors.New("restart endpoint not configured"))
		return
	}
	presented := r.Header.Get(adminKeyHeader)
	if err := auth.VerifyAdminKey(h.adminKeyHash, presented); err != nil {
		h.logger.Warn("restart rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin key"))
		return
	}
	h.ingest.Restart()
	h.logger.Info("ingest restart requested", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}
