package api

import (
	"errors"
	"net/http"
	"strings"

	"streamglass/internal/auth/oauth"
)

// handleOAuthStart redirects the operator's browser to the platform's
// authorize page. An optional return_to query parameter selects where the
// callback lands afterwards; only local paths are accepted.
func (h *Handler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.oauth == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("oauth not configured"))
		return
	}
	returnTo := r.URL.Query().Get("return_to")
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		returnTo = "/"
	}
	begin, err := h.oauth.Begin(returnTo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	http.Redirect(w, r, begin.URL, http.StatusFound)
}

// handleOAuthCallback exchanges the authorization code for tokens, then
// kicks the ingest manager so a paused session picks up the new credentials.
func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.oauth == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("oauth not configured"))
		return
	}
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn("oauth authorization denied", "error", errCode, "description", query.Get("error_description"))
		writeError(w, http.StatusBadRequest, errors.New("authorization was denied"))
		return
	}
	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, errors.New("state and code are required"))
		return
	}
	returnTo, err := h.oauth.Complete(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, oauth.ErrStateInvalid) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("oauth exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, errors.New("token exchange failed"))
		return
	}
	if h.ingest != nil {
		h.ingest.Restart()
	}
	h.logger.Info("oauth authorization completed")
	http.Redirect(w, r, returnTo, http.StatusFound)
}
