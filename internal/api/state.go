package api

import (
	"context"
	"errors"
	"net/http"

	"streamglass/internal/live"
)

// statusResponse is the condensed dashboard view of the ingest connection.
type statusResponse struct {
	Connection     live.Status                                `json:"connection"`
	SessionID      string                                     `json:"sessionId,omitempty"`
	LastError      string                                     `json:"lastError,omitempty"`
	BackoffSeconds int                                        `json:"backoffSeconds,omitempty"`
	Subscriptions  map[live.EventKind]live.SubscriptionStatus `json:"subscriptions"`
	Authorized     bool                                       `json:"authorized"`
	OverlayClients int64                                      `json:"overlayClients"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	snapshot := h.state.Snapshot()
	resp := statusResponse{
		Connection:     snapshot.Connection,
		SessionID:      snapshot.SessionID,
		LastError:      snapshot.LastError,
		BackoffSeconds: snapshot.BackoffSeconds,
		Subscriptions:  snapshot.Subscriptions,
		OverlayClients: h.metrics.OverlayClients(),
	}
	if h.oauth != nil {
		resp.Authorized = h.oauth.Authorized()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("settings storage not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		settings, err := h.store.Settings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var settings settingsPayload
		if err := decodeJSON(r, &settings); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := settings.validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		if err := h.store.UpdateSettings(r.Context(), settings.toSettings()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.store != nil {
		components = append(components, recordComponent("datastore", h.store.Ping(ctx)))
	}
	var ingestErr error
	if snapshot := h.state.Snapshot(); snapshot.Connection == live.StatusAuthRequired {
		ingestErr = errors.New("authorization required")
	}
	components = append(components, recordComponent("ingest", ingestErr))
	return components, overallStatus, statusCode
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	components, overall, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
