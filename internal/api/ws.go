package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"streamglass/internal/live"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
)

type wsUpgrader = websocket.Upgrader

func newUpgrader() wsUpgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// The overlay is served from OBS browser sources and local
		// dashboards, which do not send a meaningful Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// streamFrame is the wire shape pushed to overlay clients. The first frame
// after connect carries the full snapshot; subsequent frames carry
// incremental updates.
type streamFrame struct {
	Op     string       `json:"op"`
	State  *live.State  `json:"state,omitempty"`
	Update *live.Update `json:"update,omitempty"`
}

// handleLiveStream upgrades the request and streams live updates. Each
// client gets the current snapshot first so a reconnecting overlay renders
// without waiting for the next event.
func (h *Handler) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("live stream not configured"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("overlay upgrade failed", "error", err)
		return
	}
	h.metrics.OverlayConnected()
	defer h.metrics.OverlayDisconnected()
	defer conn.Close()

	sub := h.queue.Subscribe()
	defer sub.Close()

	// Reads are drained only to surface the close handshake; overlay
	// clients never send application data.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := h.state.Snapshot()
	if err := h.writeFrame(conn, streamFrame{Op: "snapshot", State: &snapshot}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := h.writeFrame(conn, streamFrame{Op: "update", Update: &update}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame streamFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug("overlay write failed", "error", err)
		return err
	}
	return nil
}
