package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamglass/internal/live"
)

func dialOverlay(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/live/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial overlay: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) streamFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestLiveStreamSendsSnapshotThenUpdates(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.state.SetConnection(live.StatusActive, "sess-1", "")
	fixture.state.AppendEvent(live.Event{
		Kind:       live.KindFollow,
		MessageID:  "msg-1",
		OccurredAt: time.Now().UTC(),
		Follow:     &live.FollowEvent{UserID: "7", UserName: "new_friend"},
	})

	mux := http.NewServeMux()
	fixture.handler.Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dialOverlay(t, server)

	frame := readFrame(t, conn)
	if frame.Op != "snapshot" || frame.State == nil {
		t.Fatalf("expected snapshot first, got %+v", frame)
	}
	if frame.State.Connection != live.StatusActive || len(frame.State.Recent) != 1 {
		t.Fatalf("unexpected snapshot: %+v", frame.State)
	}

	event := live.Event{
		Kind:       live.KindCheer,
		MessageID:  "msg-2",
		OccurredAt: time.Now().UTC(),
		Cheer:      &live.CheerEvent{UserName: "viewer", Bits: 250},
	}
	update := live.Update{Op: live.OpEvent, Event: &event, SentAt: time.Now().UTC()}
	if err := fixture.queue.Publish(context.Background(), update); err != nil {
		t.Fatalf("publish update: %v", err)
	}

	frame = readFrame(t, conn)
	if frame.Op != "update" || frame.Update == nil || frame.Update.Event == nil {
		t.Fatalf("expected update frame, got %+v", frame)
	}
	if frame.Update.Event.MessageID != "msg-2" {
		t.Fatalf("unexpected update event: %+v", frame.Update.Event)
	}
}

func TestLiveStreamTracksClientGauge(t *testing.T) {
	fixture := newFixture(t, nil)

	mux := http.NewServeMux()
	fixture.handler.Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dialOverlay(t, server)
	readFrame(t, conn)

	if got := fixture.recorder.OverlayClients(); got != 1 {
		t.Fatalf("expected 1 overlay client, got %d", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for fixture.recorder.OverlayClients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("overlay gauge never returned to zero, at %d", fixture.recorder.OverlayClients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveStreamWithoutQueueRejected(t *testing.T) {
	fixture := newFixture(t, func(cfg *Config) { cfg.Queue = nil })

	mux := http.NewServeMux()
	fixture.handler.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/live/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without queue, got %d", rec.Code)
	}
}
