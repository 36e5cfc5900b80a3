package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"biosignal-service/internal/models"
)

func startTestHub(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

func dialTestHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d connections, got %d", want, h.Count())
}

func readSnapshots(t *testing.T, conn *websocket.Conn) []models.DeviceSnapshot {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var snaps []models.DeviceSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		t.Fatalf("Failed to unmarshal broadcast: %v", err)
	}
	return snaps
}

func TestHub_BroadcastSnapshots(t *testing.T) {
	h := NewHub()
	srv := startTestHub(t, h)
	conn := dialTestHub(t, srv, "")
	waitForCount(t, h, 1)

	err := h.BroadcastSnapshots([]models.DeviceSnapshot{
		{DeviceID: "headband-1", Connected: true},
		{DeviceID: "headband-2", Connected: true},
	})
	if err != nil {
		t.Fatalf("BroadcastSnapshots failed: %v", err)
	}

	snaps := readSnapshots(t, conn)
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].DeviceID != "headband-1" || snaps[1].DeviceID != "headband-2" {
		t.Errorf("Unexpected snapshot order: %s, %s", snaps[0].DeviceID, snaps[1].DeviceID)
	}
}

func TestHub_DeviceFilter(t *testing.T) {
	h := NewHub()
	srv := startTestHub(t, h)
	conn := dialTestHub(t, srv, "?device=headband-2")
	waitForCount(t, h, 1)

	err := h.BroadcastSnapshots([]models.DeviceSnapshot{
		{DeviceID: "headband-1", Connected: true},
		{DeviceID: "headband-2", Connected: true},
	})
	if err != nil {
		t.Fatalf("BroadcastSnapshots failed: %v", err)
	}

	snaps := readSnapshots(t, conn)
	if len(snaps) != 1 {
		t.Fatalf("Expected 1 filtered snapshot, got %d", len(snaps))
	}
	if snaps[0].DeviceID != "headband-2" {
		t.Errorf("Expected snapshot for headband-2, got %s", snaps[0].DeviceID)
	}
}

func TestHub_FilterMissingDeviceSkipsClient(t *testing.T) {
	h := NewHub()
	srv := startTestHub(t, h)
	conn := dialTestHub(t, srv, "?device=ghost")
	waitForCount(t, h, 1)

	err := h.BroadcastSnapshots([]models.DeviceSnapshot{
		{DeviceID: "headband-1", Connected: true},
	})
	if err != nil {
		t.Fatalf("BroadcastSnapshots failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected no message for a filter with no matching device")
	}
}

func TestHub_CountTracksConnections(t *testing.T) {
	h := NewHub()
	srv := startTestHub(t, h)

	first := dialTestHub(t, srv, "")
	waitForCount(t, h, 1)

	second := dialTestHub(t, srv, "?device=headband-1")
	waitForCount(t, h, 2)

	second.Close()
	waitForCount(t, h, 1)

	first.Close()
	waitForCount(t, h, 0)
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	srv := startTestHub(t, h)
	dialTestHub(t, srv, "")
	waitForCount(t, h, 1)

	h.Close()
	if h.Count() != 0 {
		t.Errorf("Expected 0 connections after close, got %d", h.Count())
	}
}
