package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHub_snapshotThenBroadcast(t *testing.T) {
	hub := NewHub(logger.Nop())
	hub.SetSnapshot(func() []Event {
		return []Event{
			{Type: "serverInfo", Data: map[string]any{"version": "test"}},
			{Type: "tasks", Data: map[string]any{}},
		}
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	assert.Equal(t, "serverInfo", read(t, conn)["type"])
	assert.Equal(t, "tasks", read(t, conn)["type"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast("queueStatus", map[string]int{"queueLength": 2})
	frame := read(t, conn)
	assert.Equal(t, "queueStatus", frame["type"])
	assert.Equal(t, map[string]any{"queueLength": float64(2)}, frame["data"])
}

func TestHub_fansOutToEveryClient(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast("delete", []string{"http://a/1.m3u8"})
	for _, conn := range []*websocket.Conn{a, b} {
		frame := read(t, conn)
		assert.Equal(t, "delete", frame["type"])
		assert.Equal(t, []any{"http://a/1.m3u8"}, frame["data"])
	}
}

func TestHub_unregistersOnDisconnect(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	// nobody listening is fine
	hub.Broadcast("tasks", nil)
}

func TestHub_slowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*20; i++ {
			hub.Broadcast("progress", []int{i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a client that is not reading")
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
