package visualizer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"odyssey/internal/grid"
	"odyssey/internal/world"
)

func TestHandleWSPushesSnapshot(t *testing.T) {
	w, err := world.New(5, 5, 0, hclog.NewNullLogger())
	require.NoError(t, err)
	_, err = w.Survivors.Create(grid.Coord{X: 1, Y: 1}, time.Now())
	require.NoError(t, err)

	s := New(":0", w, 10*time.Millisecond, hclog.NewNullLogger())
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to register the client, then drive one
	// push manually rather than racing the ticker.
	time.Sleep(10 * time.Millisecond)
	s.pushSnapshot()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap world.Snapshot
	require.NoError(t, json.Unmarshal(msg, &snap))
	require.Len(t, snap.Survivors, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, err := world.New(5, 5, 0, hclog.NewNullLogger())
	require.NoError(t, err)
	s := New("127.0.0.1:0", w, 5*time.Millisecond, hclog.NewNullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
