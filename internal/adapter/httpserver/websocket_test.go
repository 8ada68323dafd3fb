package httpserver_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/adapter/httpserver"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/service/eventbus"
)

type wsFrame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func dialHub(t *testing.T) (*httpserver.Hub, *eventbus.Bus, *websocket.Conn) {
	t.Helper()
	bus := eventbus.New()
	hub := httpserver.NewHub(slog.Default(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, unsub := bus.Subscribe(64)
	go hub.Run(ctx, ch, unsub)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait for the hub to register the client before publishing.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	return hub, bus, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (wsFrame, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return wsFrame{}, false
	}
	var f wsFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f, true
}

func TestHub_BroadcastsByDefault(t *testing.T) {
	_, bus, conn := dialHub(t)

	bus.Publish(domain.NewEvent(domain.EventTaskCreated, map[string]any{"task_id": "t-1"}))

	f, ok := readFrame(t, conn)
	require.True(t, ok)
	require.Equal(t, "task_created", f.Type)
	require.False(t, f.Timestamp.IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	require.Equal(t, "t-1", payload["task_id"])
}

func TestHub_RoomFiltering(t *testing.T) {
	_, bus, conn := dialHub(t)

	// Narrow to a single task's room.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe", "room": "all"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "room": "task:t-7:updates"}))

	// Subscription commands race the publish below without a sync point;
	// give the read pump a moment to apply them.
	time.Sleep(100 * time.Millisecond)

	bus.Publish(domain.NewEvent(domain.EventTaskUpdated, map[string]any{"task_id": "t-9"}))
	bus.Publish(domain.NewEvent(domain.EventTaskUpdated, map[string]any{"task_id": "t-7"}))

	f, ok := readFrame(t, conn)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	require.Equal(t, "t-7", payload["task_id"])
}
