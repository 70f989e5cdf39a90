package livews

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer upgrades one connection and feeds it through handler.
func wsServer(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnDelivery(t *testing.T) {
	joined := make(chan Hello, 1)
	addr := wsServer(t, func(ws *websocket.Conn) {
		var join struct {
			Op   string `json:"op"`
			Body Hello  `json:"body"`
		}
		require.NoError(t, ws.ReadJSON(&join))
		assert.Equal(t, "join", join.Op)
		joined <- join.Body

		require.NoError(t, ws.WriteJSON(map[string]any{"op": "heartbeat", "popularity": 128}))
		require.NoError(t, ws.WriteJSON(map[string]any{"op": "event", "body": map[string]any{"cmd": "chat", "text": "hello"}}))
		// malformed frames must be dropped without killing the connection
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
		require.NoError(t, ws.WriteJSON(map[string]any{"op": "event", "body": map[string]any{"no_cmd": true}}))
		require.NoError(t, ws.WriteJSON(map[string]any{"op": "event", "body": map[string]any{"cmd": "live_start"}}))
		time.Sleep(50 * time.Millisecond)
	})

	events := make(chan string, 8)
	beats := make(chan int64, 8)
	closed := make(chan error, 1)
	cb := &Callbacks{
		OnEvent: func(cmd string, body []byte) {
			var m map[string]any
			require.NoError(t, json.Unmarshal(body, &m))
			events <- cmd
		},
		OnHeartbeat: func(popularity int64) { beats <- popularity },
		OnClose:     func(err error) { closed <- err },
	}

	conn, err := Dial(context.Background(), addr, &Hello{UID: 7, RoomID: 42, Key: "tok"}, cb, nil)
	require.NoError(t, err)
	defer conn.Close()

	join := <-joined
	assert.Equal(t, int64(42), join.RoomID)
	assert.Equal(t, "tok", join.Key)
	assert.Equal(t, 3, join.ProtoVer)
	assert.Equal(t, "web", join.Platform)

	assert.Equal(t, int64(128), <-beats)
	assert.Equal(t, "chat", <-events)
	assert.Equal(t, "live_start", <-events)

	// server handler returns and closes its side
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

func TestConnLocalClose(t *testing.T) {
	addr := wsServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	closed := make(chan error, 1)
	conn, err := Dial(context.Background(), addr, &Hello{RoomID: 1}, &Callbacks{
		OnClose: func(err error) { closed <- err },
	}, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	// Close twice is fine
	_ = conn.Close()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}
