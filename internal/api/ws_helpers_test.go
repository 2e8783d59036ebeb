package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/huddle-chat/huddle/internal/ws"
)

func dialTestWS(t *testing.T, srv *httptest.Server, email string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?email=" + email
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTestEnvelope(t *testing.T, conn *websocket.Conn) ws.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env ws.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// drainSnapshot consumes the four-collection push every new connection gets.
func drainSnapshot(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i := 0; i < 4; i++ {
		readTestEnvelope(t, conn)
	}
}
