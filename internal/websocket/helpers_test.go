package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/peermux/internal/protocol"
)

const testTimeout = 5 * time.Second

// newTestRelay serves a relay on an httptest server and returns its ws:// base URL.
func newTestRelay(t *testing.T, cfg *ServerConfig) (*Server, string) {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{RateLimitConfig: NoRateLimit()}
	}
	relay := New(cfg)
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		for _, c := range relay.allClients() {
			c.Close(ctx)
		}
		srv.Close()
	})
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: testTimeout,
	}
}

// dialMember joins base+path with a raw gorilla connection.
func dialMember(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := newDialer().Dial(base+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialStatus attempts a join that is expected to be refused and returns the status code.
func dialStatus(t *testing.T, base, path string) int {
	t.Helper()
	conn, resp, err := newDialer().Dial(base+path, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("join %s unexpectedly succeeded", path)
	}
	require.NotNil(t, resp, "no HTTP response: %v", err)
	return resp.StatusCode
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// expectSilence asserts nothing arrives on conn within d.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, e *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(e)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// newConnPair returns the server and client ends of one real WebSocket connection.
func newConnPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := newDialer().Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("server side never accepted")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}
