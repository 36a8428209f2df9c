// Package relaytest provides helpers for tests that run a real relay behind an
// httptest server and talk to it over gorilla WebSocket connections.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/groups"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Origin is the Origin header sent by Dial. It is allowed by
// server.DefaultConfig.
const Origin = "http://localhost:8080"

// Timeout bounds every read performed by these helpers.
const Timeout = 2 * time.Second

// Server is a relay served over HTTP for the duration of a test.
type Server struct {
	*httptest.Server
	Relay *server.Relay
}

// Start serves a relay built from cfg and resolver on the standard routes.
// The relay and HTTP server are shut down when the test ends.
func Start(t *testing.T, cfg server.Config, resolver groups.Resolver, opts ...server.Option) *Server {
	t.Helper()

	opts = append([]server.Option{server.WithLogger(zaptest.NewLogger(t))}, opts...)
	relay := server.NewRelay(cfg, resolver, opts...)
	ts := httptest.NewServer(server.SetupRoutes(relay, nil, nil))
	t.Cleanup(func() {
		_ = relay.Shutdown(time.Second)
		ts.Close()
	})
	return &Server{Server: ts, Relay: relay}
}

// WebSocketURL returns the ws:// URL of the relay endpoint.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Connect opens a WebSocket without authenticating.
func (s *Server) Connect(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := Dial(s.WebSocketURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Login connects, authenticates as identity and waits until the relay has
// bound it.
func (s *Server) Login(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	conn := s.Connect(t, nil)
	Send(t, conn, envelope.Envelope{Kind: envelope.KindAuth, SenderID: identity})
	s.WaitOnline(t, identity)
	return conn
}

// WaitOnline blocks until every identity is registered.
func (s *Server) WaitOnline(t *testing.T, identities ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range identities {
			if _, ok := s.Relay.Registry().Lookup(id); !ok {
				return false
			}
		}
		return true
	}, Timeout, 5*time.Millisecond, "identities %v never came online", identities)
}

// Dial opens a WebSocket to url with the test Origin.
func Dial(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: Timeout}
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", Origin)
	}
	return dialer.Dial(url, header)
}

// Send encodes env and writes it as one text frame.
func Send(t *testing.T, conn *websocket.Conn, env envelope.Envelope) {
	t.Helper()
	payload, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// SendRaw writes data as one text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// Receive reads and decodes the next envelope.
func Receive(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(Timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err, "relay delivered %q", data)
	return env
}

// ExpectNone asserts that nothing arrives on conn within d. The connection
// is unusable for reads afterwards, so call it last.
func ExpectNone(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %q", data)
}
