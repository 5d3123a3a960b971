package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/channelrelay/channelrelay/pkg/types"
	"github.com/channelrelay/channelrelay/server/internal/config"
	"github.com/channelrelay/channelrelay/server/internal/relay"
	"github.com/channelrelay/channelrelay/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

type mapResolver map[string]relay.Resolution

func (m mapResolver) Resolve(_ context.Context, token string) (relay.Resolution, error) {
	res, ok := m[token]
	if !ok {
		return relay.Resolution{}, relay.ErrTokenNotFound
	}
	return res, nil
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (relay.Resolution, error) {
	return relay.Resolution{}, errors.New("database is locked")
}

func endpoints() mapResolver {
	key := relay.GroupKey("default", "lobby")
	return mapResolver{
		"alice": {Code: "alice", RoomName: "lobby", GroupKey: key, Permissions: relay.ParsePermissions("readwrite"), Identity: "Alice"},
		"bob":   {Code: "bob", RoomName: "lobby", GroupKey: key, Permissions: relay.ParsePermissions("readwrite"), Identity: "Bob"},
		"eve":   {Code: "eve", RoomName: "lobby", GroupKey: key, Permissions: relay.ParsePermissions("read"), Identity: "Eve"},
	}
}

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		AllowedOrigins: []string{"http://allowed.example"},
		MaxMessageSize: 1024,
		SendBuffer:     16,
	}
}

// startServer mounts a Handler on a test HTTP server and returns its ws:// base
// URL and the handler.
func startServer(t *testing.T, r relay.Resolver) (string, *ws.Handler) {
	t.Helper()

	hub := relay.NewHub(relay.NewBroadcaster(nil), r)
	h := ws.New(hub, testConfig())

	mux := http.NewServeMux()
	mux.Handle(ws.PathPrefix, h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), h
}

// dial connects to the endpoint called code.
func dial(t *testing.T, base, code string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+ws.PathPrefix+code, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", code, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env types.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return env
}

// readClose reads until the server closes the connection and returns the
// close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		return ce.Code
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// waitCount polls h.Count until it equals want.
func waitCount(t *testing.T, h *ws.Handler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count: got %d, want %d", h.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ------------------------------------------------------------------

func TestHandler_BroadcastReachesEveryReader(t *testing.T) {
	base, h := startServer(t, endpoints())
	alice := dial(t, base, "alice")
	bob := dial(t, base, "bob")
	waitCount(t, h, 2)

	writeJSON(t, alice, map[string]string{"message": "hi"})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := readEnvelope(t, conn)
		if env.Message != "hi" || env.Identity != "Alice" {
			t.Errorf("%s got %+v, want hi from Alice", name, env)
		}
		if _, err := time.Parse(types.TimestampLayout, env.Timestamp); err != nil {
			t.Errorf("%s timestamp %q: %v", name, env.Timestamp, err)
		}
	}
}

func TestHandler_ReadOnlyWritesAreDropped(t *testing.T) {
	base, h := startServer(t, endpoints())
	alice := dial(t, base, "alice")
	eve := dial(t, base, "eve")
	waitCount(t, h, 2)

	writeJSON(t, eve, map[string]string{"message": "from eve"})
	writeJSON(t, alice, map[string]string{"message": "from alice"})

	// Frames from one connection are handled in order, but eve and alice
	// race. Whatever arrives first must be alice's.
	if env := readEnvelope(t, alice); env.Message != "from alice" {
		t.Errorf("alice got %q, want only her own message", env.Message)
	}
	if env := readEnvelope(t, eve); env.Message != "from alice" {
		t.Errorf("eve got %q, want alice's message", env.Message)
	}
}

func TestHandler_UnknownEndpoint_PolicyViolation(t *testing.T) {
	base, h := startServer(t, endpoints())
	conn := dial(t, base, "nobody")

	if code := readClose(t, conn); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
	if n := h.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestHandler_ResolverFailure_InternalError(t *testing.T) {
	base, _ := startServer(t, failingResolver{})
	conn := dial(t, base, "alice")

	if code := readClose(t, conn); code != websocket.CloseInternalServerErr {
		t.Errorf("close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}
}

func TestHandler_MalformedMessage_Closes(t *testing.T) {
	base, h := startServer(t, endpoints())
	conn := dial(t, base, "alice")
	waitCount(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"msg": "wrong field"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := readClose(t, conn); code != websocket.CloseUnsupportedData {
		t.Errorf("close code = %d, want %d", code, websocket.CloseUnsupportedData)
	}
	waitCount(t, h, 0)
}

func TestHandler_DisallowedOrigin(t *testing.T) {
	base, _ := startServer(t, endpoints())

	hdr := http.Header{}
	hdr.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(base+ws.PathPrefix+"alice", hdr)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	hdr.Set("Origin", "HTTP://Allowed.Example")
	conn, _, err := websocket.DefaultDialer.Dial(base+ws.PathPrefix+"alice", hdr)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestHandler_MissingCode_NotFound(t *testing.T) {
	base, _ := startServer(t, endpoints())
	httpURL := "http" + strings.TrimPrefix(base, "ws")

	resp, err := http.Get(httpURL + ws.PathPrefix)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandler_ClientDisconnect_Unregisters(t *testing.T) {
	base, h := startServer(t, endpoints())
	conn := dial(t, base, "alice")
	waitCount(t, h, 1)

	conn.Close()
	waitCount(t, h, 0)
}

func TestHandler_Shutdown_GoingAway(t *testing.T) {
	base, h := startServer(t, endpoints())
	conn := dial(t, base, "alice")
	waitCount(t, h, 1)

	h.Shutdown()

	if code := readClose(t, conn); code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
	}

	late := dial(t, base, "bob")
	if code := readClose(t, late); code != websocket.CloseGoingAway {
		t.Errorf("late close code = %d, want %d", code, websocket.CloseGoingAway)
	}
}
