package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"questlog/api/internal/auth"
	"questlog/api/internal/room"

	"github.com/gorilla/websocket"
)

type fakeResolver struct {
	identities map[string]*auth.Identity
}

func (f *fakeResolver) ResolveToken(ctx context.Context, token string) *auth.Identity {
	return f.identities[token]
}

type fakeGuard struct {
	rooms map[string]map[string]room.Access
	err   error
}

func (f *fakeGuard) CheckAccess(ctx context.Context, roomID, userID string) (room.Access, error) {
	if f.err != nil {
		return room.Access{}, f.err
	}
	users, ok := f.rooms[roomID]
	if !ok {
		return room.Access{}, room.ErrRoomNotFound
	}
	return users[userID], nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()

	resolver := &fakeResolver{identities: map[string]*auth.Identity{
		"gm-token": {UserID: "u-gm", UserName: "Mira", AuthType: auth.AuthTypeSession},
		"pl-token": {UserID: "u-player", UserName: "Dex", AuthType: auth.AuthTypeSession},
		"ob-token": {UserID: "u-observer", Email: "watcher@example.com", AuthType: auth.AuthTypeAPIToken},
	}}
	guard := &fakeGuard{rooms: map[string]map[string]room.Access{
		"room-1": {
			"u-gm":       {Allowed: true, IsGM: true, Role: "gm"},
			"u-player":   {Allowed: true, Role: "player"},
			"u-observer": {Allowed: true, Role: "observer"},
		},
	}}

	registry := NewRegistry()
	handler := NewHandler(resolver, guard, registry, NewBroadcaster(registry))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dialWS(t *testing.T, srv *httptest.Server, token, roomID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/?token=" + url.QueryEscape(token) + "&roomId=" + url.QueryEscape(roomID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Errorf("expected close code %d, got %d", code, closeErr.Code)
	}
	if closeErr.Text != reason {
		t.Errorf("expected close reason %q, got %q", reason, closeErr.Text)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()

	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// connect dials and consumes the connected acknowledgement.
func connect(t *testing.T, srv *httptest.Server, token, roomID string) *websocket.Conn {
	t.Helper()

	conn := dialWS(t, srv, token, roomID)
	ack := readMessage(t, conn)
	if ack["type"] != "connected" {
		t.Fatalf("expected connected ack, got %v", ack)
	}
	return conn
}

func TestHandlerUnauthorizedClose(t *testing.T) {
	srv, _ := newTestServer(t)

	// Upgrade succeeds; the close code carries the rejection.
	conn := dialWS(t, srv, "bogus-token", "room-1")
	expectClose(t, conn, CloseUnauthorized, "Unauthorized")
}

func TestHandlerMissingTokenClose(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "", "room-1")
	expectClose(t, conn, CloseUnauthorized, "Unauthorized")
}

func TestHandlerRoomNotFoundClose(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "gm-token", "room-missing")
	expectClose(t, conn, CloseRoomNotFound, "Room not found")
}

func TestHandlerAccessDeniedClose(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*auth.Identity{
		"stranger": {UserID: "u-stranger", UserName: "Nix"},
	}}
	guard := &fakeGuard{rooms: map[string]map[string]room.Access{
		"room-1": {},
	}}
	registry := NewRegistry()
	handler := NewHandler(resolver, guard, registry, NewBroadcaster(registry))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "stranger", "room-1")
	expectClose(t, conn, CloseAccessDenied, "Access denied")
}

func TestHandlerConnectedAck(t *testing.T) {
	srv, registry := newTestServer(t)

	conn := dialWS(t, srv, "gm-token", "room-1")
	ack := readMessage(t, conn)

	if ack["type"] != "connected" {
		t.Errorf("expected type connected, got %v", ack["type"])
	}
	if ack["roomId"] != "room-1" {
		t.Errorf("expected roomId room-1, got %v", ack["roomId"])
	}
	if ack["userId"] != "u-gm" {
		t.Errorf("expected userId u-gm, got %v", ack["userId"])
	}
	if count := registry.Count("room-1"); count != 1 {
		t.Errorf("expected 1 registered connection, got %d", count)
	}
}

func TestHandlerRoomMismatch(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := connect(t, srv, "gm-token", "room-1")
	sendJSON(t, conn, map[string]any{
		"type":   "note_update",
		"roomId": "room-other",
		"data":   map[string]any{"noteId": "n1", "action": "updated"},
	})

	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["message"] != "Room mismatch" {
		t.Errorf("expected room mismatch error, got %v", msg)
	}

	// The connection stays open after the error.
	sendJSON(t, conn, map[string]any{"type": "wat", "roomId": "room-1"})
	msg = readMessage(t, conn)
	if msg["message"] != "Unknown message type: wat" {
		t.Errorf("expected unknown type error, got %v", msg)
	}
}

func TestHandlerNoteUpdateGMGate(t *testing.T) {
	srv, _ := newTestServer(t)

	gm := connect(t, srv, "gm-token", "room-1")
	player := connect(t, srv, "pl-token", "room-1")

	// A player's note_update is dropped without an error; the member_update
	// sent right after proves nothing was broadcast in between.
	sendJSON(t, player, map[string]any{
		"type":   "note_update",
		"roomId": "room-1",
		"data":   map[string]any{"noteId": "n1", "action": "deleted"},
	})
	sendJSON(t, player, map[string]any{
		"type":   "member_update",
		"roomId": "room-1",
		"data":   map[string]any{"action": "added", "member": map[string]any{"userId": "u-new", "role": "player"}},
	})

	msg := readMessage(t, gm)
	if msg["type"] != "member_update" {
		t.Fatalf("expected member_update as the first delivered message, got %v", msg)
	}

	// The gm's note_update goes out to the player but not back to the gm.
	sendJSON(t, gm, map[string]any{
		"type":   "note_update",
		"roomId": "room-1",
		"data":   map[string]any{"noteId": "n2", "action": "created"},
	})

	msg = readMessage(t, player)
	if msg["type"] != "note_update" || msg["noteId"] != "n2" || msg["action"] != "created" {
		t.Errorf("expected note_update for n2, got %v", msg)
	}

	// If the gm had received its own broadcast it would arrive before this
	// member_update.
	sendJSON(t, player, map[string]any{
		"type":   "member_update",
		"roomId": "room-1",
		"data":   map[string]any{"action": "removed"},
	})
	msg = readMessage(t, gm)
	if msg["type"] != "member_update" || msg["action"] != "removed" {
		t.Errorf("expected member_update removed, got %v", msg)
	}
}

func TestHandlerMemberUpdateAnyRole(t *testing.T) {
	srv, _ := newTestServer(t)

	gm := connect(t, srv, "gm-token", "room-1")
	observer := connect(t, srv, "ob-token", "room-1")

	sendJSON(t, observer, map[string]any{
		"type":   "member_update",
		"roomId": "room-1",
		"data":   map[string]any{"action": "role_changed", "member": map[string]any{"userId": "u-player", "role": "observer"}},
	})

	msg := readMessage(t, gm)
	if msg["type"] != "member_update" || msg["action"] != "role_changed" {
		t.Fatalf("expected member_update, got %v", msg)
	}
	member, ok := msg["member"].(map[string]any)
	if !ok || member["userId"] != "u-player" {
		t.Errorf("expected member payload, got %v", msg["member"])
	}
}

func TestHandlerUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := connect(t, srv, "pl-token", "room-1")
	sendJSON(t, conn, map[string]any{"type": "roll_dice", "roomId": "room-1"})

	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["message"] != "Unknown message type: roll_dice" {
		t.Errorf("expected unknown type error, got %v", msg)
	}
}

func TestHandlerMalformedFrame(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := connect(t, srv, "pl-token", "room-1")
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["message"] != "Failed to process message" {
		t.Errorf("expected processing error, got %v", msg)
	}
}

func TestHandlerDisconnectBroadcastsUserLeft(t *testing.T) {
	srv, registry := newTestServer(t)

	gm := connect(t, srv, "gm-token", "room-1")
	player := connect(t, srv, "pl-token", "room-1")

	deadline := time.Now().Add(time.Second)
	_ = player.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	player.Close()

	msg := readMessage(t, gm)
	if msg["type"] != "presence_update" || msg["action"] != "user_left" {
		t.Fatalf("expected user_left presence update, got %v", msg)
	}
	if msg["userId"] != "u-player" || msg["userName"] != "Dex" {
		t.Errorf("expected departing player identity, got %v", msg)
	}

	// The registry drops the connection; only the gm remains.
	waitUntil(t, func() bool { return registry.Count("room-1") == 1 })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
