package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"questlog/api/internal/auth"
	"questlog/api/internal/room"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Application close codes. The socket is always accepted first, then
// closed with one of these if a gate fails.
const (
	CloseUnauthorized = 4001
	CloseAccessDenied = 4003
	CloseRoomNotFound = 4004
)

type CredentialResolver interface {
	ResolveToken(ctx context.Context, token string) *auth.Identity
}

type AccessGuard interface {
	CheckAccess(ctx context.Context, roomID, userID string) (room.Access, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happens after the upgrade via the token query parameter, so
	// origin checking is left to the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler drives a socket through connecting → authenticating →
// room-checking → open → closed.
type Handler struct {
	resolver    CredentialResolver
	guard       AccessGuard
	registry    *Registry
	broadcaster *Broadcaster
}

func NewHandler(resolver CredentialResolver, guard AccessGuard, registry *Registry, broadcaster *Broadcaster) *Handler {
	return &Handler{
		resolver:    resolver,
		guard:       guard,
		registry:    registry,
		broadcaster: broadcaster,
	}
}

// ServeHTTP upgrades GET /ws?token=...&roomId=... The success path never
// returns an HTTP error; failures close the accepted socket with an
// application code.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	roomID := r.URL.Query().Get("roomId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	identity := h.resolver.ResolveToken(r.Context(), token)
	if identity == nil {
		closeWith(conn, CloseUnauthorized, "Unauthorized")
		return
	}

	access, err := h.guard.CheckAccess(r.Context(), roomID, identity.UserID)
	if errors.Is(err, room.ErrRoomNotFound) {
		closeWith(conn, CloseRoomNotFound, "Room not found")
		return
	}
	if err != nil {
		log.Printf("realtime: access check for room %s: %v", roomID, err)
		closeWith(conn, websocket.CloseInternalServerErr, "Internal error")
		return
	}
	if !access.Allowed {
		closeWith(conn, CloseAccessDenied, "Access denied")
		return
	}

	userName := identity.UserName
	if userName == "" {
		userName = identity.Email
	}

	c := newClient(uuid.NewString(), conn, ConnInfo{
		RoomID:   roomID,
		UserID:   identity.UserID,
		UserName: userName,
		Role:     access.Role,
	})
	h.registry.Add(c.id, c, c.info)

	go c.writePump()

	// Acknowledge the join to the new connection only.
	h.broadcaster.SendTo(c.id, NewConnectedMessage(roomID, identity.UserID))

	c.readPump(
		func(raw []byte) { h.handleMessage(c, raw) },
		func() { h.disconnect(c) },
	)
}

// handleMessage dispatches one inbound frame. Malformed input is answered
// with a unicast error; the connection stays open.
func (h *Handler) handleMessage(c *client, raw []byte) {
	var envelope InboundMessage
	if err := decodeEnvelope(raw, &envelope); err != nil {
		h.broadcaster.SendTo(c.id, NewErrorMessage("Failed to process message"))
		return
	}

	// Room confusion is rejected, not silently rerouted.
	if envelope.RoomID != c.info.RoomID {
		h.broadcaster.SendTo(c.id, NewErrorMessage("Room mismatch"))
		return
	}

	switch envelope.Type {
	case TypeNoteUpdate:
		// Soft permission gate: players legitimately send other message
		// types, so a non-gm note_update is dropped without an error.
		if !room.Can(room.Role(c.info.Role), room.ActionWrite) {
			return
		}
		payload, err := parseNoteUpdate(envelope.Data)
		if err != nil {
			h.broadcaster.SendTo(c.id, NewErrorMessage("Failed to process message"))
			return
		}
		h.broadcaster.Broadcast(c.info.RoomID, NewNoteUpdateMessage(payload.NoteID, payload.Action), c.id)

	case TypeMemberUpdate:
		payload, err := parseMemberUpdate(envelope.Data)
		if err != nil {
			h.broadcaster.SendTo(c.id, NewErrorMessage("Failed to process message"))
			return
		}
		h.broadcaster.Broadcast(c.info.RoomID, NewMemberUpdateMessage(payload.Action, payload.Member), c.id)

	default:
		h.broadcaster.SendTo(c.id, NewErrorMessage("Unknown message type: "+envelope.Type))
	}
}

func (h *Handler) disconnect(c *client) {
	info, ok := h.registry.Remove(c.id)
	if !ok {
		return
	}
	h.broadcaster.Broadcast(info.RoomID, NewUserLeftMessage(info.UserID, info.UserName), c.id)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
	_ = conn.Close()
}

// decodeEnvelope rejects frames whose top level is not a JSON object.
func decodeEnvelope(raw []byte, envelope *InboundMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return errors.New("expected JSON object")
	}
	return json.Unmarshal(raw, envelope)
}
