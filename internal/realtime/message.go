package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeNoteUpdate   = "note_update"
	TypeMemberUpdate = "member_update"
)

// InboundMessage is the envelope clients send over the socket. Data is
// decoded per Type before dispatch.
type InboundMessage struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type NoteUpdateData struct {
	NoteID string `json:"noteId"`
	Action string `json:"action"`
}

type MemberInfo struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	UserName string `json:"userName,omitempty"`
}

type MemberUpdateData struct {
	Action string      `json:"action"`
	Member *MemberInfo `json:"member,omitempty"`
}

var noteUpdateActions = map[string]bool{
	"created": true,
	"updated": true,
	"deleted": true,
}

var memberUpdateActions = map[string]bool{
	"added":        true,
	"removed":      true,
	"role_changed": true,
}

func parseNoteUpdate(data json.RawMessage) (NoteUpdateData, error) {
	var payload NoteUpdateData
	if err := json.Unmarshal(data, &payload); err != nil {
		return NoteUpdateData{}, fmt.Errorf("decode note_update data: %w", err)
	}
	if payload.NoteID == "" {
		return NoteUpdateData{}, fmt.Errorf("note_update requires noteId")
	}
	if !noteUpdateActions[payload.Action] {
		return NoteUpdateData{}, fmt.Errorf("invalid note_update action %q", payload.Action)
	}
	return payload, nil
}

func parseMemberUpdate(data json.RawMessage) (MemberUpdateData, error) {
	var payload MemberUpdateData
	if err := json.Unmarshal(data, &payload); err != nil {
		return MemberUpdateData{}, fmt.Errorf("decode member_update data: %w", err)
	}
	if !memberUpdateActions[payload.Action] {
		return MemberUpdateData{}, fmt.Errorf("invalid member_update action %q", payload.Action)
	}
	return payload, nil
}

// Outbound messages, one struct per variant of the tagged union.

type ConnectedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func NewConnectedMessage(roomID, userID string) ConnectedMessage {
	return ConnectedMessage{Type: "connected", RoomID: roomID, UserID: userID}
}

type NoteUpdateMessage struct {
	Type   string `json:"type"`
	NoteID string `json:"noteId"`
	Action string `json:"action"`
}

func NewNoteUpdateMessage(noteID, action string) NoteUpdateMessage {
	return NoteUpdateMessage{Type: TypeNoteUpdate, NoteID: noteID, Action: action}
}

type MemberUpdateMessage struct {
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Member *MemberInfo `json:"member,omitempty"`
}

func NewMemberUpdateMessage(action string, member *MemberInfo) MemberUpdateMessage {
	return MemberUpdateMessage{Type: TypeMemberUpdate, Action: action, Member: member}
}

// PresenceMessage announces a user leaving the room on clean disconnect.
type PresenceMessage struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

func NewUserLeftMessage(userID, userName string) PresenceMessage {
	return PresenceMessage{Type: "presence_update", Action: "user_left", UserID: userID, UserName: userName}
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message}
}
