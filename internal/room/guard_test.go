package room

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"questlog/api/internal/store"
)

type fakeRoomStore struct {
	rooms map[string]store.Room
}

func (f *fakeRoomStore) GetRoomByID(_ context.Context, roomID string) (store.Room, error) {
	record, ok := f.rooms[roomID]
	if !ok {
		return store.Room{}, sql.ErrNoRows
	}
	return record, nil
}

type fakeMembershipStore struct {
	members map[string]store.RoomMember // keyed by roomID+"/"+userID
}

func (f *fakeMembershipStore) GetMembership(_ context.Context, roomID, userID string) (*store.RoomMember, error) {
	member, ok := f.members[roomID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &member, nil
}

func newTestGuard() *Guard {
	rooms := &fakeRoomStore{rooms: map[string]store.Room{
		"room-1": {ID: "room-1", OwnerID: "owner-1"},
	}}
	members := &fakeMembershipStore{members: map[string]store.RoomMember{
		"room-1/player-1": {RoomID: "room-1", UserID: "player-1", Role: "player"},
		"room-1/blank-1":  {RoomID: "room-1", UserID: "blank-1"},
	}}
	return NewGuard(rooms, members)
}

func TestCheckAccessOwnerIsGM(t *testing.T) {
	guard := newTestGuard()

	access, err := guard.CheckAccess(context.Background(), "room-1", "owner-1")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if !access.Allowed || !access.IsGM {
		t.Errorf("expected allowed gm access, got %+v", access)
	}
	if access.Role != "gm" {
		t.Errorf("expected role gm, got %s", access.Role)
	}
}

func TestCheckAccessMember(t *testing.T) {
	guard := newTestGuard()

	access, err := guard.CheckAccess(context.Background(), "room-1", "player-1")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if !access.Allowed || access.IsGM {
		t.Errorf("expected allowed non-gm access, got %+v", access)
	}
	if access.Role != "player" {
		t.Errorf("expected role player, got %s", access.Role)
	}
}

func TestCheckAccessBlankRoleDefaultsToPlayer(t *testing.T) {
	guard := newTestGuard()

	access, err := guard.CheckAccess(context.Background(), "room-1", "blank-1")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if !access.Allowed || access.Role != "player" {
		t.Errorf("expected allowed player access, got %+v", access)
	}
}

func TestCheckAccessNonMemberDenied(t *testing.T) {
	guard := newTestGuard()

	access, err := guard.CheckAccess(context.Background(), "room-1", "stranger")
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if access.Allowed || access.IsGM {
		t.Errorf("expected denial, got %+v", access)
	}
}

func TestCheckAccessRoomNotFound(t *testing.T) {
	guard := newTestGuard()

	_, err := guard.CheckAccess(context.Background(), "no-such-room", "owner-1")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestCan(t *testing.T) {
	if !Can(RoleGM, ActionManage) {
		t.Error("gm should manage")
	}
	if Can(RolePlayer, ActionWrite) {
		t.Error("player should not write")
	}
	if !Can(RolePlayer, ActionRead) {
		t.Error("player should read")
	}
	if Can(Role("ghost"), ActionRead) {
		t.Error("unknown role should not read")
	}
}
