// Package room decides who may enter a room and what their role is.
package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"questlog/api/internal/store"
)

// ErrRoomNotFound distinguishes a missing room from a denied one; callers
// map it to a distinct closure code.
var ErrRoomNotFound = errors.New("room not found")

// Access is the result of a membership check. Role is only meaningful when
// Allowed is true.
type Access struct {
	Allowed bool
	IsGM    bool
	Role    string
}

type RoomStore interface {
	GetRoomByID(ctx context.Context, roomID string) (store.Room, error)
}

type MembershipStore interface {
	GetMembership(ctx context.Context, roomID, userID string) (*store.RoomMember, error)
}

type Guard struct {
	rooms   RoomStore
	members MembershipStore
}

func NewGuard(rooms RoomStore, members MembershipStore) *Guard {
	return &Guard{rooms: rooms, members: members}
}

// CheckAccess resolves the user's standing in the room. The room owner is
// always "gm"; otherwise the stored membership role applies.
func (g *Guard) CheckAccess(ctx context.Context, roomID, userID string) (Access, error) {
	record, err := g.rooms.GetRoomByID(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return Access{}, ErrRoomNotFound
	}
	if err != nil {
		return Access{}, fmt.Errorf("load room: %w", err)
	}

	if record.OwnerID == userID {
		return Access{Allowed: true, IsGM: true, Role: string(RoleGM)}, nil
	}

	member, err := g.members.GetMembership(ctx, roomID, userID)
	if err != nil {
		return Access{}, fmt.Errorf("lookup membership: %w", err)
	}
	if member == nil {
		return Access{Allowed: false, IsGM: false}, nil
	}

	role := member.Role
	if role == "" {
		role = string(RolePlayer)
	}
	return Access{Allowed: true, IsGM: false, Role: role}, nil
}
