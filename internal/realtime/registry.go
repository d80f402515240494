// Package realtime implements the room-scoped WebSocket collaboration
// layer: the connection registry, the broadcast fan-out, and the endpoint
// lifecycle.
package realtime

import "sync"

// ConnInfo is captured once at connect time and is immutable for the
// connection's lifetime, even if room membership changes later
// (stale-until-reconnect).
type ConnInfo struct {
	RoomID   string
	UserID   string
	UserName string
	Role     string
}

// Sender is the outbound half of a live connection. Send must not block;
// it reports an error when the connection is dead or its buffer is full.
type Sender interface {
	Send(payload []byte) error
}

// Conn is one registered connection.
type Conn struct {
	id     string
	info   ConnInfo
	sender Sender
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) Info() ConnInfo { return c.info }

// Registry is an in-memory index of live connections: a main map by
// connection id plus a room-id index for O(room size) broadcast. Both maps
// are updated together under one lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Add(connectionID string, sender Sender, info ConnInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[connectionID] = &Conn{id: connectionID, info: info, sender: sender}
	room, ok := r.rooms[info.RoomID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[info.RoomID] = room
	}
	room[connectionID] = struct{}{}
}

// Remove drops the connection from both indexes. It reports whether the
// connection was registered, so a broadcast eviction and a close event
// racing each other tear down only once.
func (r *Registry) Remove(connectionID string) (ConnInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return ConnInfo{}, false
	}
	delete(r.conns, connectionID)

	if room, ok := r.rooms[conn.info.RoomID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(r.rooms, conn.info.RoomID)
		}
	}
	return conn.info, true
}

func (r *Registry) Get(connectionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// ForRoom returns a snapshot of the room's connections.
func (r *Registry) ForRoom(roomID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[roomID]
	conns := make([]*Conn, 0, len(room))
	for connectionID := range room {
		if conn, ok := r.conns[connectionID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}
