package realtime

import (
	"encoding/json"
	"log"
)

// Broadcaster fans a message out to every registered connection in a room.
// Delivery is fire-and-forget: a failed send evicts that connection and
// the fan-out continues to the rest.
type Broadcaster struct {
	registry *Registry
}

func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Broadcast serializes message once and sends it to every connection in
// the room except excludeConnectionID (empty string excludes nobody).
func (b *Broadcaster) Broadcast(roomID string, message any, excludeConnectionID string) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("realtime: marshal broadcast for room %s: %v", roomID, err)
		return
	}

	for _, conn := range b.registry.ForRoom(roomID) {
		if conn.id == excludeConnectionID {
			continue
		}
		if err := conn.sender.Send(payload); err != nil {
			// Dead socket: evict and keep delivering to the others.
			b.registry.Remove(conn.id)
			log.Printf("realtime: evicted connection %s from room %s: %v", conn.id, roomID, err)
		}
	}
}

// SendTo unicasts a message to a single connection.
func (b *Broadcaster) SendTo(connectionID string, message any) {
	conn, ok := b.registry.Get(connectionID)
	if !ok {
		return
	}
	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("realtime: marshal unicast for %s: %v", connectionID, err)
		return
	}
	if err := conn.sender.Send(payload); err != nil {
		b.registry.Remove(conn.id)
		log.Printf("realtime: evicted connection %s: %v", conn.id, err)
	}
}
