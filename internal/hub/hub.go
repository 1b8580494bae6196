// Package hub is the session layer: it multiplexes live connections onto
// per-channel broadcast groups and tracks presence per agent.
package hub

import (
	"log"
	"sync"
)

// Event names on the client protocol.
const (
	EventInitState    = "initState"
	EventChangeState  = "changeState"
	EventStatus       = "status"
	EventJoined       = "joined"
	EventCapabilities = "capabilities"
	EventError        = "ssError"
)

const (
	PresenceConnected = "connected"
	PresenceOffline   = "offline"
)

// Hub is the process-wide registry of live channels. Channels are created
// when the mapping service provisions them and are never destroyed.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

func New() *Hub {
	return &Hub{channels: make(map[string]*Channel)}
}

// Create registers a channel. Creating an already-known channel is a no-op,
// so startup restoration and fresh provisioning can share this path.
func (h *Hub) Create(channelID string, isGroup bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[channelID]; exists {
		return
	}
	h.channels[channelID] = newChannel(channelID, isGroup)
	log.Printf("hub: created channel %s (group=%v)", channelID, isGroup)
}

func (h *Hub) Get(channelID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[channelID]
	return c, ok
}

// Broadcast delivers an event to every connection joined to the channel.
// Unknown channels are ignored; the store can complete writes for channels
// nobody is connected to.
func (h *Hub) Broadcast(channelID, event string, data any) {
	if c, ok := h.Get(channelID); ok {
		c.Broadcast(event, data)
	}
}
