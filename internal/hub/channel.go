package hub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Sink is where a connection's outbound events go. The transport layer
// implements it with a buffered writer; Send must never block.
type Sink interface {
	Send(event string, data any)
}

// Conn is one live connection. It is created by the transport layer when a
// socket opens and discarded on disconnect; nothing about it is persisted.
type Conn struct {
	id       uuid.UUID
	sink     Sink
	userID   string
	agentID  string
	presence string
	joined   bool
}

func NewConn(sink Sink) *Conn {
	return &Conn{id: uuid.New(), sink: sink}
}

func (c *Conn) Send(event string, data any) {
	c.sink.Send(event, data)
}

func (c *Conn) UserID() string {
	return c.userID
}

// Capabilities advertises optional protocol features to a joining client.
type Capabilities struct {
	ChangeStateAck bool `json:"changeStateAck"`
}

// Status is the presence report delivered on join, presence change and
// disconnect.
type Status struct {
	Clients  int             `json:"clients"`
	Presence []PresenceEntry `json:"presence"`
}

type PresenceEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SnapshotFunc loads the channel's full state datagram for init delivery.
type SnapshotFunc func() (any, error)

var (
	ErrNotAllowed   = errors.New("not logged in")
	ErrWrongAgentID = errors.New("wrong AgentID??")
)

// Channel is one broadcast group plus the per-user allow-list established
// by successful joins.
type Channel struct {
	id      string
	isGroup bool

	mu      sync.Mutex
	conns   map[uuid.UUID]*Conn
	allowed map[string]int
}

func newChannel(id string, isGroup bool) *Channel {
	return &Channel{
		id:      id,
		isGroup: isGroup,
		conns:   make(map[uuid.UUID]*Conn),
		allowed: make(map[string]int),
	}
}

func (ch *Channel) ID() string {
	return ch.id
}

func (ch *Channel) IsGroup() bool {
	return ch.isGroup
}

// Join registers an authorized connection. The caller has already passed
// the mapping authorization check; this only performs session bookkeeping
// and protocol delivery: joined ack, capabilities, the private init-state
// snapshot when requested, the private full presence report, and the
// broadcast presence update.
//
// The channel lock is held across snapshot loading and delivery, which is
// what guarantees the joiner observes its snapshot before any state-change
// broadcast (broadcasts serialize on the same lock).
func (ch *Channel) Join(c *Conn, userID, agentID string, joinedData any, sendInit bool, snapshot SnapshotFunc) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	c.userID = userID
	c.agentID = agentID
	c.presence = PresenceConnected
	c.joined = true
	ch.allowed[userID]++
	ch.conns[c.id] = c

	c.Send(EventJoined, joinedData)
	c.Send(EventCapabilities, Capabilities{ChangeStateAck: true})

	if sendInit {
		if datagram, err := snapshot(); err != nil {
			c.Send(EventError, "could not load initial state")
		} else {
			c.Send(EventInitState, datagram)
		}
	}

	c.Send(EventStatus, ch.statusLocked())
	ch.broadcastLocked(EventStatus, Status{
		Clients:  len(ch.conns),
		Presence: []PresenceEntry{{Key: c.agentID, Value: c.presence}},
	})
}

// Allowed reports whether the connection may read or mutate channel state.
// Group channels bypass the allow-list entirely; otherwise the connection's
// owner identity must have been admitted by a successful join.
func (ch *Channel) Allowed(c *Conn) bool {
	if ch.isGroup {
		return true
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.allowed[c.userID] > 0
}

// ChangePresence updates the connection's presence string and broadcasts
// it, keyed by agent id. The agent id must match the connection's own.
func (ch *Channel) ChangePresence(c *Conn, agentID, presence string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.isGroup && ch.allowed[c.userID] == 0 {
		return ErrNotAllowed
	}
	if agentID != c.agentID {
		return ErrWrongAgentID
	}

	c.presence = presence
	ch.broadcastLocked(EventStatus, Status{
		Clients:  len(ch.conns),
		Presence: []PresenceEntry{{Key: c.agentID, Value: c.presence}},
	})
	return nil
}

// Disconnect removes the connection from the live group and releases its
// allow-list entry. If it had declared an agent id, the remaining members
// see it go offline. Safe to call more than once.
func (ch *Channel) Disconnect(c *Conn) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, present := ch.conns[c.id]; !present {
		return
	}
	delete(ch.conns, c.id)
	if ch.allowed[c.userID] > 0 {
		ch.allowed[c.userID]--
		if ch.allowed[c.userID] == 0 {
			delete(ch.allowed, c.userID)
		}
	}
	c.joined = false

	if c.agentID != "" {
		ch.broadcastLocked(EventStatus, Status{
			Clients:  len(ch.conns),
			Presence: []PresenceEntry{{Key: c.agentID, Value: PresenceOffline}},
		})
	}
}

// Broadcast delivers an event to every joined connection, the originator
// included. Delivery order is the lock acquisition order, so all members
// observe the same sequence of state changes.
func (ch *Channel) Broadcast(event string, data any) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcastLocked(event, data)
}

func (ch *Channel) broadcastLocked(event string, data any) {
	for _, c := range ch.conns {
		c.Send(event, data)
	}
}

func (ch *Channel) statusLocked() Status {
	status := Status{Clients: len(ch.conns), Presence: make([]PresenceEntry, 0, len(ch.conns))}
	for _, c := range ch.conns {
		status.Presence = append(status.Presence, PresenceEntry{Key: c.agentID, Value: c.presence})
	}
	return status
}
