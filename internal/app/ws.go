package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sharedstate/server/internal/hub"
	"sharedstate/server/internal/state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// wsEnvelope is the wire frame in both directions. Ack is non-zero when the
// client wants a delivery receipt for the event.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
}

type wsOutbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ack   int64  `json:"ack,omitempty"`
}

// wsConn binds one websocket to one channel. It implements hub.Sink: Send
// queues the frame and never blocks, dropping it when the client cannot
// keep up.
type wsConn struct {
	service   *Service
	channelID string
	ws        *websocket.Conn
	send      chan []byte
	conn      *hub.Conn
}

func newWSConn(service *Service, channelID string, ws *websocket.Conn) *wsConn {
	c := &wsConn{
		service:   service,
		channelID: channelID,
		ws:        ws,
		send:      make(chan []byte, sendQueueSize),
	}
	c.conn = hub.NewConn(c)
	return c
}

func (c *wsConn) Send(event string, data any) {
	c.enqueue(wsOutbound{Event: event, Data: data})
}

func (c *wsConn) enqueue(out wsOutbound) {
	frame, err := json.Marshal(out)
	if err != nil {
		log.Printf("ws: marshal %s frame: %v", out.Event, err)
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("ws: dropping %s frame for slow consumer on channel %s", out.Event, c.channelID)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readPump() {
	defer func() {
		c.service.Leave(c.conn, c.channelID)
		close(c.send)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: read on channel %s: %v", c.channelID, err)
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.Send(hub.EventError, "malformed frame")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound event. Writes run on a background context so
// a dropped socket cannot cancel a half-applied batch.
func (c *wsConn) dispatch(env wsEnvelope) {
	ctx := context.Background()

	switch env.Event {
	case "join":
		var req JoinRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				c.Send(hub.EventError, "malformed join request")
				return
			}
		}
		req.Channel = c.channelID
		c.service.Join(ctx, c.conn, req)

	case "getState":
		c.service.GetState(ctx, c.conn, c.channelID, decodeKeys(env.Data))

	case "getInitState":
		c.service.GetInitState(ctx, c.conn, c.channelID, decodeKeys(env.Data))

	case "changeState":
		var ops []state.Op
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ops); err != nil {
				c.Send(hub.EventError, "malformed state batch")
				if env.Ack != 0 {
					c.enqueue(wsOutbound{Event: "ack", Ack: env.Ack, Data: false})
				}
				return
			}
		}
		accepted := c.service.ChangeState(ctx, c.conn, c.channelID, ops)
		if env.Ack != 0 {
			c.enqueue(wsOutbound{Event: "ack", Ack: env.Ack, Data: accepted})
		}

	case "getMapping":
		var req MappingRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				c.Send(hub.EventError, "malformed mapping request")
				return
			}
		}
		authedUserID := ""
		if req.Token != "" {
			if session, err := c.service.SessionFromToken(ctx, req.Token); err == nil {
				authedUserID = session.UserID
			}
		}
		resp, err := c.service.GetMapping(ctx, authedUserID, req)
		if err != nil {
			c.Send(hub.EventError, err.Error())
			return
		}
		c.Send("mapping", resp)

	case "changePresence":
		var req struct {
			AgentID  string `json:"agentId"`
			Presence string `json:"presence"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				c.Send(hub.EventError, "malformed presence request")
				return
			}
		}
		c.service.ChangePresence(c.conn, c.channelID, req.AgentID, req.Presence)

	case "disconnect":
		// Client-initiated leave; the read loop keeps running so the
		// socket can be reused for another join.
		c.service.Leave(c.conn, c.channelID)

	default:
		c.Send(hub.EventError, "unknown event "+env.Event)
	}
}

func decodeKeys(data json.RawMessage) []string {
	if len(data) == 0 {
		return nil
	}
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(data, &req); err == nil && len(req.Keys) > 0 {
		return req.Keys
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err == nil {
		return keys
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *HTTPServer) handleChannel(w http.ResponseWriter, r *http.Request, channelID string) {
	if channelID == "" {
		http.NotFound(w, r)
		return
	}
	if _, ok := s.service.hub.Get(channelID); !ok {
		http.NotFound(w, r)
		return
	}

	up := upgrader
	up.CheckOrigin = func(r *http.Request) bool {
		if s.corsOrigin == "*" {
			return true
		}
		return r.Header.Get("Origin") == s.corsOrigin
	}

	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for channel %s: %v", channelID, err)
		return
	}

	conn := newWSConn(s.service, channelID, ws)
	go conn.writePump()
	conn.readPump()
}
