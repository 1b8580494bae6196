package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sharedstate/server/internal/hub"
	"sharedstate/server/internal/mapping"
	"sharedstate/server/internal/state"
)

// memStates is a minimal state layer for socket tests: it stores values in
// memory and notifies on every applied op, like the real service does for
// effective changes.
type memStates struct {
	mu     sync.Mutex
	data   map[string]json.RawMessage
	notify func(channelID string, datagram []state.Entry)
}

func newMemStates() *memStates {
	return &memStates{data: map[string]json.RawMessage{}}
}

func (m *memStates) Get(_ context.Context, _ string, keys []string) ([]state.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]state.Entry, 0, len(m.data))
	for key, value := range m.data {
		if len(keys) > 0 && !contains(keys, key) {
			continue
		}
		entries = append(entries, state.Entry{Type: state.OpSet, Key: key, Value: value})
	}
	return entries, nil
}

func (m *memStates) Apply(_ context.Context, channelID string, ops []state.Op) {
	for _, op := range ops {
		m.mu.Lock()
		m.data[op.Key] = op.Value
		notify := m.notify
		m.mu.Unlock()
		if notify != nil {
			notify(channelID, []state.Entry{{Type: state.OpSet, Key: op.Key, Value: op.Value}})
		}
	}
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func newSocketTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New()
	h.Create("c1", false)

	states := newMemStates()
	states.notify = func(channelID string, datagram []state.Entry) {
		h.Broadcast(channelID, hub.EventChangeState, datagram)
	}

	svc, _ := newTestService(testConfig(), &fakeMapper{}, &fakeStates{}, h)
	svc.states = states

	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, h
}

func dialChannel(t *testing.T, server *httptest.Server, channelID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/channel/" + channelID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, data any, ack int64) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal %s data: %v", event, err)
		}
		raw = encoded
	}
	if err := conn.WriteJSON(wsEnvelope{Event: event, Data: raw, Ack: ack}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// readUntil collects frames until every wanted event has been seen once.
func readUntil(t *testing.T, conn *websocket.Conn, want ...string) map[string]json.RawMessage {
	t.Helper()
	seen := map[string]json.RawMessage{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		missing := false
		for _, event := range want {
			if _, ok := seen[event]; !ok {
				missing = true
			}
		}
		if !missing {
			return seen
		}
		_ = conn.SetReadDeadline(deadline)
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %v, have %v: %v", want, keysOf(seen), err)
		}
		if _, ok := seen[env.Event]; !ok {
			seen[env.Event] = env.Data
		}
	}
}

func keysOf(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestSocketJoinHandshake(t *testing.T) {
	server, _ := newSocketTestServer(t)
	conn := dialChannel(t, server, "c1")

	sendEnvelope(t, conn, "join", map[string]any{
		"userId": "u1", "agentId": "agent-1", "initState": true,
	}, 0)

	frames := readUntil(t, conn, hub.EventJoined, hub.EventCapabilities, hub.EventInitState, hub.EventStatus)

	var caps hub.Capabilities
	if err := json.Unmarshal(frames[hub.EventCapabilities], &caps); err != nil || !caps.ChangeStateAck {
		t.Errorf("capabilities must advertise changeStateAck: %s", frames[hub.EventCapabilities])
	}
	var status hub.Status
	if err := json.Unmarshal(frames[hub.EventStatus], &status); err != nil || status.Clients != 1 {
		t.Errorf("unexpected status: %s", frames[hub.EventStatus])
	}
}

func TestSocketChangeStateBroadcastsAndAcks(t *testing.T) {
	server, _ := newSocketTestServer(t)

	writer := dialChannel(t, server, "c1")
	sendEnvelope(t, writer, "join", map[string]any{"userId": "u1", "agentId": "a1"}, 0)
	readUntil(t, writer, hub.EventJoined)

	peer := dialChannel(t, server, "c1")
	sendEnvelope(t, peer, "join", map[string]any{"userId": "u2", "agentId": "a2"}, 0)
	readUntil(t, peer, hub.EventJoined)

	sendEnvelope(t, writer, "changeState", []map[string]any{
		{"type": "set", "key": "cursor", "value": 42},
	}, 7)

	frames := readUntil(t, writer, "ack", hub.EventChangeState)
	var accepted bool
	if err := json.Unmarshal(frames["ack"], &accepted); err != nil || !accepted {
		t.Errorf("expected positive ack, got %s", frames["ack"])
	}

	peerFrames := readUntil(t, peer, hub.EventChangeState)
	var datagram []state.Entry
	if err := json.Unmarshal(peerFrames[hub.EventChangeState], &datagram); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if len(datagram) != 1 || datagram[0].Key != "cursor" {
		t.Errorf("unexpected broadcast datagram: %s", peerFrames[hub.EventChangeState])
	}
}

func TestSocketChangeStateWithoutJoinIsNacked(t *testing.T) {
	server, _ := newSocketTestServer(t)
	conn := dialChannel(t, server, "c1")

	sendEnvelope(t, conn, "changeState", []map[string]any{
		{"type": "set", "key": "k", "value": 1},
	}, 3)

	frames := readUntil(t, conn, "ack", hub.EventError)
	var accepted bool
	if err := json.Unmarshal(frames["ack"], &accepted); err != nil || accepted {
		t.Errorf("expected negative ack, got %s", frames["ack"])
	}
}

func TestSocketGetMapping(t *testing.T) {
	h := hub.New()
	h.Create("c1", false)
	mapper := &fakeMapper{lookup: func(req mapping.Request) (mapping.Result, error) {
		return mapping.Result{UserApp: "ua-chan"}, nil
	}}
	svc, _ := newTestService(testConfig(), mapper, &fakeStates{}, h)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)

	conn := dialChannel(t, server, "c1")
	sendEnvelope(t, conn, "getMapping", MappingRequest{UserID: "u1", AppID: "a1", Token: "corr-1"}, 0)

	frames := readUntil(t, conn, "mapping")
	var resp MappingResponse
	if err := json.Unmarshal(frames["mapping"], &resp); err != nil {
		t.Fatalf("decode mapping reply: %v", err)
	}
	if resp.UserApp != "ua-chan" || resp.Token != "corr-1" {
		t.Errorf("unexpected mapping reply: %+v", resp)
	}
}

func TestSocketUnknownChannelIs404(t *testing.T) {
	server, _ := newSocketTestServer(t)

	resp, err := http.Get(server.URL + "/channel/never-issued")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown channel, got %d", resp.StatusCode)
	}
}

func TestSocketDisconnectBroadcastsOffline(t *testing.T) {
	server, _ := newSocketTestServer(t)

	watcher := dialChannel(t, server, "c1")
	sendEnvelope(t, watcher, "join", map[string]any{"userId": "u1", "agentId": "a1"}, 0)
	readUntil(t, watcher, hub.EventJoined)

	leaver := dialChannel(t, server, "c1")
	sendEnvelope(t, leaver, "join", map[string]any{"userId": "u2", "agentId": "a2"}, 0)
	readUntil(t, leaver, hub.EventJoined)

	leaver.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = watcher.SetReadDeadline(deadline)
		var env wsEnvelope
		if err := watcher.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for offline status: %v", err)
		}
		if env.Event != hub.EventStatus {
			continue
		}
		var status hub.Status
		if err := json.Unmarshal(env.Data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if len(status.Presence) == 1 && status.Presence[0].Key == "a2" && status.Presence[0].Value == hub.PresenceOffline {
			return
		}
	}
}
