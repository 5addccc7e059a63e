package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agent-lens/backend/internal/registry"
)

// client is one WebSocket connection subscribed to one session.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	sessionID string
	pinned    bool // explicit select_session; stops following the global selection
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	if conn != nil {
		go c.writePump()
	}
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

func (c *client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) isPinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

func (c *client) setSession(id string, pinned bool) {
	c.mu.Lock()
	c.sessionID = id
	c.pinned = pinned
	c.mu.Unlock()
}

// enqueue queues a frame without blocking. When the buffer is full,
// plain deltas are dropped; snapshot frames evict the oldest queued
// frame instead, so a slow client always ends up with a resync point.
func (c *client) enqueue(data []byte, snapshot bool) bool {
	select {
	case c.send <- data:
		return true
	default:
	}
	if !snapshot {
		return false
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub fans registry deltas out to connected clients, filtering each
// delta by the client's subscribed session.
type Hub struct {
	reg *registry.Registry

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:     reg,
		clients: make(map[*client]bool),
	}
}

// Run consumes registry deltas until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ch := h.reg.Subscribe(256)
	defer h.reg.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			log.Println("[ws] hub stopped")
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			h.route(d)
		}
	}
}

// AddClient registers a connection, points it at the default session,
// and sends the connect frames: sessions_list then full_state.
func (h *Hub) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	c.setSession(h.defaultSession(), false)
	h.sendSessionsList(c)
	h.sendFullState(c)
	return c
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// defaultSession is the freshest session with waiting agents, else the
// freshest overall.
func (h *Hub) defaultSession() string {
	sessions := h.reg.Sessions()
	for _, s := range sessions {
		if h.reg.SessionHasWaitingAgents(s.SessionID) {
			return s.SessionID
		}
	}
	if len(sessions) > 0 {
		return sessions[0].SessionID
	}
	return ""
}

// SelectSession switches one client's subscription and resends its
// snapshot. The server-global selection is not touched.
func (h *Hub) SelectSession(c *client, sessionID string) {
	if _, ok := h.reg.Session(sessionID); !ok {
		log.Printf("[ws] select_session for unknown session %s", sessionID)
		return
	}
	c.setSession(sessionID, true)
	h.sendFullState(c)
	h.sendSessionsList(c)
}

func (h *Hub) route(d registry.Delta) {
	switch d.Type {
	case registry.DeltaAgentAdded, registry.DeltaAgentUpdate, registry.DeltaAgentRemoved:
		var msg WSMessage
		switch d.Type {
		case registry.DeltaAgentAdded:
			msg = WSMessage{Type: MsgAgentAdded, Data: d.Agent}
		case registry.DeltaAgentUpdate:
			msg = WSMessage{Type: MsgAgentUpdate, Data: d.Agent}
		default:
			msg = WSMessage{Type: MsgAgentRemoved, Data: AgentRemovedData{AgentID: d.AgentID}}
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("[ws] marshal %s: %v", msg.Type, err)
			return
		}
		h.forEachClient(func(c *client) {
			if d.Agent != nil && !h.reg.AgentInSession(d.Agent, c.session()) {
				return
			}
			c.enqueue(data, false)
		})

	case registry.DeltaTaskUpdate:
		data, err := json.Marshal(WSMessage{Type: MsgTaskUpdate, Data: d.Task})
		if err != nil {
			return
		}
		// Task boards only exist on team sessions.
		h.forEachClient(func(c *client) {
			if sess, ok := h.reg.Session(c.session()); ok && sess.IsTeam {
				c.enqueue(data, false)
			}
		})

	case registry.DeltaNewMessage:
		data, err := json.Marshal(WSMessage{Type: MsgNewMessage, Data: d.Message})
		if err != nil {
			return
		}
		h.forEachClient(func(c *client) {
			c.enqueue(data, false)
		})

	case registry.DeltaSessionStarted:
		data, err := json.Marshal(WSMessage{Type: MsgSessionStarted, Data: d.Session})
		if err != nil {
			return
		}
		h.forEachClient(func(c *client) {
			c.enqueue(data, false)
			h.sendSessionsList(c)
		})

	case registry.DeltaSessionEnded:
		data, err := json.Marshal(WSMessage{Type: MsgSessionEnded, Data: SessionEndedData{SessionID: d.SessionID}})
		if err != nil {
			return
		}
		h.forEachClient(func(c *client) {
			c.enqueue(data, false)
			h.sendSessionsList(c)
		})

	case registry.DeltaSessionsList:
		h.forEachClient(h.sendSessionsList)

	case registry.DeltaFullState:
		// The global selection moved. Clients that never selected a
		// session themselves follow it; pinned clients keep their own.
		h.forEachClient(func(c *client) {
			if c.isPinned() {
				return
			}
			c.setSession(d.SessionID, false)
			h.sendFullState(c)
		})
	}
}

func (h *Hub) forEachClient(fn func(*client)) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}

// sessionEntries builds the sessions_list rows with the active flag
// computed against the given session id.
func (h *Hub) sessionEntries(activeID string) []SessionEntry {
	sessions := h.reg.Sessions()
	entries := make([]SessionEntry, 0, len(sessions))
	for _, s := range sessions {
		entries = append(entries, SessionEntry{
			Session:    s,
			AgentCount: h.reg.AgentCount(s.SessionID),
			Active:     s.SessionID == activeID,
		})
	}
	return entries
}

func (h *Hub) sendSessionsList(c *client) {
	data, err := json.Marshal(WSMessage{
		Type: MsgSessionsList,
		Data: SessionsListData{Sessions: h.sessionEntries(c.session())},
	})
	if err != nil {
		log.Printf("[ws] marshal sessions_list: %v", err)
		return
	}
	c.enqueue(data, true)
}

func (h *Hub) sendFullState(c *client) {
	sid := c.session()
	if sid == "" {
		return
	}
	sess, ok := h.reg.Session(sid)
	if !ok {
		return
	}

	payload := FullStateData{
		Session:  sess,
		Agents:   h.reg.AgentsForSession(sid),
		Messages: h.reg.Messages(),
	}
	if sess.IsTeam {
		payload.Tasks = h.reg.Tasks()
	}

	data, err := json.Marshal(WSMessage{Type: MsgFullState, Data: payload})
	if err != nil {
		log.Printf("[ws] marshal full_state: %v", err)
		return
	}
	c.enqueue(data, true)
}
