// Package stream serves live tails of agent activity logs over
// WebSocket. Each connection follows one agent; entries flow in from the
// event bus and out to every follower, dropping on slow consumers rather
// than blocking the publisher.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/events"
	"github.com/enruana/claude-orka-sub000/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 64
)

// Hub fans bus log events out to WebSocket followers, one subscription
// per followed agent.
type Hub struct {
	bus      bus.EventBus
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	agents  map[string]*fanout
	closed  bool
	clients map[*client]struct{}
}

type fanout struct {
	sub     bus.Subscription
	clients map[*client]struct{}
}

type client struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte
}

// NewHub creates a hub over the given bus.
func NewHub(b bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus: b,
		log: log.WithFields(zap.String("component", "log-stream")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the ingress binds to loopback; no cross-origin surface
			CheckOrigin: func(*http.Request) bool { return true },
		},
		agents:  make(map[string]*fanout),
		clients: make(map[*client]struct{}),
	}
}

// Serve upgrades the request and follows the agent's log stream until
// the peer disconnects. backlog is replayed first so a fresh follower
// sees recent history before live entries.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, agentID string, backlog []agent.LogEntry) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
	for _, e := range backlog {
		if data := marshalEntry(agentID, e); data != nil {
			c.enqueue(data)
		}
	}

	if err := h.attach(c); err != nil {
		_ = conn.Close()
		return err
	}

	go c.writePump()
	c.readPump()
	h.detach(c)
	return nil
}

// Close tears down every follower and bus subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	subs := make([]bus.Subscription, 0, len(h.agents))
	for _, f := range h.agents {
		if f.sub != nil {
			subs = append(subs, f.sub)
		}
		for c := range f.clients {
			close(c.send)
		}
	}
	h.agents = make(map[string]*fanout)
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	// Unsubscribe outside the hub lock: the memory bus delivers events
	// under its own lock, and handlers take ours.
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// attach registers the client, creating the agent's bus subscription on
// its first follower. The subscription is made before taking the hub
// lock so bus delivery, which runs handlers under the bus lock, can
// never deadlock against us; a losing race simply unsubscribes again.
func (h *Hub) attach(c *client) error {
	sub, err := h.bus.Subscribe(events.BuildLogSubject(c.agentID), h.forward(c.agentID))
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sub.Unsubscribe()
		return http.ErrServerClosed
	}

	var extra bus.Subscription
	f, ok := h.agents[c.agentID]
	if ok {
		extra = sub
	} else {
		f = &fanout{sub: sub, clients: make(map[*client]struct{})}
		h.agents[c.agentID] = f
	}
	f.clients[c] = struct{}{}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if extra != nil {
		_ = extra.Unsubscribe()
	}
	h.log.Debug("log follower attached", zap.String("agent_id", c.agentID))
	return nil
}

// detach removes the client and drops the bus subscription with the
// last follower.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	f, ok := h.agents[c.agentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := f.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(f.clients, c)
	delete(h.clients, c)
	close(c.send)

	var stale bus.Subscription
	if len(f.clients) == 0 {
		stale = f.sub
		delete(h.agents, c.agentID)
	}
	h.mu.Unlock()

	if stale != nil {
		_ = stale.Unsubscribe()
	}
	h.log.Debug("log follower detached", zap.String("agent_id", c.agentID))
}

// forward turns bus events into follower frames. Delivery must never
// block the publisher, so full follower buffers drop the frame.
func (h *Hub) forward(agentID string) bus.EventHandler {
	return func(_ context.Context, event *bus.Event) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			h.log.WithError(err).Warn("log event not marshaled for stream")
			return nil
		}

		h.mu.Lock()
		f, ok := h.agents[agentID]
		if !ok {
			h.mu.Unlock()
			return nil
		}
		followers := make([]*client, 0, len(f.clients))
		for c := range f.clients {
			followers = append(followers, c)
		}
		h.mu.Unlock()

		for _, c := range followers {
			c.enqueue(data)
		}
		return nil
	}
}

func marshalEntry(agentID string, e agent.LogEntry) []byte {
	data, err := json.Marshal(events.LogPayload{
		AgentID:   agentID,
		Level:     e.Level,
		Source:    e.Source,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return nil
	}
	return data
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// follower too slow; losing a line beats stalling the stream
	}
}

// readPump consumes inbound frames until the peer goes away. Followers
// send nothing meaningful; reading keeps control frames flowing.
func (c *client) readPump() {
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
