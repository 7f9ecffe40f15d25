// Package broker implements the signaling broker: it accepts long-lived
// WebSocket control connections from capture and viewer peers, groups them
// by room, relays SDP offers/answers and ICE candidates verbatim, announces
// peer arrivals and departures, and routes frame-inference traffic to the
// in-process engine.
package broker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/drosenbauer/sightline/internal/engine"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// Hub is the signaling broker. It implements http.Handler for the WebSocket
// endpoint and engine.Sink for the result return path.
//
// Room state lives only in memory; nothing survives a restart.
type Hub struct {
	eng *engine.Engine
	reg *registry
	log *slog.Logger

	mu      sync.Mutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
}

// client is one connected control connection. Writes are serialized with a
// per-connection mutex; the broker's relay path may write to the same
// connection from several reader goroutines.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewHub creates a signaling Hub routing frame requests to eng.
func NewHub(eng *engine.Engine, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		eng:     eng,
		reg:     newRegistry(),
		log:     logger.With("component", "broker"),
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close shuts down the hub, forcefully closing all peer connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		// Ignore close errors — peers may already be disconnected.
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.cancel()
}

// ServeHTTP implements http.Handler. Each request is expected to be a
// WebSocket upgrade; the connection is assigned a server-side identifier
// that doubles as the peer ID in notifications.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Peers connect from local pages and ephemeral tunnel hostnames.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.log.Info("control connection opened", "conn_id", c.id)

	defer h.handleDisconnect(c)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			// Malformed messages are dropped; the connection survives.
			h.log.Warn("ignoring malformed message", "conn_id", c.id, "error", err)
			continue
		}

		h.handleMessage(c, msg)
	}
}

// handleMessage dispatches one control message from a connected peer.
func (h *Hub) handleMessage(c *client, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.JoinRoomMessage:
		h.handleJoin(c, m)
	case *protocol.OfferMessage:
		m.From = c.id
		h.relay(c, m.Room, m)
	case *protocol.AnswerMessage:
		m.From = c.id
		h.relay(c, m.Room, m)
	case *protocol.ICECandidateMessage:
		m.From = c.id
		h.relay(c, m.Room, m)
	case *protocol.ProcessFrameMessage:
		h.eng.Submit(c.id, m)
	case *protocol.InitializeServerModelMessage:
		// Model loading can take seconds; never block the read loop on it.
		go h.handleInitializeModel(c, m)
	default:
		h.log.Debug("ignoring unexpected message type",
			"conn_id", c.id, "type", msg.MessageType())
	}
}

// handleJoin registers the sender in a room slot. A second join of an
// occupied role evicts the incumbent; the policy is uniform across rooms.
func (h *Hub) handleJoin(c *client, m *protocol.JoinRoomMessage) {
	if m.Room == "" || !m.Role.Valid() {
		h.log.Warn("dropping invalid join", "conn_id", c.id, "room", m.Room, "role", m.Role)
		return
	}

	res := h.reg.join(m.Room, m.Role, c.id)

	h.log.Info("peer joined room",
		"conn_id", c.id, "room", m.Room, "role", m.Role, "evicted", res.evicted != "")

	if res.evicted != "" && res.evicted != c.id {
		if old := h.client(res.evicted); old != nil {
			_ = old.conn.Close(websocket.StatusPolicyViolation, "role slot taken over")
		}
		// The opposite peer sees the incumbent leave before the
		// newcomer arrives.
		h.send(res.opposite, &protocol.PeerLeftMessage{PeerID: res.evicted, Role: m.Role})
	}

	if res.opposite != "" {
		// The newcomer learns about the pre-existing peer first, so it
		// can act before any SDP/ICE relay.
		h.send(c.id, &protocol.PeerJoinedMessage{PeerID: res.opposite, Role: res.oppositeRole})
		h.send(res.opposite, &protocol.PeerJoinedMessage{PeerID: c.id, Role: m.Role})
	}
}

// handleInitializeModel loads the detector on demand and reports the outcome.
func (h *Hub) handleInitializeModel(c *client, m *protocol.InitializeServerModelMessage) {
	dur, err := h.eng.Initialize(h.ctx)
	if err != nil {
		h.send(c.id, &protocol.ModelInitializationResultMessage{
			Success: false,
			Error:   err.Error(),
			Room:    m.Room,
		})
		return
	}
	h.send(c.id, &protocol.ModelInitializationResultMessage{
		Success:  true,
		Message:  "model loaded",
		LoadTime: dur.Milliseconds(),
		Room:     m.Room,
	})
}

// relay forwards a message to every other peer in the room. Payloads are
// never inspected or retained; relay failures are silently absorbed.
func (h *Hub) relay(sender *client, room string, msg protocol.Message) {
	if room == "" {
		h.log.Warn("dropping relay without room", "conn_id", sender.id, "type", msg.MessageType())
		return
	}
	for _, id := range h.reg.othersInRoom(room, sender.id) {
		h.send(id, msg)
	}
}

// handleDisconnect clears the departing peer's slot and notifies the
// remaining peer.
func (h *Hub) handleDisconnect(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	res := h.reg.leave(c.id)
	if !res.ok {
		h.log.Info("control connection closed", "conn_id", c.id)
		return
	}

	h.log.Info("peer left room", "conn_id", c.id, "room", res.room, "role", res.role)

	if res.remaining != "" {
		h.send(res.remaining, &protocol.PeerLeftMessage{PeerID: c.id, Role: res.role})
	}
	if res.roomFreed {
		h.eng.ForgetRoom(res.room)
	}
}

// SendResult implements engine.Sink: the detection result goes to the viewer
// currently registered for the room. If no viewer is registered at
// completion time, the result is dropped.
func (h *Hub) SendResult(room string, res *protocol.DetectionResultMessage) {
	viewer := h.reg.viewerOf(room)
	if viewer == "" {
		h.log.Debug("dropping result for viewerless room", "room", room, "frame_id", res.FrameID)
		return
	}
	h.send(viewer, res)
}

// SendError implements engine.Sink: per-frame failures go back to the
// originating connection.
func (h *Hub) SendError(origin string, message string) {
	h.send(origin, &protocol.ProcessingErrorMessage{Error: message})
}

// client looks up a connected client by ID.
func (h *Hub) client(id string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[id]
}

// send marshals and writes a message to one connection. Failures (peer gone
// mid-send) are absorbed: they surface to the peer's own read loop, never to
// the sender.
func (h *Hub) send(connID string, msg protocol.Message) {
	c := h.client(connID)
	if c == nil {
		return
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		h.log.Error("marshaling outbound message", "type", msg.MessageType(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.log.Debug("write to peer failed", "conn_id", connID, "error", err)
	}
}
