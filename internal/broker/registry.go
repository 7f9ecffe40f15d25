package broker

import (
	"sync"

	"github.com/drosenbauer/sightline/pkg/protocol"
)

// membership records which room slot a control connection occupies.
type membership struct {
	room string
	role protocol.Role
}

// roomState holds the two role slots of a room. A slot is empty when "".
type roomState struct {
	capture string // connection ID of the phone peer
	viewer  string // connection ID of the browser peer
}

func (r *roomState) get(role protocol.Role) string {
	if role == protocol.RolePhone {
		return r.capture
	}
	return r.viewer
}

func (r *roomState) set(role protocol.Role, connID string) {
	if role == protocol.RolePhone {
		r.capture = connID
	} else {
		r.viewer = connID
	}
}

func (r *roomState) empty() bool {
	return r.capture == "" && r.viewer == ""
}

// registry is the broker's room bookkeeping: room → role slots and
// connection → membership. All mutations go through this single coordinator
// so join, leave, and relay observe a consistent snapshot.
type registry struct {
	mu      sync.Mutex
	rooms   map[string]*roomState
	members map[string]membership
}

func newRegistry() *registry {
	return &registry{
		rooms:   make(map[string]*roomState),
		members: make(map[string]membership),
	}
}

// joinResult describes the outcome of a join for the hub to act on.
type joinResult struct {
	// evicted is the connection ID of a prior occupant of the same role
	// slot, or "" if the slot was free. The incumbent is evicted, never
	// the newcomer rejected.
	evicted string

	// opposite is the connection ID currently holding the opposite role,
	// or "" if that slot is empty.
	opposite string

	// oppositeRole is the role of the opposite slot occupant.
	oppositeRole protocol.Role
}

// join associates connID with the given room slot. If connID already occupies
// a slot elsewhere, that slot is released first.
func (g *registry) join(room string, role protocol.Role, connID string) joinResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Leaving a previous room implicitly (re-join with a new room ID).
	g.leaveLocked(connID)

	rs, ok := g.rooms[room]
	if !ok {
		rs = &roomState{}
		g.rooms[room] = rs
	}

	res := joinResult{
		evicted:      rs.get(role),
		opposite:     rs.get(role.Opposite()),
		oppositeRole: role.Opposite(),
	}

	if res.evicted != "" {
		delete(g.members, res.evicted)
	}

	rs.set(role, connID)
	g.members[connID] = membership{room: room, role: role}
	return res
}

// leaveResult describes a departure for the hub to act on.
type leaveResult struct {
	ok        bool
	room      string
	role      protocol.Role
	remaining string // connection ID of the peer left behind, or ""
	roomFreed bool   // both slots empty, room descriptor released
}

// leave releases connID's slot, if any.
func (g *registry) leave(connID string) leaveResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(connID)
}

func (g *registry) leaveLocked(connID string) leaveResult {
	m, ok := g.members[connID]
	if !ok {
		return leaveResult{}
	}
	delete(g.members, connID)

	res := leaveResult{ok: true, room: m.room, role: m.role}

	rs, ok := g.rooms[m.room]
	if !ok {
		return res
	}
	if rs.get(m.role) == connID {
		rs.set(m.role, "")
	}
	res.remaining = rs.get(m.role.Opposite())
	if rs.empty() {
		delete(g.rooms, m.room)
		res.roomFreed = true
	}
	return res
}

// membershipOf returns connID's room and role.
func (g *registry) membershipOf(connID string) (membership, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[connID]
	return m, ok
}

// othersInRoom returns the connection IDs of every room occupant except
// exclude.
func (g *registry) othersInRoom(room, exclude string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs, ok := g.rooms[room]
	if !ok {
		return nil
	}
	var out []string
	for _, id := range []string{rs.capture, rs.viewer} {
		if id != "" && id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// viewerOf returns the connection ID of the room's viewer slot, or "".
func (g *registry) viewerOf(room string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs, ok := g.rooms[room]
	if !ok {
		return ""
	}
	return rs.viewer
}
