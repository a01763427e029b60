package topology

import (
	"strings"
)

// Graph is the single in-memory arena backing the topology: a
// case-insensitive name index, a short-id index, and the Room table,
// all anchored at Root, the local node's own Server entity (spec.md
// §4.6). Graph is not safe for concurrent use — the event loop is the
// only mutator (spec.md §5).
type Graph struct {
	Root *Entity

	names map[string]*Entity // keyed lower-case
	ids   map[string]*Entity
	rooms map[string]*Room // keyed lower-case

	// Counters bumped by the router: PhantomSource for an unknown
	// message source, WrongDirection for a message from the wrong
	// direction, IsRefRejections for an unknown command from a server.
	// Accepts rejected by the listener are not counted here.
	Stats Counters
}

// Counters tallies the small set of named events spec.md requires be
// observable (§4.5, §4.7, §8 S6).
type Counters struct {
	PhantomSource   int64
	WrongDirection  int64
	IsRefRejections int64
}

// New creates a Graph rooted at a freshly created local Server entity
// named localName.
func New(localName string) *Graph {
	root := NewServerEntity(localName, nil)
	root.Parent = root // the root is its own parent, per spec.md §3
	g := &Graph{
		Root:  root,
		names: make(map[string]*Entity),
		ids:   make(map[string]*Entity),
		rooms: make(map[string]*Room),
	}
	g.names[key(localName)] = root
	return g
}

func key(name string) string { return strings.ToLower(name) }

// FindByName returns the Entity registered under name, or nil.
func (g *Graph) FindByName(name string) *Entity {
	return g.names[key(name)]
}

// FindByID returns the Entity registered under id, or nil.
func (g *Graph) FindByID(id string) *Entity {
	if id == "" {
		return nil
	}
	return g.ids[id]
}

// FindRoom returns the Room registered under name, or nil.
func (g *Graph) FindRoom(name string) *Room {
	return g.rooms[key(name)]
}

// AllServers returns every Server entity currently in the graph,
// including Root, in no particular order. Used by burst step 1.
func (g *Graph) AllServers() []*Entity {
	var out []*Entity
	for _, e := range g.names {
		if e.IsServer() {
			out = append(out, e)
		}
	}
	return out
}

// AllClients returns every client (local or remote) Entity currently
// in the graph. Used by burst step 2.
func (g *Graph) AllClients() []*Entity {
	var out []*Entity
	for _, e := range g.names {
		if e.Kind == KindLocalClient || e.Kind == KindRemoteClient {
			out = append(out, e)
		}
	}
	return out
}

// AllRooms returns every Room in the graph. Used by burst step 3.
func (g *Graph) AllRooms() []*Room {
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

// register links e into the name (and, if set, id) indices. Callers
// must have already verified uniqueness (spec.md invariants 2, 3).
func (g *Graph) register(e *Entity) {
	g.names[key(e.Name)] = e
	if e.ID != "" {
		g.ids[e.ID] = e
	}
	if e.Parent != nil && e.Parent != e {
		e.Parent.AddChild(e)
	}
}

// unregister removes e from the name/id indices and from its parent's
// children set, but does not touch Room memberships — callers that
// need that (server removal, client quit) do it explicitly so the
// order of operations around emitted exit messages stays in their
// control.
func (g *Graph) unregister(e *Entity) {
	delete(g.names, key(e.Name))
	if e.ID != "" {
		delete(g.ids, e.ID)
	}
	if e.Parent != nil && e.Parent != e {
		e.Parent.RemoveChild(e)
	}
}

// CollisionKind names which identifier of a proposed server is already
// taken, so callers can send the matching rejection (server name vs.
// short id already exists).
type CollisionKind int

const (
	CollisionNone CollisionKind = iota
	CollisionNameExists
	CollisionIDExists
)

// CheckNewServer validates that neither id nor name is already
// claimed, returning which collided. id is checked first: when a peer
// announces a server under a fresh name but a short-id already bound
// to a different name, that is the more specific, more dangerous
// collision (it would clobber Graph.ids in register()), so it must
// win over a simultaneous name check rather than be masked by it
// (spec.md §8 scenario S2). Used by the link handshake (spec.md §4.4
// step 4) and by peer-originated SERVER/SID introduction (spec.md
// §4.4 "Introduction from an already-established peer").
func (g *Graph) CheckNewServer(name, id string) CollisionKind {
	if id != "" && g.FindByID(id) != nil {
		return CollisionIDExists
	}
	if g.FindByName(name) != nil {
		return CollisionNameExists
	}
	return CollisionNone
}

// IntroduceClient adds a new client Entity (local or remote) under
// parent, after the caller has already resolved any name collision via
// ResolveNickCollision (spec.md §4.6 "Introducing a new client").
func (g *Graph) IntroduceClient(kind Kind, name, userHost string, tsCreated int64, parent *Entity) *Entity {
	e := &Entity{
		Kind:      kind,
		Name:      name,
		UserHost:  userHost,
		TSCreated: tsCreated,
		Parent:    parent,
	}
	g.register(e)
	return e
}

// IntroduceServer adds a new Server entity under parent, after the
// caller has already verified CheckNewServer returned CollisionNone.
func (g *Graph) IntroduceServer(name, id, info string, parent *Entity) *Entity {
	e := NewServerEntity(name, parent)
	e.ID = id
	e.Info = info
	g.register(e)
	return e
}

// RemoveServer deletes e and its entire subtree bottom-up: every
// descendant client is removed from the graph and from every Room
// membership, and every descendant Server entity is unregistered,
// before e itself is unregistered (spec.md §4.6 "Removing a server").
// exitClient is invoked once per removed client Entity (so the caller
// can emit the corresponding QUIT/exit messages on every peer
// Connection except the one the removal came from); exitClient may be
// nil.
func (g *Graph) RemoveServer(e *Entity, exitClient func(*Entity)) {
	if !e.IsServer() {
		return
	}
	// Recurse into every child Server first so the walk is bottom-up.
	for child := range e.Children {
		if child.IsServer() {
			g.RemoveServer(child, exitClient)
		}
	}
	// Now remove every client still directly parented here.
	for child := range e.Children {
		if child.IsServer() {
			continue
		}
		g.removeClient(child)
		if exitClient != nil {
			exitClient(child)
		}
	}
	g.unregister(e)
}

// removeClient detaches client from every Room it is a member of and
// then from the graph's indices. A Room left empty is destroyed
// (spec.md §3).
func (g *Graph) removeClient(client *Entity) {
	for _, r := range g.rooms {
		if _, ok := r.Members[client]; ok {
			r.Leave(client)
			if r.IsEmpty() {
				delete(g.rooms, key(r.Name))
			}
		}
	}
	g.unregister(client)
}

// QuitClient is RemoveServer's single-entity counterpart, used when a
// client departs without its parent server going away (local
// disconnect, peer-reported QUIT).
func (g *Graph) QuitClient(client *Entity) {
	g.removeClient(client)
}

// EnsureRoom returns the Room named name, creating it (with createdAt
// as its creation timestamp) if it does not already exist (spec.md §3
// "Room: created on first join").
func (g *Graph) EnsureRoom(name string, createdAt int64) *Room {
	if r := g.rooms[key(name)]; r != nil {
		return r
	}
	r := NewRoom(name, createdAt)
	g.rooms[key(name)] = r
	return r
}

// MergeRoomTimestamp applies the burst merge rule for Room creation
// timestamps: the lower-valued timestamp wins (spec.md §3). If
// incoming is older, the room's timestamp (and, implicitly, the
// "ownership" of its mode/mask state) is taken over by the incoming
// value; the caller is responsible for clearing stale modes/masks
// when that happens, since that is burst-protocol-specific.
func MergeRoomTimestamp(existing, incoming int64) (winner int64, tookOver bool) {
	if incoming < existing {
		return incoming, true
	}
	return existing, false
}
