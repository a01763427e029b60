package runtime

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/meshircd/ircd/internal/burst"
	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/handshake"
	"github.com/meshircd/ircd/internal/router"
	"github.com/meshircd/ircd/internal/topology"
)

// timeSyncCap is the capability token whose presence in a peer's CAPAB
// line satisfies spec.md §4.4 step 1's time-sync requirement, the same
// "TS6" token ircd-ratbox peers advertise for timestamp-based collision
// resolution.
const timeSyncCap = "TS6"

// buildTable registers every handler in spec.md §6's core command
// surface against established Server Connections. Client-role handlers
// are deliberately absent: user registration and chat-command handling
// are out of scope (spec.md §1).
func (rt *Runtime) buildTable() {
	rt.Table.RegisterServer("SERVER", 3, rt.handleServerIntroduction)
	rt.Table.RegisterServer("SID", 4, rt.handleSIDIntroduction)
	rt.Table.RegisterServer("PING", 1, rt.handlePing)
	rt.Table.RegisterServer("PONG", 1, rt.handlePong)
	rt.Table.RegisterServer("SQUIT", 2, rt.handleSquit)
	rt.Table.RegisterServer("KILL", 2, rt.handleKill)
}

// handleHandshakeLine processes a line from a Connection still in
// RoleUnknown/RoleHandshake: PASS and CAPAB accumulate state, SERVER/SID
// runs the full link handshake, anything else is a protocol violation
// this early (spec.md §4.3 "becomes Handshake after receiving any
// recognizable handshake command").
func (rt *Runtime) handleHandshakeLine(c *conn.Connection, line router.Line) {
	c.Transition(conn.RoleHandshake)
	switch strings.ToUpper(line.Command) {
	case "PASS":
		if len(line.Params) > 0 {
			c.Auth.PendingPassword = line.Params[0]
		}
	case "CAPAB":
		for _, p := range line.Params {
			c.SetCap(strings.ToUpper(p))
		}
	case "SERVER":
		rt.handleInitialServer(c, false, line)
	case "SID":
		rt.handleInitialServer(c, true, line)
	default:
		rt.dropConnection(c, "not registered")
	}
}

// handleInitialServer runs spec.md §4.4's six-step validation for a
// direct inbound SERVER/SID line, then admits the peer and bursts.
func (rt *Runtime) handleInitialServer(c *conn.Connection, isSID bool, line router.Line) {
	req, ok := handshake.ParseServerLine(isSID, line.Params)
	if !ok {
		rt.dropConnection(c, "malformed SERVER/SID line")
		return
	}
	req.PeerAddr = hostOnly(c.RemoteAddr())
	req.PasswordGiven = c.Auth.PendingPassword
	req.HasTimeSyncCap = c.HasCap(timeSyncCap)

	result := handshake.Validate(req, rt.Config.Connect, rt.Graph)
	if result.Outcome != handshake.OK {
		rt.Log.Notice("rejected link from %s: %s", req.PeerAddr, result.Outcome)
		rt.dropConnectionWithError(c, result.Outcome.WireError(), result.Outcome.String())
		return
	}

	entity := handshake.Admit(c, req, result, rt.Graph, c.Caps, rt.Log)
	rt.registerRoute(c)

	// Four-message preamble (SPEC_FULL.md §C.5): PASS echoes the
	// matched connect-block's own password back so the peer can
	// authenticate us symmetrically, CAPAB re-advertises our
	// capabilities post-negotiation, SERVER introduces the local node,
	// and SVINFO exchanges TS version/protocol before the burst begins.
	if result.Matched != nil && result.Matched.Password != "" {
		c.Putf("PASS %s TS 6 :%s", result.Matched.Password, rt.Config.ServerInfo.SID)
	}
	c.Putf("CAPAB :%s", strings.Join(negotiatedCaps(c), " "))
	c.Putf("SERVER %s 1 :%s", rt.Config.ServerInfo.Name, rt.Config.ServerInfo.Description)
	c.Putf("SVINFO 6 6 0 :%d", nowUnix())
	burst.Run(c, rt.Graph, burst.Options{Format: wireFormatFor(c), GlobalSigil: '#'}, rt.Config.ServerInfo.Name, rt.Log)
	rt.announceNewServer(entity, router.ConnectionRouteKey(c))
}

// handleServerIntroduction implements spec.md §4.4's "introduction from
// an already-established peer" for a bare SERVER line.
func (rt *Runtime) handleServerIntroduction(from *conn.Connection, source *topology.Entity, line router.Line) error {
	req, ok := handshake.ParseServerLine(false, line.Params)
	if !ok {
		return from.Log.DLogErrorf("malformed SERVER introduction")
	}
	rt.introduceServer(from, source, req.Name, "", req.Info)
	return nil
}

// handleSIDIntroduction is handleServerIntroduction's SID counterpart,
// carrying a short-id.
func (rt *Runtime) handleSIDIntroduction(from *conn.Connection, source *topology.Entity, line router.Line) error {
	req, ok := handshake.ParseServerLine(true, line.Params)
	if !ok {
		return from.Log.DLogErrorf("malformed SID introduction")
	}
	rt.introduceServer(from, source, req.Name, req.SID, req.Info)
	return nil
}

// introduceServer implements spec.md §4.4's "introduction from an
// already-established peer": the same name/id uniqueness rules as the
// initial handshake (spec.md §4.4 step 4), plus the silently-ignore
// self-echo case, the nick/server-collision check, and — because a
// peer can introduce a grandchild server well after its own handshake
// completed — a re-check of hub/leaf policy against that peer's
// config (spec.md §8 S4).
func (rt *Runtime) introduceServer(from *conn.Connection, source *topology.Entity, name, id, info string) {
	switch rt.Graph.CheckNewServer(name, id) {
	case topology.CollisionIDExists:
		rt.dropConnectionWithError(from, fmt.Sprintf("SID %s already exists", id), "Server Exists")
		return
	case topology.CollisionNameExists:
		existing := rt.Graph.FindByName(name)
		if router.RouteConnectionName(existing) == router.ConnectionRouteKey(from) {
			// Same peer re-announcing its own existing subtree member;
			// silently ignore to avoid echoing a delink.
			return
		}
		rt.dropConnectionWithError(from, fmt.Sprintf("Server %s already exists", name), "Server Exists")
		return
	}
	if !strings.Contains(name, ".") {
		rt.dropConnectionWithError(from, fmt.Sprintf("Nick/Server collision on %s", name), "nick/server collision")
		return
	}
	if from.Entity != nil && !handshake.HubLeafPolicy(rt.Config.Connect, from.Entity.Name, name) {
		rt.dropConnectionWithError(from, "Matching leaf_mask", "Leafed Server.")
		return
	}
	entity := rt.Graph.IntroduceServer(name, id, info, source)
	rt.announceNewServer(entity, router.ConnectionRouteKey(from))
}

// announceNewServer propagates a newly introduced Server entity to
// every other Server Connection, in ID form to peers that negotiated
// short-id support and name form to the rest (spec.md §4.4
// "Introduction from an already-established peer").
func (rt *Runtime) announceNewServer(entity *topology.Entity, exceptRoute string) {
	for name, c := range rt.routes {
		if name == exceptRoute {
			continue
		}
		if c.HasCap(timeSyncCap) && entity.ID != "" {
			c.Putf(":%s SID %s 1 %s :%s", entity.Parent.Name, entity.Name, entity.ID, entity.Info)
		} else {
			c.Putf(":%s SERVER %s 1 :%s", entity.Parent.Name, entity.Name, entity.Info)
		}
	}
}

func (rt *Runtime) handlePing(from *conn.Connection, source *topology.Entity, line router.Line) error {
	origin := line.Params[0]
	from.Putf(":%s PONG %s :%s", rt.Config.ServerInfo.Name, rt.Config.ServerInfo.Name, origin)
	return nil
}

func (rt *Runtime) handlePong(from *conn.Connection, source *topology.Entity, line router.Line) error {
	from.Log.TLogf("pong from %s", source)
	return nil
}

// handleSquit implements spec.md §4.6 "Removing a server": the named
// Server and its whole subtree are removed, with an exit message for
// every departing client on every peer Connection except the one the
// SQUIT arrived on.
func (rt *Runtime) handleSquit(from *conn.Connection, source *topology.Entity, line router.Line) error {
	target := rt.Graph.FindByName(line.Params[0])
	if target == nil || !target.IsServer() {
		return nil
	}
	exceptRoute := router.ConnectionRouteKey(from)
	directConn, wasDirect := rt.routes[strings.ToLower(target.Name)]

	rt.Graph.RemoveServer(target, func(exited *topology.Entity) {
		rt.broadcastExcept(exceptRoute, "", "QUIT %s :%s", exited.Name, strings.Join(line.Params[1:], " "))
	})
	if wasDirect {
		delete(rt.routes, strings.ToLower(target.Name))
	}
	rt.broadcastExcept(exceptRoute, source.Name, "SQUIT %s :%s", target.Name, strings.Join(line.Params[1:], " "))
	if wasDirect {
		directConn.StartShutdown(nil)
	}
	return nil
}

// handleKill implements the client-removal half of spec.md §4.6's
// removal rules: the named client leaves the graph and the KILL is
// relayed onward.
func (rt *Runtime) handleKill(from *conn.Connection, source *topology.Entity, line router.Line) error {
	target := rt.Graph.FindByName(line.Params[0])
	if target == nil || target.IsServer() {
		return nil
	}
	rt.Graph.QuitClient(target)
	rt.broadcastExcept(router.ConnectionRouteKey(from), source.Name, "KILL %s :%s", line.Params[0], strings.Join(line.Params[1:], " "))
	return nil
}

func wireFormatFor(c *conn.Connection) burst.WireFormat {
	if c.HasCap(timeSyncCap) {
		return burst.WireByID
	}
	return burst.WireByName
}

// negotiatedCaps renders c's surviving capability set for the CAPAB
// preamble line, after Admit has already cleared whatever the peer
// could not support.
func negotiatedCaps(c *conn.Connection) []string {
	caps := make([]string, 0, len(c.Caps))
	for name := range c.Caps {
		caps = append(caps, name)
	}
	return caps
}

func nowUnix() int64 { return time.Now().Unix() }

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
