package router

import (
	"strconv"
	"strings"

	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/topology"
)

// Handler processes one dispatched Line. source is the resolved source
// Entity (never nil by the time a Handler runs); from is the
// Connection the line arrived on.
type Handler func(from *conn.Connection, source *topology.Entity, line Line) error

// entry is one registered (command, role) -> (handler, min-params)
// binding.
type entry struct {
	handler  Handler
	minParams int
}

// Table is the dispatch table mapping (command-name, role) pairs to
// handlers, keyed case-insensitively on command (spec.md §4.3, §4.5).
type Table struct {
	byServer map[string]entry
	byClient map[string]entry
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		byServer: make(map[string]entry),
		byClient: make(map[string]entry),
	}
}

// RegisterServer binds a handler for cmd arriving from a Server-role
// Connection.
func (t *Table) RegisterServer(cmd string, minParams int, h Handler) {
	t.byServer[strings.ToUpper(cmd)] = entry{handler: h, minParams: minParams}
}

// RegisterClient binds a handler for cmd arriving from a Client-role
// Connection.
func (t *Table) RegisterClient(cmd string, minParams int, h Handler) {
	t.byClient[strings.ToUpper(cmd)] = entry{handler: h, minParams: minParams}
}

// Router ties a Table to the topology Graph it resolves sources
// against and dispatches into.
type Router struct {
	Table *Table
	Graph *topology.Graph
	Log   logging.Logger

	// Forward delivers a fully-formed line toward the Connection that
	// routes to the named Server/client route. The runtime supplies
	// this (it, not the router, owns the peer-Connection registry);
	// a nil Forward makes cross-peer numeric forwarding a no-op, which
	// is sufficient for routers used only against local state (tests).
	Forward func(routeName, prefix, body string) error
}

// New creates a Router over graph using table for dispatch.
func New(table *Table, graph *topology.Graph, log logging.Logger) *Router {
	return &Router{Table: table, Graph: graph, Log: log.Fork("router")}
}

// Dispatch resolves line's source against from's role and the graph,
// then looks up and invokes the matching handler (spec.md §4.3, §4.5).
// unknownCounter/phantomCounter-style bookkeeping lives on
// Graph.Stats; Dispatch only bumps it.
func (r *Router) Dispatch(from *conn.Connection, line Line) error {
	if IsNumeric(line.Command) {
		return r.dispatchNumeric(from, line)
	}

	source, ok := r.resolveSource(from, line)
	if !ok {
		return nil // dropped: phantom source or wrong direction
	}

	role := from.GetRole()
	var tbl map[string]entry
	switch role {
	case conn.RoleServer:
		tbl = r.Table.byServer
	case conn.RoleClient:
		tbl = r.Table.byClient
	default:
		return from.Log.DLogErrorf("dispatch: connection in role %s cannot dispatch commands", role)
	}

	e, found := tbl[strings.ToUpper(line.Command)]
	if !found {
		return r.handleUnknownCommand(from, role)
	}
	if len(line.Params) < e.minParams {
		return r.handleShortParams(from, role, line.Command)
	}
	return e.handler(from, source, line)
}

// resolveSource implements spec.md §4.5's source-resolution rules. ok
// is false when the line must be silently dropped (phantom source or
// wrong-direction), in which case the corrective message, if any, has
// already been queued on from.
func (r *Router) resolveSource(from *conn.Connection, line Line) (*topology.Entity, bool) {
	if line.Source == "" {
		return from.Entity, true
	}

	e := r.Graph.FindByName(line.Source)
	if e == nil {
		e = r.Graph.FindByID(line.Source)
	}
	if e == nil {
		r.Graph.Stats.PhantomSource++
		if looksLikeServerToken(line.Source) {
			from.Putf("SQUIT %s :Phantom source", line.Source)
		} else {
			from.Putf("KILL %s :Phantom source", line.Source)
		}
		return nil, false
	}

	if from.GetRole() == conn.RoleServer {
		route := RouteConnectionName(e)
		if route != "" && route != ConnectionRouteKey(from) {
			r.Graph.Stats.WrongDirection++
			return nil, false
		}
	}
	return e, true
}

// RouteConnectionName returns the name of the directly attached Server
// entity that is e's route to the local node: e itself if e is a
// directly attached Server, otherwise the nearest ancestor Server that
// is directly attached (its Parent is Root).
func RouteConnectionName(e *topology.Entity) string {
	cur := e
	for cur != nil && cur.Parent != nil && cur.Parent != cur {
		if cur.Parent.Parent == cur.Parent { // Parent is Root (self-parented)
			return cur.Name
		}
		cur = cur.Parent
	}
	if cur != nil {
		return cur.Name
	}
	return ""
}

// ConnectionRouteKey identifies a Server-role Connection by the name
// of the Entity it represents, the same namespace RouteConnectionName
// resolves into.
func ConnectionRouteKey(c *conn.Connection) string {
	if c.Entity == nil {
		return ""
	}
	return c.Entity.Name
}

func (r *Router) handleUnknownCommand(from *conn.Connection, role conn.Role) error {
	if role == conn.RoleServer {
		r.Graph.Stats.IsRefRejections++
		return nil
	}
	from.Putf("421 %s :Unknown command", from.ID)
	return nil
}

func (r *Router) handleShortParams(from *conn.Connection, role conn.Role, cmd string) error {
	if role == conn.RoleServer {
		return from.Log.DLogErrorf("protocol violation: %s missing required parameters", cmd)
	}
	from.Putf("461 %s %s :Not enough parameters", from.ID, cmd)
	return nil
}

// dispatchNumeric implements spec.md §4.5's numeric-forwarding rule:
// forward to the target named in parameter 1, dropping
// NOSUCHNICK/NOSUCHSERVER silently when addressed to a local user, and
// logging (not forwarding) anything addressed to the local node.
func (r *Router) dispatchNumeric(from *conn.Connection, line Line) error {
	if len(line.Params) < 1 {
		return nil
	}
	target := line.Params[0]
	if strings.EqualFold(target, r.Graph.Root.Name) {
		r.Log.ILogf("numeric %s from %s: %s", line.Command, line.Source, strings.Join(line.Params[1:], " "))
		return nil
	}

	targetEntity := r.Graph.FindByName(target)
	if targetEntity != nil && targetEntity.Kind == topology.KindLocalClient {
		if isSilentlyDroppedNumeric(line.Command) {
			return nil
		}
	}

	if targetEntity == nil || r.Forward == nil {
		return nil
	}
	// Reconstruction of the remainder is bounded by LineBuf's own
	// 510-byte body cap; no separate truncation is needed here.
	rest := strings.Join(line.Params[1:], " ")
	if rest != "" {
		rest = " " + rest
	}
	route := RouteConnectionName(targetEntity)
	return r.Forward(route, line.Source, line.Command+" "+target+rest)
}

func isSilentlyDroppedNumeric(cmd string) bool {
	return cmd == "401" || cmd == "402" // NOSUCHNICK, NOSUCHSERVER
}

// ParseMinParams is a small helper for validating a numeric-looking
// parameter (e.g. a hopcount); none of the registered handlers call it.
func ParseMinParams(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
