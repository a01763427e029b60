// Package runtime wires every other component into the single
// cooperative event loop spec.md §5 requires: one goroutine owns the
// topology graph and every routing decision, while a per-Connection
// reader goroutine does nothing but turn socket bytes into parsed
// Lines and hand them across a channel (spec.md §4.3, §4.5).
package runtime

import (
	"strings"
	"sync"
	"time"

	"github.com/meshircd/ircd/internal/config"
	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/handshake"
	"github.com/meshircd/ircd/internal/helperchannel"
	"github.com/meshircd/ircd/internal/linebuf"
	"github.com/meshircd/ircd/internal/listener"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/router"
	"github.com/meshircd/ircd/internal/topology"
)

// PingInterval is how often an idle Connection is prodded, and
// PingTimeout is how long it may go without an inbound line before
// being dropped (spec.md §5 "Ping timeouts are driven by per-Connection
// timer entries").
const (
	PingInterval = 90 * time.Second
	PingTimeout  = 3 * PingInterval
)

// Runtime owns the event loop and every piece of long-lived state the
// handlers in handlers.go close over: the graph, the dispatch table,
// the set of live Server Connections keyed by route name, and the
// helper pool.
type Runtime struct {
	Log    logging.Logger
	Graph  *topology.Graph
	Table  *router.Table
	Router *router.Router
	Config *config.Config
	Helper *helperchannel.Pool

	listeners []*listener.Listener

	// routes indexes every Server-role Connection by the name of the
	// directly attached Server Entity it represents, the same namespace
	// router.Router.Forward addresses into.
	routes map[string]*conn.Connection
	conns  map[string]*conn.Connection

	events chan event

	stopOnce sync.Once
	stop     chan struct{}
}

// New wires a Runtime around graph, rooted at cfg.ServerInfo.Name, and
// builds the SERVER/SID/PING/PONG/SQUIT/KILL dispatch table (spec.md §6
// "core command surface").
func New(cfg *config.Config, pool *helperchannel.Pool, log logging.Logger) *Runtime {
	graph := topology.New(cfg.ServerInfo.Name)
	table := router.NewTable()

	rt := &Runtime{
		Log:    log.Fork("runtime"),
		Graph:  graph,
		Table:  table,
		Config: cfg,
		Helper: pool,
		routes: make(map[string]*conn.Connection),
		conns:  make(map[string]*conn.Connection),
		events: make(chan event, 256),
		stop:   make(chan struct{}),
	}
	rt.Router = router.New(table, graph, rt.Log)
	rt.Router.Forward = rt.forwardToRoute
	rt.buildTable()
	return rt
}

// AddListener attaches l to the runtime; Run starts draining its
// Accepted channel alongside the main loop.
func (rt *Runtime) AddListener(l *listener.Listener) {
	rt.listeners = append(rt.listeners, l)
}

// Run starts every attached listener and blocks processing events on
// the single event-loop goroutine until Stop is called.
func (rt *Runtime) Run() error {
	for _, l := range rt.listeners {
		if err := l.Start(); err != nil {
			return err
		}
		go rt.pumpAccepts(l)
	}

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stop:
			rt.shutdownAll()
			return nil
		case ev := <-rt.events:
			rt.handle(ev)
		case <-ticker.C:
			rt.checkActivity()
		}
	}
}

// Stop requests the event loop exit; the actual teardown of listeners
// and Connections runs on the loop goroutine itself so it is never
// racing the loop's own mutation of rt.conns/rt.routes.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		close(rt.stop)
	})
}

func (rt *Runtime) shutdownAll() {
	for _, l := range rt.listeners {
		l.StartShutdown(nil)
	}
	for _, c := range rt.conns {
		c.StartShutdown(nil)
	}
}

// event is the union of everything the event loop reacts to. Only
// concrete types below are ever sent on Runtime.events.
type event interface{}

type acceptedEvent struct{ conn *conn.Connection }
type lineEvent struct {
	conn *conn.Connection
	line string
}
type closedEvent struct {
	conn *conn.Connection
	err  error
}

func (rt *Runtime) handle(ev event) {
	switch e := ev.(type) {
	case acceptedEvent:
		rt.onAccepted(e.conn)
	case lineEvent:
		rt.onLine(e.conn, e.line)
	case closedEvent:
		rt.onClosed(e.conn, e.err)
	}
}

// pumpAccepts turns l's admitted sockets into Connections and launches
// a reader pump for each; it never touches the graph itself.
func (rt *Runtime) pumpAccepts(l *listener.Listener) {
	for {
		select {
		case accepted, ok := <-l.Accepted:
			if !ok {
				return
			}
			c, err := conn.New(accepted.Conn, rt.Log)
			if err != nil {
				rt.Log.WLogf("could not create connection: %v", err)
				accepted.Conn.Close()
				continue
			}
			rt.events <- acceptedEvent{conn: c}
			go rt.readerPump(c)
			go rt.writerPump(c)
		case <-rt.stop:
			return
		}
	}
}

// writerPump is the write-ready suspension point spec.md §5 requires:
// outside of shutdown it is the only goroutine that calls c.Flush, woken whenever
// Putf/PutMsg (called from the event-loop goroutine while handling an
// event) adds something to c.SendQ (spec.md §2 "a write scheduler
// flushes send-queues to sockets"). It owns nothing the event loop
// touches directly — Connection.sendMu is what makes queuing and
// flushing safe to run on two different goroutines.
func (rt *Runtime) writerPump(c *conn.Connection) {
	done := c.ShutdownDoneChan()
	for {
		select {
		case <-c.DirtyChan():
			for {
				n, err := c.Flush()
				if err != nil {
					if err == linebuf.ErrWouldBlock {
						break
					}
					rt.events <- closedEvent{conn: c, err: err}
					return
				}
				if n == 0 {
					break
				}
			}
		case <-done:
			return
		}
	}
}

// readerPump owns c.RecvQ exclusively: it is the only goroutine that
// ever calls ReadAvailable/Get on this particular Connection, so no
// lock is needed even though the event loop and many readerPumps run
// concurrently (spec.md §5 "no locks required").
func (rt *Runtime) readerPump(c *conn.Connection) {
	buf := make([]byte, 4096)
	var lineBuf [576]byte
	for {
		crossed, err := c.ReadAvailable(buf)
		for i := 0; i < crossed; i++ {
			n := c.RecvQ.Get(lineBuf[:], false, false)
			if n == 0 {
				break
			}
			rt.events <- lineEvent{conn: c, line: string(lineBuf[:n])}
		}
		if err != nil {
			rt.events <- closedEvent{conn: c, err: err}
			return
		}
	}
}

func (rt *Runtime) onAccepted(c *conn.Connection) {
	c.Transition(conn.RoleHandshake)
	rt.conns[c.ID] = c
	rt.Log.DLogf("accepted %s", c.RemoteAddr())
}

func (rt *Runtime) onLine(c *conn.Connection, raw string) {
	if _, ok := rt.conns[c.ID]; !ok {
		return // already torn down; a stray event from before closedEvent was processed
	}
	line, ok := router.ParseLine(raw)
	if !ok {
		return
	}

	switch c.GetRole() {
	case conn.RoleUnknown, conn.RoleHandshake:
		rt.handleHandshakeLine(c, line)
	default:
		if err := rt.Router.Dispatch(c, line); err != nil {
			rt.dropConnection(c, err.Error())
		}
	}
}

func (rt *Runtime) onClosed(c *conn.Connection, err error) {
	if _, ok := rt.conns[c.ID]; !ok {
		return
	}
	delete(rt.conns, c.ID)
	if c.Entity != nil && c.Entity.IsServer() && rt.Graph.FindByName(c.Entity.Name) == c.Entity {
		name := strings.ToLower(c.Entity.Name)
		delete(rt.routes, name)
		rt.Graph.RemoveServer(c.Entity, func(exited *topology.Entity) {
			rt.broadcastExcept(name, "", "QUIT %s :%s", exited.Name, "link lost")
		})
		rt.broadcastExcept(name, c.Entity.Name, "SQUIT %s :%s", c.Entity.Name, "link lost")
	}
	c.StartShutdown(err)
}

func (rt *Runtime) checkActivity() {
	now := time.Now()
	for _, c := range rt.conns {
		if now.Sub(c.LastActivity) > PingTimeout {
			rt.dropConnection(c, "ping timeout")
			continue
		}
		if now.Sub(c.LastActivity) > PingInterval {
			c.Putf("PING :%s", rt.Config.ServerInfo.Name)
		}
	}
}

// dropConnection logs reason, tells the peer why (best effort) with a
// generic "Closing link:" wire line, and starts the Connection's
// shutdown. The graph cleanup happens when the resulting closedEvent
// arrives, keeping there being exactly one path that ever calls
// Graph.RemoveServer for a given Connection.
func (rt *Runtime) dropConnection(c *conn.Connection, reason string) {
	rt.dropConnectionWithError(c, "Closing link: "+reason, reason)
}

// dropConnectionWithError is dropConnection with the wire ERROR text
// and the operator-facing log/drop reason specified independently,
// needed because spec.md §8's literal transcripts (e.g. S2's wire
// "SID 42C already exists" against reason "Server Exists", S4's wire
// "Matching leaf_mask" against reason "Leafed Server.") are not the
// same string.
func (rt *Runtime) dropConnectionWithError(c *conn.Connection, errLine, reason string) {
	c.Putf("ERROR :%s", errLine)
	c.Log.DLogf("dropping connection: %s", reason)
	c.StartShutdown(nil)
}

// forwardToRoute is router.Router.Forward's implementation: it is the
// only point where the router, which owns no Connection registry
// itself, reaches a peer's actual send-queue.
func (rt *Runtime) forwardToRoute(routeName, prefix, body string) error {
	c, ok := rt.routes[strings.ToLower(routeName)]
	if !ok {
		return nil
	}
	c.PutMsg(":"+prefix+" ", "%s", body)
	return nil
}

// broadcastExcept queues a formatted line on every Server Connection
// other than exceptRoute (spec.md §4.6 "an exit message is emitted on
// all peer Connections except the one through which the removal was
// received"). exceptRoute is matched case-insensitively since rt.routes
// is keyed by lower-cased name but callers (e.g. router.ConnectionRouteKey)
// hand back a Connection's Entity.Name in its original case.
func (rt *Runtime) broadcastExcept(exceptRoute, prefix, format string, args ...interface{}) {
	exceptRoute = strings.ToLower(exceptRoute)
	for name, c := range rt.routes {
		if name == exceptRoute {
			continue
		}
		if prefix == "" {
			c.Putf(format, args...)
		} else {
			c.PutMsg(":"+prefix+" ", format, args...)
		}
	}
}

// registerRoute binds a newly admitted Server Connection's route name
// so Forward/broadcastExcept can reach it.
func (rt *Runtime) registerRoute(c *conn.Connection) {
	rt.routes[strings.ToLower(c.Entity.Name)] = c
}
