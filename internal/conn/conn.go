// Package conn implements the per-link state machine (spec.md §4.3):
// every open socket, whether it ends up carrying a user or a peer
// server, is one Connection moving through Unknown -> Handshake ->
// {Client, Server} -> Exiting.
package conn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/meshircd/ircd/internal/lifecycle"
	"github.com/meshircd/ircd/internal/linebuf"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/topology"
)

// Role is the Connection's current position in the FSM.
type Role int

const (
	RoleUnknown Role = iota
	RoleHandshake
	RoleClient
	RoleServer
	RoleExiting
)

func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "unknown"
	case RoleHandshake:
		return "handshake"
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleExiting:
		return "exiting"
	default:
		return "invalid"
	}
}

// AuthState carries the handshake bookkeeping spec.md §3 lists on
// Connection: whether a password line has been presented, and which
// configuration record it ultimately matched.
type AuthState struct {
	PasswordPresented bool
	MatchedConfigName string

	// PendingPassword holds a PASS line's argument until the following
	// SERVER/SID line arrives to validate against it (spec.md §4.4).
	PendingPassword string
}

// Connection is one open socket, in exactly one Role at a time. It
// embeds lifecycle.Helper and logging.Logger exactly as the teacher's
// SocketConn/HTTPServer do, giving it the same pause/drain/log idiom.
type Connection struct {
	lifecycle.Helper
	Log logging.Logger

	ID string

	transport net.Conn
	role      Role

	// RecvQ accumulates inbound bytes into terminated lines and is owned
	// exclusively by whatever single goroutine reads this Connection
	// (the runtime's readerPump). SendQ stages outbound lines for
	// Flush and, unlike RecvQ, is shared between whatever goroutine
	// queues output (Putf/PutMsg, called from the event loop) and
	// whatever goroutine drains it to the wire (the runtime's
	// writerPump) — sendMu is the only lock in this package, guarding
	// exactly that one crossing (spec.md §2 "a write scheduler flushes
	// send-queues to sockets").
	RecvQ *linebuf.LineBuf
	SendQ *linebuf.LineBuf
	sendMu sync.Mutex

	// dirty is signalled (non-blocking, capacity 1) every time Putf or
	// PutMsg adds something to SendQ, waking a writer pump blocked
	// waiting for write-ready work (spec.md §5's "write-ready"
	// suspension point).
	dirty chan struct{}

	Caps map[string]struct{}

	Auth AuthState

	// Entity is this Connection's back-reference into the topology
	// graph, set once registration (client) or handshake (server)
	// completes. Nil in RoleUnknown/RoleHandshake.
	Entity *topology.Entity

	LastActivity time.Time

	remoteAddr string
	localAddr  string
}

// New wraps transport in a fresh Connection in RoleUnknown.
func New(transport net.Conn, log logging.Logger) (*Connection, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	c := &Connection{
		ID:           id,
		transport:    transport,
		role:         RoleUnknown,
		RecvQ:        &linebuf.LineBuf{},
		SendQ:        &linebuf.LineBuf{},
		dirty:        make(chan struct{}, 1),
		Caps:         make(map[string]struct{}),
		LastActivity: time.Now(),
	}
	if transport != nil {
		c.remoteAddr = transport.RemoteAddr().String()
		c.localAddr = transport.LocalAddr().String()
	}
	c.Log = log.Fork("conn[%s]", id[:8])
	c.Helper.Init(c)
	return c, nil
}

// GetRole returns the Connection's current FSM state.
func (c *Connection) GetRole() Role { return c.role }

// RemoteAddr/LocalAddr expose the transport's addresses even after the
// transport itself has been swapped out (e.g. by a TLS helper handoff
// to a new plaintext fd, which preserves these cached strings).
func (c *Connection) RemoteAddr() string { return c.remoteAddr }
func (c *Connection) LocalAddr() string  { return c.localAddr }

// Transition moves the Connection to a new Role. It does not itself
// enforce which transitions are legal; callers (handshake, router,
// registration) are expected to only call it along the edges spec.md
// §4.3 allows: Unknown->Handshake, Handshake->{Client,Server}, and
// anything->Exiting.
func (c *Connection) Transition(to Role) {
	from := c.role
	c.role = to
	c.Log.DLogf("role %s -> %s", from, to)
}

// HasCap reports whether name is in the Connection's negotiated
// capability set.
func (c *Connection) HasCap(name string) bool {
	_, ok := c.Caps[name]
	return ok
}

// SetCap adds name to the negotiated capability set.
func (c *Connection) SetCap(name string) { c.Caps[name] = struct{}{} }

// ClearCap removes name (spec.md §4.4 step 6: "clear caps the peer
// cannot support").
func (c *Connection) ClearCap(name string) { delete(c.Caps, name) }

// ReadAvailable reads whatever bytes are currently available from the
// transport into RecvQ, returning the number of complete lines that
// became available. io.EOF and other transport errors propagate so the
// caller can drive the Connection to Exiting.
func (c *Connection) ReadAvailable(buf []byte) (int, error) {
	n, err := c.transport.Read(buf)
	if n > 0 {
		c.LastActivity = time.Now()
		crossed, perr := c.RecvQ.Parse(buf[:n], false)
		if perr != nil {
			return 0, perr
		}
		if err == nil {
			return crossed, nil
		}
		return crossed, err
	}
	return 0, err
}

// Flush drains as much of SendQ to the transport as it will accept.
// Safe to call concurrently with Putf/PutMsg from another goroutine
// (the runtime's writerPump is the only caller outside of shutdown).
func (c *Connection) Flush() (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.SendQ.Flush(c.transport)
}

// QueuedBytes reports how many bytes are currently staged in SendQ,
// taking sendMu so a caller on another goroutine than the writer pump
// (e.g. burst's completion log line) never races Flush's drain of the
// same LineBuf.
func (c *Connection) QueuedBytes() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.SendQ.Len()
}

// Putf queues a formatted outbound line and wakes the writer pump.
func (c *Connection) Putf(format string, args ...interface{}) {
	c.sendMu.Lock()
	c.SendQ.Put(format, args...)
	c.sendMu.Unlock()
	c.signalDirty()
}

// PutMsg queues a prefixed outbound line (":prefix COMMAND ...") and
// wakes the writer pump.
func (c *Connection) PutMsg(prefix, format string, args ...interface{}) {
	c.sendMu.Lock()
	c.SendQ.PutMsg(prefix, format, args...)
	c.sendMu.Unlock()
	c.signalDirty()
}

// signalDirty wakes a writer pump selecting on DirtyChan. The send is
// non-blocking against a capacity-1 channel: one pending signal is
// always enough, since a woken pump drains SendQ down to empty before
// it next waits.
func (c *Connection) signalDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// DirtyChan returns the channel a writer pump waits on for
// write-ready work. Nothing in this package ever spawns that pump
// itself — a Connection used without one (as in most package-level
// tests) simply accumulates SendQ in memory, exactly as before.
func (c *Connection) DirtyChan() <-chan struct{} { return c.dirty }

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler: marks
// the Connection Exiting and closes its transport, draining whatever
// of SendQ the kernel will still accept on the way out.
func (c *Connection) HandleOnceShutdown(completionErr error) error {
	c.role = RoleExiting
	if c.transport != nil {
		c.Flush()
		if err := c.transport.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// SwapTransport replaces the Connection's transport in place. The
// previous transport is closed. Nothing in this repository calls it:
// helper workers relay through a pipe whose core-side end is already
// the Connection's transport, so no descriptor is handed back.
func (c *Connection) SwapTransport(newTransport net.Conn) {
	if c.transport != nil {
		c.transport.Close()
	}
	c.transport = newTransport
}

var _ io.Closer = (*Connection)(nil)

// Close is a convenience alias for StartShutdown+WaitShutdown with no
// advisory error, matching the teacher's SocketConn.Close idiom.
func (c *Connection) Close() error {
	return c.Shutdown(nil)
}
