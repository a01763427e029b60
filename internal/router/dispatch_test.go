package router

import (
	"net"
	"testing"

	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/topology"
)

func testLogger() logging.Logger { return logging.New("test", logging.LevelError) }

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	_, server := net.Pipe()
	c, err := conn.New(server, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestDispatchUnknownServerSourceBumpsPhantomCounter(t *testing.T) {
	g := topology.New("irc.a.net")
	table := NewTable()
	r := New(table, g, testLogger())
	c := newTestConn(t)
	c.Transition(conn.RoleServer)

	line, ok := ParseLine(":ghost PRIVMSG #x :hi")
	if !ok {
		t.Fatalf("parse failed")
	}
	if err := r.Dispatch(c, line); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Stats.PhantomSource != 1 {
		t.Fatalf("expected PhantomSource=1, got %d", g.Stats.PhantomSource)
	}
}

func TestDispatchKnownCommandInvokesHandler(t *testing.T) {
	g := topology.New("irc.a.net")
	peer := g.IntroduceServer("irc.b.net", "42X", "B Network", g.Root)

	table := NewTable()
	called := false
	table.RegisterServer("PING", 1, func(from *conn.Connection, source *topology.Entity, line Line) error {
		called = true
		if source != peer {
			t.Fatalf("expected source to resolve to peer entity")
		}
		return nil
	})
	r := New(table, g, testLogger())
	c := newTestConn(t)
	c.Transition(conn.RoleServer)
	c.Entity = peer

	line, ok := ParseLine(":irc.b.net PING :irc.b.net")
	if !ok {
		t.Fatalf("parse failed")
	}
	if err := r.Dispatch(c, line); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected handler to be invoked")
	}
}

func TestDispatchUnknownCommandFromServerIsIgnoredWithCounter(t *testing.T) {
	g := topology.New("irc.a.net")
	peer := g.IntroduceServer("irc.b.net", "42X", "B Network", g.Root)
	table := NewTable()
	r := New(table, g, testLogger())
	c := newTestConn(t)
	c.Transition(conn.RoleServer)
	c.Entity = peer

	line, _ := ParseLine(":irc.b.net UNKNOWNCMD a b")
	if err := r.Dispatch(c, line); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Stats.IsRefRejections != 1 {
		t.Fatalf("expected IsRefRejections=1, got %d", g.Stats.IsRefRejections)
	}
}

func TestDispatchNumericNoSuchNickToLocalUserIsSilentlyDropped(t *testing.T) {
	g := topology.New("irc.a.net")
	g.IntroduceClient(topology.KindLocalClient, "alice", "alice@host", 1000, g.Root)

	table := NewTable()
	r := New(table, g, testLogger())
	c := newTestConn(t)
	c.Transition(conn.RoleServer)

	forwarded := false
	r.Forward = func(route, prefix, body string) error {
		forwarded = true
		return nil
	}

	line, _ := ParseLine(":irc.a.net 401 alice :No such nick")
	if err := r.Dispatch(c, line); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forwarded {
		t.Fatalf("expected 401 addressed at a local user to not be forwarded")
	}
}
