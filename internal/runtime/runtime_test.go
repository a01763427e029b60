package runtime

import (
	"net"
	"strings"
	"testing"

	"github.com/meshircd/ircd/internal/config"
	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/router"
)

func testLogger() logging.Logger { return logging.New("test", logging.LevelError) }

func newTestConn(t *testing.T) (*conn.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c, err := conn.New(server, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c, client
}

func drainLines(c *conn.Connection) []string {
	var lines []string
	dst := make([]byte, 1024)
	for {
		n := c.SendQ.Get(dst, false, false)
		if n == 0 {
			break
		}
		lines = append(lines, string(dst[:n]))
	}
	return lines
}

func containsPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

// TestHandleInitialServerAdmitsAndBursts mirrors spec.md §8 S1: a
// correctly authenticated peer completes the link handshake and
// receives the PASS/CAPAB/SERVER/SVINFO preamble followed by a burst
// ending in PING.
func TestHandleInitialServerAdmitsAndBursts(t *testing.T) {
	cfg := &config.Config{
		ServerInfo: config.ServerInfo{Name: "irc.a.net", SID: "42A", Description: "A Network"},
		Connect: []config.Connect{
			{Name: "irc.b.net", Host: "*", Password: "sekrit", HubMask: "*"},
		},
	}
	rt := New(cfg, nil, testLogger())

	c, client := newTestConn(t)
	defer client.Close()
	c.SetCap(timeSyncCap)
	c.Auth.PendingPassword = "sekrit"

	line, ok := router.ParseLine("SID irc.b.net 1 42B :B Network")
	if !ok {
		t.Fatalf("failed to parse test SID line")
	}
	rt.handleInitialServer(c, true, line)

	if c.GetRole() != conn.RoleServer {
		t.Fatalf("expected Connection to transition to RoleServer, got %s", c.GetRole())
	}
	if rt.Graph.FindByName("irc.b.net") == nil {
		t.Fatalf("expected irc.b.net to be registered in the graph")
	}

	lines := drainLines(c)
	if !containsPrefix(lines, "PASS sekrit TS 6 :42A") {
		t.Fatalf("expected PASS preamble line, got %v", lines)
	}
	if !containsPrefix(lines, "CAPAB :") {
		t.Fatalf("expected CAPAB preamble line, got %v", lines)
	}
	if !containsPrefix(lines, "SERVER irc.a.net 1 :A Network") {
		t.Fatalf("expected SERVER preamble line, got %v", lines)
	}
	if !containsPrefix(lines, "SVINFO 6 6 0 :") {
		t.Fatalf("expected SVINFO preamble line, got %v", lines)
	}
	if lines[len(lines)-1] != "PING :irc.a.net" {
		t.Fatalf("expected burst to end with completing PING, got %v", lines)
	}
}

// TestIntroduceServerSIDCollisionDropsWithServerExists mirrors
// spec.md §8 S2: a peer introducing a server under a fresh name but
// an already-claimed short-id must be dropped with the literal wire
// line "ERROR :SID <id> already exists", distinct from the
// name-collision case.
func TestIntroduceServerSIDCollisionDropsWithServerExists(t *testing.T) {
	cfg := &config.Config{ServerInfo: config.ServerInfo{Name: "irc.a.net", SID: "42A"}}
	rt := New(cfg, nil, testLogger())

	hub := rt.Graph.IntroduceServer("irc.hub.net", "42H", "Hub", rt.Graph.Root)
	rt.Graph.IntroduceServer("irc.b.net", "42C", "B Network", hub)

	from, client := newTestConn(t)
	defer client.Close()
	from.Entity = hub

	rt.introduceServer(from, hub, "irc.c.net", "42C", "C Net")

	lines := drainLines(from)
	if !containsPrefix(lines, "ERROR :SID 42C already exists") {
		t.Fatalf("expected literal SID-collision ERROR line, got %v", lines)
	}
	if !from.IsScheduledShutdown() {
		t.Fatalf("expected the peer's connection to be dropped")
	}
	if rt.Graph.FindByName("irc.c.net") != nil {
		t.Fatalf("colliding server must not be registered")
	}
}

// TestIntroduceServerHubLeafRefusal mirrors spec.md §8 S4: a hub peer
// introducing a server matching its own leaf_mask must be refused
// with the literal wire line "ERROR :Matching leaf_mask".
func TestIntroduceServerHubLeafRefusal(t *testing.T) {
	cfg := &config.Config{
		ServerInfo: config.ServerInfo{Name: "irc.a.net", SID: "42A"},
		Connect: []config.Connect{
			{Name: "irc.hub.net", Host: "*", HubMask: "*", LeafMask: "*.edu"},
		},
	}
	rt := New(cfg, nil, testLogger())

	hub := rt.Graph.IntroduceServer("irc.hub.net", "42H", "Hub", rt.Graph.Root)

	from, client := newTestConn(t)
	defer client.Close()
	from.Entity = hub

	rt.introduceServer(from, hub, "irc.school.edu", "SCH", "School")

	lines := drainLines(from)
	if !containsPrefix(lines, "ERROR :Matching leaf_mask") {
		t.Fatalf("expected literal leaf_mask ERROR line, got %v", lines)
	}
	if !from.IsScheduledShutdown() {
		t.Fatalf("expected the peer's connection to be dropped")
	}
	if rt.Graph.FindByName("irc.school.edu") != nil {
		t.Fatalf("leaf-prohibited server must not be registered")
	}
}

// TestIntroduceServerSelfEchoIgnored covers the silent-ignore case
// spec.md §4.4 carves out alongside the collision rules: a peer
// re-announcing a name already reachable through its own connection
// must not be dropped.
func TestIntroduceServerSelfEchoIgnored(t *testing.T) {
	cfg := &config.Config{ServerInfo: config.ServerInfo{Name: "irc.a.net", SID: "42A"}}
	rt := New(cfg, nil, testLogger())

	from, client := newTestConn(t)
	defer client.Close()
	hub := rt.Graph.IntroduceServer("irc.hub.net", "42H", "Hub", rt.Graph.Root)
	from.Entity = hub
	rt.registerRoute(from)

	leaf := rt.Graph.IntroduceServer("irc.leaf.net", "42L", "Leaf", hub)

	rt.introduceServer(from, hub, leaf.Name, "", leaf.Info)

	if from.IsScheduledShutdown() {
		t.Fatalf("self-echoed introduction must not drop the connection")
	}
	if len(drainLines(from)) != 0 {
		t.Fatalf("self-echoed introduction must not queue a reply")
	}
}
