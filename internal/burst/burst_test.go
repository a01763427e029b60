package burst

import (
	"net"
	"strings"
	"testing"

	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/topology"
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

func TestBurstServersEmitsEachNonRootServer(t *testing.T) {
	g := topology.New("irc.a.net")
	g.IntroduceServer("irc.b.net", "42X", "B Network", g.Root)

	c, client := newTestConn(t)
	defer client.Close()

	Run(c, g, Options{Format: WireByName}, "irc.a.net", testLogger())
	lines := drainLines(c)

	found := false
	for _, l := range lines {
		if strings.Contains(l, "SID irc.b.net") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a SID line for irc.b.net, got %v", lines)
	}
}

func TestBurstEndsWithPing(t *testing.T) {
	g := topology.New("irc.a.net")
	c, client := newTestConn(t)
	defer client.Close()

	Run(c, g, Options{}, "irc.a.net", testLogger())
	lines := drainLines(c)
	if len(lines) == 0 || !strings.HasPrefix(lines[len(lines)-1], "PING :irc.a.net") {
		t.Fatalf("expected final line to be the completing PING, got %v", lines)
	}
}

func TestBurstRoomSplitsOversizedMemberList(t *testing.T) {
	g := topology.New("irc.a.net")
	room := g.EnsureRoom("#big", 1000)
	for i := 0; i < 100; i++ {
		name := strings.Repeat("x", 20) + string(rune('a'+i%26))
		member := g.IntroduceClient(topology.KindRemoteClient, name, name+"@host", 1000, g.Root)
		room.Join(member, nil)
	}

	c, client := newTestConn(t)
	defer client.Close()

	Run(c, g, Options{GlobalSigil: '#'}, "irc.a.net", testLogger())
	lines := drainLines(c)

	sjoinLines := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "SJOIN") {
			sjoinLines++
			if len(l) > wireLineBudget+40 {
				t.Fatalf("SJOIN line exceeded wire budget: %d bytes", len(l))
			}
		}
	}
	if sjoinLines < 2 {
		t.Fatalf("expected the oversized membership list to split across multiple SJOIN lines, got %d", sjoinLines)
	}
}
