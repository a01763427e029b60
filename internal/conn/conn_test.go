package conn

import (
	"net"
	"testing"
	"time"

	"github.com/meshircd/ircd/internal/logging"
)

func testLogger() logging.Logger { return logging.New("test", logging.LevelError) }

func TestNewConnectionStartsUnknown(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c, err := New(server, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.GetRole() != RoleUnknown {
		t.Fatalf("expected RoleUnknown, got %v", c.GetRole())
	}
	if c.ID == "" {
		t.Fatalf("expected a generated connection id")
	}
}

func TestTransitionUpdatesRole(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c, _ := New(server, testLogger())
	c.Transition(RoleHandshake)
	if c.GetRole() != RoleHandshake {
		t.Fatalf("expected RoleHandshake, got %v", c.GetRole())
	}
	c.Transition(RoleServer)
	if c.GetRole() != RoleServer {
		t.Fatalf("expected RoleServer, got %v", c.GetRole())
	}
}

func TestCapSetClearRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c, _ := New(server, testLogger())
	if c.HasCap("TS6") {
		t.Fatalf("unexpected capability present before SetCap")
	}
	c.SetCap("TS6")
	if !c.HasCap("TS6") {
		t.Fatalf("expected TS6 capability after SetCap")
	}
	c.ClearCap("TS6")
	if c.HasCap("TS6") {
		t.Fatalf("expected TS6 capability cleared")
	}
}

func TestReadAvailableParsesLines(t *testing.T) {
	client, server := net.Pipe()
	c, _ := New(server, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		n, err := c.ReadAvailable(buf)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 line crossed, got %d", n)
		}
	}()
	client.Write([]byte("PING :1234\r\n"))
	<-done
	client.Close()
	server.Close()
}

func TestHandleOnceShutdownClosesTransport(t *testing.T) {
	client, server := net.Pipe()
	c, _ := New(server, testLogger())
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		client.Read(buf)
		close(done)
	}()
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.GetRole() != RoleExiting {
		t.Fatalf("expected RoleExiting after Close, got %v", c.GetRole())
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected the peer's read to return once the transport was closed")
	}
}
