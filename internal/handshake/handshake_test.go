package handshake

import (
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/meshircd/ircd/internal/config"
	"github.com/meshircd/ircd/internal/topology"
)

func TestValidateNameRejectsNoDot(t *testing.T) {
	if ValidateName("ircbnet") {
		t.Fatalf("expected rejection of a name with no dot")
	}
}

func TestValidateNameAcceptsWellFormed(t *testing.T) {
	if !ValidateName("irc.b.net") {
		t.Fatalf("expected acceptance of a well-formed name")
	}
}

func baseBlocks() []config.Connect {
	return []config.Connect{
		{Name: "irc.b.net", Host: "203.0.113.*", Password: "secret", HubMask: "*"},
	}
}

func TestValidateMissingTimeSyncCapFails(t *testing.T) {
	req := Request{Name: "irc.b.net", PeerAddr: "203.0.113.5", PasswordGiven: "secret"}
	g := topology.New("irc.a.net")
	res := Validate(req, baseBlocks(), g)
	if res.Outcome != ErrNoTimeSyncCap {
		t.Fatalf("expected ErrNoTimeSyncCap, got %v", res.Outcome)
	}
}

func TestValidateSucceeds(t *testing.T) {
	req := Request{Name: "irc.b.net", PeerAddr: "203.0.113.5", PasswordGiven: "secret", HasTimeSyncCap: true}
	g := topology.New("irc.a.net")
	res := Validate(req, baseBlocks(), g)
	if res.Outcome != OK {
		t.Fatalf("expected OK, got %v", res.Outcome)
	}
	if res.Matched == nil || res.Matched.Name != "irc.b.net" {
		t.Fatalf("expected matched connect block, got %+v", res.Matched)
	}
}

func TestValidateWrongPasswordFails(t *testing.T) {
	req := Request{Name: "irc.b.net", PeerAddr: "203.0.113.5", PasswordGiven: "wrong", HasTimeSyncCap: true}
	g := topology.New("irc.a.net")
	res := Validate(req, baseBlocks(), g)
	if res.Outcome != ErrPasswordMismatch {
		t.Fatalf("expected ErrPasswordMismatch, got %v", res.Outcome)
	}
}

func TestValidateEncryptedPasswordUsesBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blocks := []config.Connect{
		{Name: "irc.b.net", Host: "*", Password: string(hash), Encrypted: true, HubMask: "*"},
	}
	req := Request{Name: "irc.b.net", PeerAddr: "203.0.113.5", PasswordGiven: "secret", HasTimeSyncCap: true}
	g := topology.New("irc.a.net")
	res := Validate(req, blocks, g)
	if res.Outcome != OK {
		t.Fatalf("expected OK, got %v", res.Outcome)
	}
}

func TestValidateNameCollisionFails(t *testing.T) {
	g := topology.New("irc.a.net")
	g.IntroduceServer("irc.b.net", "42X", "B Network", g.Root)
	req := Request{Name: "irc.b.net", PeerAddr: "203.0.113.5", PasswordGiven: "secret", HasTimeSyncCap: true}
	res := Validate(req, baseBlocks(), g)
	if res.Outcome != ErrNameExists {
		t.Fatalf("expected ErrNameExists, got %v", res.Outcome)
	}
}

func TestValidateLeafProhibitionFails(t *testing.T) {
	blocks := []config.Connect{
		{Name: "irc.b.net", Host: "*", Password: "secret", LeafMask: "*"},
	}
	req := Request{Name: "irc.b.net", PeerAddr: "203.0.113.5", PasswordGiven: "secret", HasTimeSyncCap: true}
	g := topology.New("irc.a.net")
	res := Validate(req, blocks, g)
	if res.Outcome != ErrHubLeafPolicy {
		t.Fatalf("expected ErrHubLeafPolicy, got %v", res.Outcome)
	}
}

func TestParseServerLine(t *testing.T) {
	req, ok := ParseServerLine(false, []string{"irc.b.net", "1", "B Network"})
	if !ok {
		t.Fatalf("expected successful parse")
	}
	if req.Name != "irc.b.net" || req.Hop != 1 || req.Info != "B Network" {
		t.Fatalf("got %+v", req)
	}
}

func TestParseSIDLine(t *testing.T) {
	req, ok := ParseServerLine(true, []string{"irc.b.net", "1", "42X", "B Network"})
	if !ok {
		t.Fatalf("expected successful parse")
	}
	if req.SID != "42X" {
		t.Fatalf("got %+v", req)
	}
}
