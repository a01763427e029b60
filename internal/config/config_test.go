package config

import (
	"strings"
	"testing"
)

const sample = `
# local node identity
serverinfo {
	name = "irc.a.net";
	sid = "1AA";
	description = "A Network hub";
};

connect {
	name = "irc.b.net";
	host = "203.0.113.5";
	password = "secret";
	encrypted = no;
	port = 6667;
	hub_mask = "*";
};

listen {
	address = "0.0.0.0";
	port = 6667;
	sslflag = no;
};

operator {
	name = "admin";
	user = "admin@*";
	password = "hunter2";
};
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerInfo.Name != "irc.a.net" || cfg.ServerInfo.SID != "1AA" {
		t.Fatalf("got serverinfo %+v", cfg.ServerInfo)
	}
	if len(cfg.Connect) != 1 || cfg.Connect[0].Host != "203.0.113.5" || cfg.Connect[0].Port != 6667 {
		t.Fatalf("got connect %+v", cfg.Connect)
	}
	if cfg.Connect[0].Encrypted {
		t.Fatalf("expected encrypted=false")
	}
	if len(cfg.Listen) != 1 || cfg.Listen[0].TLS {
		t.Fatalf("got listen %+v", cfg.Listen)
	}
	if len(cfg.Operator) != 1 || cfg.Operator[0].Name != "admin" {
		t.Fatalf("got operator %+v", cfg.Operator)
	}
}

func TestParseRejectsUnterminatedBlock(t *testing.T) {
	if _, err := Parse(strings.NewReader("serverinfo {\nname = \"x\";\n")); err == nil {
		t.Fatalf("expected error for unterminated block")
	}
}

func TestParseRejectsMalformedAssignment(t *testing.T) {
	if _, err := Parse(strings.NewReader("serverinfo {\nname\n};\n")); err == nil {
		t.Fatalf("expected error for malformed assignment")
	}
}
