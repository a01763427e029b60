package router

import "testing"

func TestParseLineNoSource(t *testing.T) {
	l, ok := ParseLine("SERVER irc.b.net 1 :B Network")
	if !ok {
		t.Fatalf("expected successful parse")
	}
	if l.Source != "" || l.Command != "SERVER" {
		t.Fatalf("got %+v", l)
	}
	if len(l.Params) != 3 || l.Params[0] != "irc.b.net" || l.Params[1] != "1" || l.Params[2] != "B Network" {
		t.Fatalf("got params %+v", l.Params)
	}
}

func TestParseLineWithSource(t *testing.T) {
	l, ok := ParseLine(":irc.a.net PING :irc.a.net")
	if !ok {
		t.Fatalf("expected successful parse")
	}
	if l.Source != "irc.a.net" || l.Command != "PING" {
		t.Fatalf("got %+v", l)
	}
	if len(l.Params) != 1 || l.Params[0] != "irc.a.net" {
		t.Fatalf("got params %+v", l.Params)
	}
}

func TestParseLineEmpty(t *testing.T) {
	if _, ok := ParseLine(""); ok {
		t.Fatalf("expected failure on empty line")
	}
}

func TestIsNumeric(t *testing.T) {
	cases := map[string]bool{
		"001": true,
		"401": true,
		"SERVER": false,
		"12":  false,
		"12a": false,
	}
	for cmd, want := range cases {
		if got := IsNumeric(cmd); got != want {
			t.Errorf("IsNumeric(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestLooksLikeServerToken(t *testing.T) {
	if !looksLikeServerToken("irc.b.net") {
		t.Errorf("expected dotted name to look like a server token")
	}
	if !looksLikeServerToken("42X") {
		t.Errorf("expected digit-led id to look like a server token")
	}
	if looksLikeServerToken("alice") {
		t.Errorf("expected plain nick to not look like a server token")
	}
}
