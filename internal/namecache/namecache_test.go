package namecache

import "testing"

func TestCollapseReusesFirstSpelling(t *testing.T) {
	c := New(16)
	first := c.Collapse("IRC.Hub.Net")
	second := c.Collapse("irc.hub.net")
	if first != second {
		t.Fatalf("expected collapsed spellings to match: %q vs %q", first, second)
	}
	if second != "IRC.Hub.Net" {
		t.Fatalf("expected the first-seen spelling to win, got %q", second)
	}
}

func TestCollapseDistinctNames(t *testing.T) {
	c := New(16)
	if c.Collapse("irc.a.net") == c.Collapse("irc.b.net") {
		t.Fatalf("expected distinct names to stay distinct")
	}
}
