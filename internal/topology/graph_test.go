package topology

import "testing"

func TestIntroduceAndSquitRestoresGraph(t *testing.T) {
	g := New("irc.a.net")
	before := len(g.names)

	if kind := g.CheckNewServer("irc.b.net", "42X"); kind != CollisionNone {
		t.Fatalf("unexpected collision: %v", kind)
	}
	srv := g.IntroduceServer("irc.b.net", "42X", "B Network", g.Root)

	if g.FindByName("irc.b.net") != srv || g.FindByID("42X") != srv {
		t.Fatalf("server not indexed by both name and id")
	}
	if _, ok := g.Root.Children[srv]; !ok {
		t.Fatalf("server not linked as root's child")
	}

	g.RemoveServer(srv, nil)

	if len(g.names) != before {
		t.Fatalf("graph not restored: had %d names, now %d", before, len(g.names))
	}
	if g.FindByID("42X") != nil {
		t.Fatalf("id index not cleared on removal")
	}
	if _, ok := g.Root.Children[srv]; ok {
		t.Fatalf("child link not removed")
	}
}

func TestSIDCollisionDetected(t *testing.T) {
	g := New("irc.a.net")
	g.IntroduceServer("irc.b.net", "42X", "B Network", g.Root)

	if kind := g.CheckNewServer("irc.c.net", "42X"); kind != CollisionIDExists {
		t.Fatalf("expected id collision, got %v", kind)
	}
}

func TestRemoveServerWalksSubtreeBottomUp(t *testing.T) {
	g := New("irc.a.net")
	hub := g.IntroduceServer("irc.hub.net", "1HB", "hub", g.Root)
	leaf := g.IntroduceServer("irc.leaf.net", "2LF", "leaf", hub)

	client := &Entity{Kind: KindRemoteClient, Name: "alice", Parent: leaf, TSCreated: 1000}
	g.register(client)

	room := g.EnsureRoom("#general", 1000)
	room.Join(client, nil)

	g.RemoveServer(hub, nil)

	if g.FindByName("irc.hub.net") != nil || g.FindByName("irc.leaf.net") != nil {
		t.Fatalf("subtree servers not removed")
	}
	if g.FindByName("alice") != nil {
		t.Fatalf("descendant client not removed")
	}
	if g.FindRoom("#general") != nil {
		t.Fatalf("room should have been destroyed when its last member left")
	}
}

func TestNickCollisionOlderWins(t *testing.T) {
	outcome := ResolveNickCollision(1000, 1001, "a@host", "a@host", false)
	if outcome != KeepExisting {
		t.Fatalf("expected KeepExisting, got %v", outcome)
	}
}

func TestNickCollisionTieDifferingUserHostRemovesBoth(t *testing.T) {
	outcome := ResolveNickCollision(1000, 1000, "a@host1", "b@host2", false)
	if outcome != RemoveBoth {
		t.Fatalf("expected RemoveBoth, got %v", outcome)
	}
}

func TestNickCollisionTieSameUserHostRemovesOne(t *testing.T) {
	outcome := ResolveNickCollision(1000, 1000, "a@host", "a@host", false)
	if outcome == RemoveBoth {
		t.Fatalf("identical identities at a tie must remove exactly one side")
	}
}

func TestRoomMembershipSingleEntry(t *testing.T) {
	g := New("irc.a.net")
	room := g.EnsureRoom("#x", 1)
	client := &Entity{Kind: KindLocalClient, Name: "bob"}
	room.Join(client, nil)
	room.Join(client, nil) // re-join must not duplicate

	if len(room.Members) != 1 {
		t.Fatalf("expected exactly one membership entry, got %d", len(room.Members))
	}
}

func TestIntroduceClientIndexesByName(t *testing.T) {
	g := New("irc.a.net")
	alice := g.IntroduceClient(KindRemoteClient, "alice", "alice@host", 1000, g.Root)
	if g.FindByName("alice") != alice {
		t.Fatalf("expected alice to be indexed by name")
	}
	if _, ok := g.Root.Children[alice]; !ok {
		t.Fatalf("expected alice linked under root as a child")
	}
}
