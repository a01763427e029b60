// Package burst enumerates and transmits the entire visible topology
// to a newly established peer (spec.md §4.6 "Burst").
package burst

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jpillora/sizestr"

	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/topology"
)

// wireLineBudget is the conventional 510-byte body cap minus a fixed
// allowance for command name and prefix (spec.md §4.6 step 3: "a
// wire-length threshold, conventionally 510 bytes minus fixed
// overhead").
const wireLineBudget = 470

// WireFormat selects whether a peer is addressed by id (TS6-style) or
// by full name, negotiated during handshake (spec.md §4.4 step 6,
// §4.6 step 1).
type WireFormat int

const (
	WireByName WireFormat = iota
	WireByID
)

// ref renders e the way peer expects to see it referenced on the wire.
func ref(e *topology.Entity, format WireFormat) string {
	if format == WireByID && e.ID != "" {
		return e.ID
	}
	return e.Name
}

// Options configures one burst run.
type Options struct {
	Format       WireFormat
	TopicCap     bool // true if the peer advertised topic-burst capability
	GlobalSigil  byte // Room names starting with this byte are bursted (spec.md §4.6 step 3)
}

// Run performs the four-step burst of spec.md §4.6 over to, then sends
// the completing PING, logging the queued byte count rendered with
// sizestr.
func Run(to *conn.Connection, g *topology.Graph, opts Options, localName string, log logging.Logger) {
	before := to.QueuedBytes()

	burstServers(to, g, opts)
	burstClients(to, g, opts)
	burstRooms(to, g, opts)

	to.Putf("PING :%s", localName)

	sent := to.QueuedBytes() - before
	log.ILogf("burst to %s queued %s", to.ID, sizestr.ToString(int64(sent)))
}

func burstServers(to *conn.Connection, g *topology.Graph, opts Options) {
	servers := g.AllServers()
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	for _, s := range servers {
		if s == g.Root {
			continue
		}
		parentRef := ref(s.Parent, opts.Format)
		to.Putf(":%s SID %s 1 %s :%s", parentRef, s.Name, s.ID, s.Info)
	}
}

func burstClients(to *conn.Connection, g *topology.Graph, opts Options) {
	clients := g.AllClients()
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	for _, c := range clients {
		parentRef := ref(c.Parent, opts.Format)
		line := fmt.Sprintf(":%s EUID %s 1 %d %s :%s", parentRef, c.Name, c.TSCreated, c.UserHost, c.Info)
		if c.AwayMsg != "" {
			line += fmt.Sprintf(" :%s", c.AwayMsg)
		}
		to.Putf("%s", line)
	}
}

func burstRooms(to *conn.Connection, g *topology.Graph, opts Options) {
	rooms := g.AllRooms()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	for _, r := range rooms {
		if opts.GlobalSigil != 0 && (len(r.Name) == 0 || r.Name[0] != opts.GlobalSigil) {
			continue
		}
		burstRoom(to, r, opts)
	}
}

func burstRoom(to *conn.Connection, r *topology.Room, opts Options) {
	members := make([]*topology.Entity, 0, len(r.Members))
	for m := range r.Members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	prefix := fmt.Sprintf("SJOIN %d %s %s :", r.CreatedAt, r.Name, r.ModeString())
	batchMembers(to, prefix, members, r)

	for kind := topology.MaskBan; kind <= topology.MaskInvitation; kind++ {
		burstMasks(to, r, kind)
	}

	if opts.TopicCap && r.Topic != nil {
		to.Putf(":%s TOPIC %s %s %d :%s", r.Topic.Author, r.Name, r.Topic.Author, r.Topic.SetAt, r.Topic.Text)
	}
}

// batchMembers implements the "batches split at a wire-length
// threshold" rule for the join list (spec.md §4.6 step 3).
func batchMembers(to *conn.Connection, prefix string, members []*topology.Entity, r *topology.Room) {
	var b strings.Builder
	b.WriteString(prefix)
	flushedAny := false

	flush := func() {
		if b.Len() > len(prefix) {
			to.Putf("%s", b.String())
			flushedAny = true
		}
		b.Reset()
		b.WriteString(prefix)
	}

	for _, m := range members {
		tok := memberToken(m, r)
		addition := tok
		if b.Len() > len(prefix) {
			addition = " " + tok
		}
		if b.Len()+len(addition) > wireLineBudget {
			flush()
			addition = tok
		}
		b.WriteString(addition)
	}
	flush()
	if !flushedAny && len(members) == 0 {
		// An empty room mid-burst (joined-then-parted before burst ran)
		// still needs its creation/mode line; send the bare prefix.
		to.Putf("%s", prefix)
	}
}

func memberToken(m *topology.Entity, r *topology.Room) string {
	roles := r.Members[m]
	prefix := ""
	if roles != nil {
		if roles.Test(topology.RoleOp) {
			prefix += "@"
		}
		if roles.Test(topology.RoleVoice) {
			prefix += "+"
		}
	}
	return prefix + m.Name
}

// burstMasks implements the continuation rule of spec.md §4.6 step 3:
// "if the next mask would overflow the buffer, flush and restart the
// prefix"; a single oversized mask is skipped (it cannot occur given
// LineBuf's per-line cap, so this is an assertion, not a runtime path
// real traffic exercises).
func burstMasks(to *conn.Connection, r *topology.Room, kind topology.MaskKind) {
	masks := r.Masks[kind]
	if len(masks) == 0 {
		return
	}
	cmd := maskCommand(kind)
	prefix := fmt.Sprintf("%s %s :", cmd, r.Name)

	var b strings.Builder
	b.WriteString(prefix)
	for _, mask := range masks {
		if len(mask)+1 > wireLineBudget-len(prefix) {
			continue // cannot occur given LineBuf's per-line cap
		}
		addition := mask
		if b.Len() > len(prefix) {
			addition = " " + mask
		}
		if b.Len()+len(addition) > wireLineBudget {
			to.Putf("%s", b.String())
			b.Reset()
			b.WriteString(prefix)
			addition = mask
		}
		b.WriteString(addition)
	}
	if b.Len() > len(prefix) {
		to.Putf("%s", b.String())
	}
}

func maskCommand(kind topology.MaskKind) string {
	switch kind {
	case topology.MaskBan:
		return "BMASK"
	case topology.MaskException:
		return "BMASK +e"
	case topology.MaskInvitation:
		return "BMASK +I"
	default:
		return "BMASK"
	}
}
