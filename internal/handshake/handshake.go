// Package handshake validates an inbound SERVER/SID line and, on
// success, admits the peer as a Server Connection and kicks off burst
// (spec.md §4.4).
package handshake

import (
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/meshircd/ircd/internal/conn"
	"github.com/meshircd/ircd/internal/config"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/topology"
)

// Outcome names why a handshake attempt failed, distinct error codes
// surfaced to operators per spec.md §4.4 step 3.
type Outcome int

const (
	OK Outcome = iota
	ErrNoTimeSyncCap
	ErrMalformedName
	ErrNoMatchingConfig
	ErrHostMismatch
	ErrPasswordMismatch
	ErrNameExists
	ErrSIDExists
	ErrHubLeafPolicy
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case ErrNoTimeSyncCap:
		return "missing time-sync capability"
	case ErrMalformedName:
		return "malformed server name"
	case ErrNoMatchingConfig:
		return "no matching connect block"
	case ErrHostMismatch:
		return "host does not match connect block"
	case ErrPasswordMismatch:
		return "password mismatch"
	case ErrNameExists:
		return "Server Exists"
	case ErrSIDExists:
		return "Server Exists"
	case ErrHubLeafPolicy:
		return "Leafed Server."
	default:
		return "unknown"
	}
}

// WireError renders the text sent to the peer on the wire ERROR line
// for this Outcome. For ErrHubLeafPolicy this is a fixed, code-like
// string distinct from the operator-facing reason String returns
// (spec.md §8 S4: wire "Matching leaf_mask", reason "Leafed Server.").
// ErrNameExists/ErrSIDExists carry no dynamic name/id here — the
// already-established-peer introduction path builds its own
// name/id-specific wire text directly (spec.md §8 S2) rather than
// going through Validate/Outcome at all.
func (o Outcome) WireError() string {
	switch o {
	case ErrHubLeafPolicy:
		return "Matching leaf_mask"
	case ErrNameExists:
		return "Server already exists"
	case ErrSIDExists:
		return "SID already exists"
	default:
		return o.String()
	}
}

// Request is a parsed inbound SERVER or SID line.
type Request struct {
	Name string
	Hop  int
	SID  string // empty for a bare SERVER line
	Info string

	HasTimeSyncCap bool
	PeerAddr       string
	PasswordGiven  string
}

// Result carries the outcome plus, on success, everything the caller
// needs to finish admitting the peer.
type Result struct {
	Outcome Outcome
	Matched *config.Connect
}

const maxNameLen = 63

// ValidateName implements spec.md §4.4 step 2: permitted character
// class, at least one dot, within length limit.
func ValidateName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	if !strings.Contains(name, ".") {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			return false
		}
	}
	return true
}

// matchConnect finds the connect block whose name pattern matches req
// and host pattern matches req.PeerAddr.
func matchConnect(blocks []config.Connect, req Request) (*config.Connect, Outcome) {
	var nameMatch *config.Connect
	for i := range blocks {
		c := &blocks[i]
		if !globMatch(c.Name, req.Name) {
			continue
		}
		nameMatch = c
		if !globMatch(c.Host, req.PeerAddr) {
			continue
		}
		if !passwordMatches(c, req.PasswordGiven) {
			continue
		}
		return c, OK
	}
	if nameMatch == nil {
		return nil, ErrNoMatchingConfig
	}
	if !globMatch(nameMatch.Host, req.PeerAddr) {
		return nil, ErrHostMismatch
	}
	return nil, ErrPasswordMismatch
}

func passwordMatches(c *config.Connect, given string) bool {
	if c.Encrypted {
		return bcrypt.CompareHashAndPassword([]byte(c.Password), []byte(given)) == nil
	}
	return c.Password == given
}

// globMatch implements the small subset of ircd.conf mask matching
// spec.md's name/host patterns need: '*' matches any run of
// characters, everything else is literal, case-insensitive.
func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return globMatchFold(strings.ToLower(pattern), strings.ToLower(s))
}

func globMatchFold(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == '*' {
		if globMatchFold(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatchFold(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	}
	if s == "" {
		return false
	}
	if pattern[0] != s[0] {
		return false
	}
	return globMatchFold(pattern[1:], s[1:])
}

// HubLeafPolicy implements spec.md §4.4 step 5: the union of matching
// records for the directly attached peer must contain at least one
// hub-permit entry and no leaf-prohibit entry matching name. Exported
// so the already-established-peer introduction path (spec.md §4.4
// "Introduction from an already-established peer", spec.md §8 S4) can
// apply the same policy a peer's later SID introductions must also
// satisfy, not just its initial SERVER/SID handshake.
func HubLeafPolicy(blocks []config.Connect, peerName, introducedName string) bool {
	sawHubPermit := false
	for _, c := range blocks {
		if !globMatch(c.Name, peerName) {
			continue
		}
		if c.HubMask != "" && globMatch(c.HubMask, introducedName) {
			sawHubPermit = true
		}
		if c.LeafMask != "" && globMatch(c.LeafMask, introducedName) {
			return false
		}
	}
	return sawHubPermit
}

// Validate runs spec.md §4.4's six-step validation order for a direct
// inbound SERVER/SID against cfg. It does not mutate the graph; callers
// apply Admit after a successful Validate.
func Validate(req Request, blocks []config.Connect, g *topology.Graph) Result {
	if !req.HasTimeSyncCap {
		return Result{Outcome: ErrNoTimeSyncCap}
	}
	if !ValidateName(req.Name) {
		return Result{Outcome: ErrMalformedName}
	}
	matched, outcome := matchConnect(blocks, req)
	if outcome != OK {
		return Result{Outcome: outcome}
	}
	switch g.CheckNewServer(req.Name, req.SID) {
	case topology.CollisionNameExists:
		return Result{Outcome: ErrNameExists}
	case topology.CollisionIDExists:
		return Result{Outcome: ErrSIDExists}
	}
	if !HubLeafPolicy(blocks, req.Name, req.Name) {
		return Result{Outcome: ErrHubLeafPolicy}
	}
	return Result{Outcome: OK, Matched: matched}
}

// Admit finishes a successful Validate: binds the matched config to
// from, clears capabilities the peer did not advertise, creates and
// registers the Server Entity, and transitions from to RoleServer
// (spec.md §4.4 step 6 and "On success").
func Admit(from *conn.Connection, req Request, result Result, g *topology.Graph, peerCaps map[string]struct{}, log logging.Logger) *topology.Entity {
	from.Auth.MatchedConfigName = result.Matched.Name
	from.Auth.PasswordPresented = true

	for capName := range from.Caps {
		if _, ok := peerCaps[capName]; !ok {
			from.ClearCap(capName)
		}
	}

	entity := g.IntroduceServer(req.Name, req.SID, req.Info, g.Root)
	from.Entity = entity
	from.Transition(conn.RoleServer)
	log.ILogf("admitted peer %s (sid=%s)", req.Name, req.SID)
	return entity
}

// ParseServerLine parses a "SERVER name hop :info" or "SID name hop id
// :info" line's already-split parameters (spec.md §4.4) into a partial
// Request (HasTimeSyncCap/PeerAddr/PasswordGiven are filled by the
// caller from Connection/capability state, not from the line itself).
func ParseServerLine(isSID bool, params []string) (Request, bool) {
	var req Request
	if isSID {
		if len(params) < 4 {
			return Request{}, false
		}
		req.Name = params[0]
		hop, ok := parseHop(params[1])
		if !ok {
			return Request{}, false
		}
		req.Hop = hop
		req.SID = params[2]
		req.Info = params[3]
		return req, true
	}
	if len(params) < 3 {
		return Request{}, false
	}
	req.Name = params[0]
	hop, ok := parseHop(params[1])
	if !ok {
		return Request{}, false
	}
	req.Hop = hop
	req.Info = params[2]
	return req, true
}

func parseHop(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
