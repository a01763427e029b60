package topology

import "github.com/bits-and-blooms/bitset"

// Room mode bits, stored in Room.Modes.
const (
	ModeInviteOnly = iota
	ModeModerated
	ModeNoExternal
	ModeSecret
	ModeTopicLocked
	modeBitCount
)

// Member role bits, stored per-entry in Room.Members.
const (
	RoleOp = iota
	RoleVoice
	roleBitCount
)

// MaskKind distinguishes the three access-control mask lists a Room
// carries (spec.md §3), each transmitted as its own batch during burst
// (spec.md §4.6 burst step 3).
type MaskKind int

const (
	MaskBan MaskKind = iota
	MaskException
	MaskInvitation
)

// Topic records a Room's current topic, if any.
type Topic struct {
	Text   string
	Author string
	SetAt  int64
}

// Room is a shared conversation target (spec.md §3).
type Room struct {
	Name      string
	CreatedAt int64
	Modes     *bitset.BitSet

	Members map[*Entity]*bitset.BitSet

	Masks [3][]string // indexed by MaskKind

	Topic *Topic
}

// NewRoom creates an empty Room with createdAt as its creation
// timestamp (spec.md §3: "integer seconds since epoch").
func NewRoom(name string, createdAt int64) *Room {
	return &Room{
		Name:      name,
		CreatedAt: createdAt,
		Modes:     bitset.New(modeBitCount),
		Members:   make(map[*Entity]*bitset.BitSet),
	}
}

// IsEmpty reports whether the Room has no members, the condition under
// which it must be destroyed (spec.md §3).
func (r *Room) IsEmpty() bool { return len(r.Members) == 0 }

// Join adds member to the Room with the given role-flag set. A client
// may appear at most once (spec.md invariant 4); re-joining replaces
// the stored role flags rather than creating a second entry.
func (r *Room) Join(member *Entity, roles *bitset.BitSet) {
	if roles == nil {
		roles = bitset.New(roleBitCount)
	}
	r.Members[member] = roles
}

// Leave removes member from the Room. The caller is responsible for
// destroying the Room if this empties it.
func (r *Room) Leave(member *Entity) {
	delete(r.Members, member)
}

// HasRole reports whether member currently holds role in this Room.
func (r *Room) HasRole(member *Entity, role uint) bool {
	roles, ok := r.Members[member]
	if !ok {
		return false
	}
	return roles.Test(role)
}

// AddMask appends a ban/exception/invitation mask of the given kind,
// skipping an exact duplicate.
func (r *Room) AddMask(kind MaskKind, mask string) {
	for _, m := range r.Masks[kind] {
		if m == mask {
			return
		}
	}
	r.Masks[kind] = append(r.Masks[kind], mask)
}

// RemoveMask deletes a ban/exception/invitation mask of the given kind.
func (r *Room) RemoveMask(kind MaskKind, mask string) {
	list := r.Masks[kind]
	for i, m := range list {
		if m == mask {
			r.Masks[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ModeString renders the Room's current mode flags as a compact
// "+imnst"-style string for SJOIN/MODE lines, in a fixed letter order
// so the output is deterministic across implementations.
func (r *Room) ModeString() string {
	letters := []struct {
		bit   uint
		letter byte
	}{
		{ModeInviteOnly, 'i'},
		{ModeModerated, 'm'},
		{ModeNoExternal, 'n'},
		{ModeSecret, 's'},
		{ModeTopicLocked, 't'},
	}
	out := []byte{'+'}
	for _, l := range letters {
		if r.Modes.Test(l.bit) {
			out = append(out, l.letter)
		}
	}
	if len(out) == 1 {
		return "+"
	}
	return string(out)
}
