package topology

// CollisionOutcome reports which side(s) of a nick collision must be
// removed network-wide (spec.md §4.6, §8 properties 3 and 10).
type CollisionOutcome int

const (
	// KeepExisting: the newly introduced client loses; it must be
	// removed and a removal emitted toward the peer that introduced it.
	KeepExisting CollisionOutcome = iota
	// KeepIncoming: the previously existing client loses.
	KeepIncoming
	// RemoveBoth: identities differ at an exact timestamp tie; both
	// must be removed network-wide.
	RemoveBoth
)

// ResolveNickCollision implements the exact tiebreak spec.md §4.6 and
// §9 require be preserved bit-for-bit:
//
//   - the older (lower-valued) timestamp wins;
//   - on an exact tie, if user@host differs between the two, both are
//     removed; otherwise the entity reachable through the
//     "less-preferred" route loses, where lessPreferredIsExisting tells
//     the caller which of the two that is (the core has already made
//     that routing judgement — e.g. "introduced via the newer link" —
//     before calling this function).
func ResolveNickCollision(existingTS, incomingTS int64, existingUserHost, incomingUserHost string, lessPreferredIsExisting bool) CollisionOutcome {
	if existingTS != incomingTS {
		if existingTS < incomingTS {
			return KeepExisting
		}
		return KeepIncoming
	}
	if existingUserHost != incomingUserHost {
		return RemoveBoth
	}
	if lessPreferredIsExisting {
		return KeepIncoming
	}
	return KeepExisting
}
