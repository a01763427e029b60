package config

import "strings"

// BanList implements listener.BanList over the parsed ban {} blocks: a
// persistent reject mask with an optional exemption mask, the same
// kline/exempt pairing ircd-ratbox's ban store applies at accept time
// (spec.md §4.2 step 3).
type BanList struct {
	bans []Ban
}

// NewBanList builds a BanList from cfg's ban blocks.
func NewBanList(cfg *Config) *BanList {
	return &BanList{bans: cfg.Ban}
}

// Match reports whether addr is banned and not covered by an exemption
// mask on the same rule.
func (bl *BanList) Match(addr string) (string, bool) {
	for _, b := range bl.bans {
		if !banGlobMatch(b.Mask, addr) {
			continue
		}
		if b.Exempt != "" && banGlobMatch(b.Exempt, addr) {
			continue
		}
		reason := b.Reason
		if reason == "" {
			reason = "Banned"
		}
		return reason, true
	}
	return "", false
}

// banGlobMatch is the same small '*'-wildcard matcher handshake.go uses
// for connect-block host masks, duplicated here since config must not
// import handshake (handshake already imports config).
func banGlobMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return banGlobMatchFold(strings.ToLower(pattern), strings.ToLower(s))
}

func banGlobMatchFold(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == '*' {
		if banGlobMatchFold(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if banGlobMatchFold(pattern[1:], s[i+1:]) {
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
	return banGlobMatchFold(pattern[1:], s[1:])
}
