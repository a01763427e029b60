// Package router parses inbound lines, resolves their source Entity,
// and dispatches to a per-(command, role) handler table (spec.md
// §4.5).
package router

import "strings"

// Line is a parsed wire line: an optional source token, a command
// token, and its parameters (the last of which may have carried a
// leading ':' to permit embedded spaces — that prefix is stripped
// here, not preserved).
type Line struct {
	Source  string // empty if the line carried no leading ":source"
	Command string
	Params  []string
}

// ParseLine splits raw (with any trailing CR/LF/CRLF already stripped
// by LineBuf) into a Line. Accepts any of CR, LF, or CRLF on ingress
// per spec.md §4.5, which is the caller's (LineBuf's) job; ParseLine
// itself only ever sees a terminator-free body.
func ParseLine(raw string) (Line, bool) {
	if raw == "" {
		return Line{}, false
	}
	var l Line
	if raw[0] == ':' {
		sp := strings.IndexByte(raw, ' ')
		if sp < 0 {
			return Line{}, false
		}
		l.Source = raw[1:sp]
		raw = strings.TrimLeft(raw[sp+1:], " ")
	}
	if raw == "" {
		return Line{}, false
	}

	for raw != "" {
		if raw[0] == ':' {
			l.Params = append(l.Params, raw[1:])
			raw = ""
			break
		}
		sp := strings.IndexByte(raw, ' ')
		if sp < 0 {
			l.Params = append(l.Params, raw)
			raw = ""
			break
		}
		token := raw[:sp]
		if token != "" {
			if l.Command == "" {
				l.Command = token
			} else {
				l.Params = append(l.Params, token)
			}
		}
		raw = strings.TrimLeft(raw[sp+1:], " ")
	}
	if l.Command == "" {
		// The loop above only takes Command from a token followed by a
		// space, so a one-token line (e.g. "PING") or one whose first
		// token is a ':' trailing parameter arrives here command-less;
		// fall back to treating the first parameter as the command.
		if len(l.Params) == 0 {
			return Line{}, false
		}
		l.Command = l.Params[0]
		l.Params = l.Params[1:]
	}
	return l, true
}

// IsNumeric reports whether cmd is a three-digit numeric reply token
// (spec.md §4.5).
func IsNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if cmd[i] < '0' || cmd[i] > '9' {
			return false
		}
	}
	return true
}

// looksLikeServerToken reports whether tok should be treated as a
// dotted server name or short-id for purposes of choosing between a
// corrective KILL and a corrective SQUIT (spec.md §4.5: "dotted-name or
// short-id-like tokens").
func looksLikeServerToken(tok string) bool {
	if strings.ContainsRune(tok, '.') {
		return true
	}
	// A short-id is 3+ chars, first a digit (spec.md §3).
	if len(tok) >= 3 && tok[0] >= '0' && tok[0] <= '9' {
		return true
	}
	return false
}
