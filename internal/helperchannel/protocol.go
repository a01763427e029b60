// Package helperchannel implements the descriptor-passing control bus
// between the core and its TLS/compression worker processes (spec.md
// §4.7). A worker receives specific file descriptors over a local
// control socket, performs the transform out of process, and relays
// plaintext through a passed pipe end whose other end the core keeps
// as an ordinary Connection transport.
package helperchannel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Cmd is the single command byte that begins every control message,
// the framing spec.md §9's Open Questions entry says to prefer over
// the vestigial array-parsing path found in one version of the
// original source.
type Cmd byte

// Core-originated commands (spec.md §4.7 table 1).
const (
	CmdTLSAccept  Cmd = 'A'
	CmdTLSConnect Cmd = 'C'
	CmdCompress   Cmd = 'Z'
	CmdCompressTLS Cmd = 'Y'
	CmdRekey      Cmd = 'K'
	CmdStatsReq   Cmd = 'S'
)

// Worker-originated commands (spec.md §4.7 table 2). Reuses the 'S'
// byte value deliberately: direction alone disambiguates request from
// reply on this half-duplex-per-message protocol.
const (
	CmdStatsReply Cmd = 'S'
)

// MaxInlineBytes bounds a control message's trailing inline payload
// (spec.md §4.7: "up to ~1 KiB of inline bytes").
const MaxInlineBytes = 1024

// MaxPassedFDs bounds the descriptors carried by a single message
// (spec.md §4.7 table: at most 2 in this protocol).
const MaxPassedFDs = 4

// Message is a single decoded control-channel message: a command byte,
// up to MaxPassedFDs descriptors (carried out of band via SCM_RIGHTS,
// referenced here only by count/position), and an inline byte payload.
type Message struct {
	Cmd     Cmd
	NumFDs  int
	Payload []byte
}

// EncodeTLSBegin builds the inline payload for an 'A' or 'C' command:
// a 2-byte host-endian session id. The two descriptors themselves
// (fd[0] raw, fd[1] plaintext) travel as ancillary data alongside this
// payload, not inside it.
func EncodeTLSBegin(sessionID uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, sessionID)
	return buf
}

// DecodeSessionID reads the 2-byte session id that prefixes 'A', 'C',
// 'Z', and 'Y' payloads.
func DecodeSessionID(payload []byte) (uint16, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("helperchannel: payload too short for session id")
	}
	return binary.LittleEndian.Uint16(payload[:2]), payload[2:], nil
}

// EncodeCompressBegin builds the inline payload for a 'Z'/'Y' command:
// session id, compression level, and pre-buffered bytes that must be
// injected as already-received before the worker starts reading from
// its raw fd. A pre-buffered payload longer than MaxInlineBytes-3
// bytes is rejected with an error rather than truncated.
func EncodeCompressBegin(sessionID uint16, level byte, prebuffered []byte) ([]byte, error) {
	if len(prebuffered) > MaxInlineBytes-3 {
		return nil, fmt.Errorf("helperchannel: pre-buffered payload (%d bytes) exceeds control message limit", len(prebuffered))
	}
	buf := make([]byte, 0, 3+len(prebuffered))
	idBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idBuf, sessionID)
	buf = append(buf, idBuf...)
	buf = append(buf, level)
	buf = append(buf, prebuffered...)
	return buf, nil
}

// EncodeRekey builds the inline payload for a 'K' command: three
// NUL-separated paths (cert, key, DH-params — the last may be empty).
func EncodeRekey(certPath, keyPath, dhParamsPath string) []byte {
	return bytes.Join([][]byte{[]byte(certPath), []byte(keyPath), []byte(dhParamsPath)}, []byte{0})
}

// DecodeRekey reverses EncodeRekey.
func DecodeRekey(payload []byte) (certPath, keyPath, dhParamsPath string, err error) {
	parts := bytes.SplitN(payload, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("helperchannel: malformed rekey payload")
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

// EncodeStatsRequest builds the inline payload for an 'S' request:
// session id followed by a server-name string.
func EncodeStatsRequest(sessionID uint16, serverName string) []byte {
	idBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idBuf, sessionID)
	return append(idBuf, []byte(serverName)...)
}

// StatsReply is the decoded payload of a worker-originated 'S' reply:
// compression byte counts for one session (spec.md §4.7 table 2).
type StatsReply struct {
	SessionID    uint16
	BytesIn      uint64
	BytesInWire  uint64
	BytesOut     uint64
	BytesOutWire uint64
}

// DecodeStatsReply parses a worker's 'S' reply payload.
func DecodeStatsReply(payload []byte) (StatsReply, error) {
	const want = 2 + 8*4
	if len(payload) < want {
		return StatsReply{}, fmt.Errorf("helperchannel: stats reply too short: %d bytes", len(payload))
	}
	r := StatsReply{
		SessionID:    binary.LittleEndian.Uint16(payload[0:2]),
		BytesIn:      binary.LittleEndian.Uint64(payload[2:10]),
		BytesInWire:  binary.LittleEndian.Uint64(payload[10:18]),
		BytesOut:     binary.LittleEndian.Uint64(payload[18:26]),
		BytesOutWire: binary.LittleEndian.Uint64(payload[26:34]),
	}
	return r, nil
}

// EncodeStatsReply is the worker side of DecodeStatsReply, used by
// cmd/ircd-helper.
func EncodeStatsReply(r StatsReply) []byte {
	buf := make([]byte, 2+8*4)
	binary.LittleEndian.PutUint16(buf[0:2], r.SessionID)
	binary.LittleEndian.PutUint64(buf[2:10], r.BytesIn)
	binary.LittleEndian.PutUint64(buf[10:18], r.BytesInWire)
	binary.LittleEndian.PutUint64(buf[18:26], r.BytesOut)
	binary.LittleEndian.PutUint64(buf[26:34], r.BytesOutWire)
	return buf
}
