package helperchannel

import "testing"

func TestTLSBeginSessionIDRoundTrip(t *testing.T) {
	payload := EncodeTLSBegin(0xBEEF)
	id, rest, err := DecodeSessionID(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 0xBEEF {
		t.Fatalf("got id %x, want BEEF", id)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
}

func TestCompressBeginRejectsOversizedPrebuffer(t *testing.T) {
	big := make([]byte, MaxInlineBytes)
	if _, err := EncodeCompressBegin(1, 6, big); err == nil {
		t.Fatalf("expected error for oversized pre-buffered payload")
	}
}

func TestCompressBeginRoundTrip(t *testing.T) {
	payload, err := EncodeCompressBegin(7, 9, []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, rest, err := DecodeSessionID(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Fatalf("got id %d, want 7", id)
	}
	if rest[0] != 9 {
		t.Fatalf("got level %d, want 9", rest[0])
	}
	if string(rest[1:]) != "hello" {
		t.Fatalf("got prebuffered %q, want %q", rest[1:], "hello")
	}
}

func TestRekeyRoundTrip(t *testing.T) {
	payload := EncodeRekey("/etc/ircd/cert.pem", "/etc/ircd/key.pem", "")
	cert, key, dh, err := DecodeRekey(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert != "/etc/ircd/cert.pem" || key != "/etc/ircd/key.pem" || dh != "" {
		t.Fatalf("got (%q, %q, %q)", cert, key, dh)
	}
}

func TestStatsReplyRoundTrip(t *testing.T) {
	want := StatsReply{SessionID: 42, BytesIn: 100, BytesInWire: 80, BytesOut: 200, BytesOutWire: 150}
	got, err := DecodeStatsReply(EncodeStatsReply(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeStatsReplyRejectsShortPayload(t *testing.T) {
	if _, err := DecodeStatsReply([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}
