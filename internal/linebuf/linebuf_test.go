package linebuf

import (
	"bytes"
	"testing"
)

func TestParseGetRoundTrip(t *testing.T) {
	var b LineBuf
	b.Put("PING :%s", "irc.a.net")

	var dst [MaxLineLen]byte
	n := b.Get(dst[:], false, true)
	if n == 0 {
		t.Fatalf("expected a line")
	}
	raw := dst[:n]

	var b2 LineBuf
	if _, err := b2.Parse(raw, false); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var dst2 [MaxLineLen]byte
	n2 := b2.Get(dst2[:], false, false)
	if string(dst2[:n2]) != "PING :irc.a.net" {
		t.Fatalf("round trip mismatch: %q", dst2[:n2])
	}
}

func TestLongLineForceTerminates(t *testing.T) {
	var b LineBuf
	data := bytes.Repeat([]byte{'A'}, 600)
	data = append(data, '\r', '\n')

	if _, err := b.Parse(data, false); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var dst [MaxLineLen]byte
	n := b.Get(dst[:], false, false)
	if n != MaxLineLen-1 {
		t.Fatalf("expected forced line of %d bytes, got %d", MaxLineLen-1, n)
	}
	for _, c := range dst[:n] {
		if c != 'A' {
			t.Fatalf("line corrupted: %q", dst[:n])
		}
	}

	// The discarded remainder must not leak a second line.
	n2 := b.Get(dst[:], false, false)
	if n2 != 0 {
		t.Fatalf("expected no further line, got %d bytes", n2)
	}
}

func TestOverflowDoesNotCorruptNextLine(t *testing.T) {
	var b LineBuf
	data := bytes.Repeat([]byte{'B'}, 600)
	data = append(data, '\r', '\n')
	data = append(data, []byte("SECOND\r\n")...)

	if _, err := b.Parse(data, false); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var dst [MaxLineLen]byte
	b.Get(dst[:], false, false) // discard the forced-terminated overflow line

	n := b.Get(dst[:], false, false)
	if string(dst[:n]) != "SECOND" {
		t.Fatalf("second line corrupted: %q", dst[:n])
	}
}

func TestPutEmptyBodyIsJustTerminator(t *testing.T) {
	var b LineBuf
	b.Put("")
	var dst [MaxLineLen]byte
	n := b.Get(dst[:], false, true)
	if string(dst[:n]) != "\r\n" {
		t.Fatalf("expected bare CRLF, got %q", dst[:n])
	}
}

func TestAttachSharesPayloadWithoutCopy(t *testing.T) {
	var src LineBuf
	src.Put("SHARED")

	var dst1, dst2 LineBuf
	dst1.Attach(&src)
	dst2.Attach(&src)

	if dst1.NumLines() != 1 || dst2.NumLines() != 1 {
		t.Fatalf("expected attach to link one line into each destination")
	}
}

func TestFlushCoalescesAndResumes(t *testing.T) {
	var b LineBuf
	b.Put("ONE")
	b.Put("TWO")

	var buf bytes.Buffer
	n, err := b.Flush(&buf)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != buf.Len() {
		t.Fatalf("flush count mismatch: %d vs %d", n, buf.Len())
	}
	if buf.String() != "ONE\r\nTWO\r\n" {
		t.Fatalf("unexpected flush output: %q", buf.String())
	}
	if b.NumLines() != 0 {
		t.Fatalf("expected queue drained after full flush")
	}
}

type shortWriter struct{ n int }

func (w *shortWriter) Write(p []byte) (int, error) {
	n := w.n
	if n > len(p) {
		n = len(p)
	}
	return n, nil
}

func TestFlushResumesMidLine(t *testing.T) {
	var b LineBuf
	b.Put("HELLOWORLD")

	sw := &shortWriter{n: 3}
	n, err := b.Flush(sw)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected partial write of 3, got %d", n)
	}
	if b.writeOfs != 3 {
		t.Fatalf("expected writeOfs to advance to 3, got %d", b.writeOfs)
	}

	var buf bytes.Buffer
	if _, err := b.Flush(&buf); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if buf.String() != "LOWORLD\r\n" {
		t.Fatalf("unexpected resumed flush: %q", buf.String())
	}
}
