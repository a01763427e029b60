// Package linebuf implements chunked, reference-counted, line-framed
// byte queues for connection recv/send paths (spec.md §4.1). It is the
// Go-native reimplementation of ircd-ratbox's libircd/linebuf.c,
// reworked around Go's io.Writer/net.Buffers instead of raw fds and
// writev, and expressed in the teacher's error-returning idiom rather
// than errno.
package linebuf

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxLineLen is the conventional maximum wire length of a single line,
// including its terminator (spec.md §6).
const MaxLineLen = 512

// MaxBodyLen is the maximum body length that Put/PutMsg will produce
// before the CRLF terminator is appended (512 - len("\r\n")).
const MaxBodyLen = MaxLineLen - 2

// ErrWouldBlock is returned by Flush when the sink accepted nothing or
// no terminated line is ready to be written; it is a transient
// condition, never surfaced to a caller as a real failure (spec.md §7).
var ErrWouldBlock = errors.New("linebuf: would block")

// line is one physical line buffer: an accumulation target for Parse
// and/or a payload produced by Put. Reference counted so Attach can
// link the same payload from two LineBufs without copying (spec.md
// invariant 5).
type line struct {
	buf        []byte
	terminated bool
	raw        bool
	refcount   int
}

// LineBuf is an ordered sequence of line buffers: a head (oldest,
// possibly ready to Get) and a tail (newest, possibly still partial).
// The zero value is a valid, empty LineBuf.
type LineBuf struct {
	lines    []*line
	totalLen int
	writeOfs int // how much of lines[0] has already been flushed
}

// Len returns the sum of every line's length, maintained as an
// invariant equal to the sum over lines (spec.md invariant 5).
func (b *LineBuf) Len() int { return b.totalLen }

// NumLines returns the number of line buffers currently queued.
func (b *LineBuf) NumLines() int { return len(b.lines) }

func (b *LineBuf) tail() *line {
	if len(b.lines) == 0 {
		return nil
	}
	return b.lines[len(b.lines)-1]
}

func (b *LineBuf) newLine() *line {
	ln := &line{refcount: 1}
	b.lines = append(b.lines, ln)
	return ln
}

// skipTerminator implements ircd_linebuf_skip_crlf's two-phase scan:
// first skip to the first CR or LF, then skip every CR/LF immediately
// following it. The boundary between two logical lines is therefore
// one-or-more terminator bytes treated as a single separator.
func skipTerminator(data []byte) (consumed int) {
	i := 0
	for i < len(data) && data[i] != '\r' && data[i] != '\n' {
		i++
	}
	for i < len(data) && (data[i] == '\r' || data[i] == '\n') {
		i++
	}
	return i
}

// Parse appends bytes to the tail partial line, splitting on CR/LF
// boundaries, and returns the number of line boundaries crossed. In
// raw mode the terminator bytes are preserved in the stored line; in
// non-raw mode Get will strip them back off. A logical line that would
// overflow MaxLineLen is truncated at capacity, force-terminated, and
// the remaining bytes of that same logical line (up to the next
// terminator) are discarded — they never bleed into the next line
// (spec.md §4.1, §8 property 9).
func (b *LineBuf) Parse(data []byte, raw bool) (linesCrossed int, err error) {
	for len(data) > 0 {
		ln := b.tail()
		if ln == nil || ln.terminated {
			ln = b.newLine()
		}
		ln.raw = raw

		consumed := skipTerminator(data)
		chunk := data[:consumed]
		sawTerminator := consumed > 0 && (data[consumed-1] == '\r' || data[consumed-1] == '\n')

		room := MaxLineLen - 1 - len(ln.buf)
		if len(chunk) > room {
			// Overflow: take what fits, force-terminate, and discard the
			// remainder of this logical line (already sliced off above).
			b.totalLen += room
			ln.buf = append(ln.buf, chunk[:room]...)
			ln.terminated = true
			linesCrossed++
			data = data[consumed:]
			continue
		}

		b.totalLen += len(chunk)
		ln.buf = append(ln.buf, chunk...)
		data = data[consumed:]

		if !sawTerminator {
			// Ran out of data mid-line; wait for the next Parse call.
			break
		}
		ln.terminated = true
		linesCrossed++
	}
	return linesCrossed, nil
}

// stripTerminator removes leading and trailing CR/LF bytes from a raw
// line's payload, mirroring ircd_linebuf_get's cleanup path.
func stripTerminator(buf []byte) []byte {
	start := 0
	for start < len(buf) && (buf[start] == '\r' || buf[start] == '\n') {
		start++
	}
	end := len(buf)
	for end > start && (buf[end-1] == '\r' || buf[end-1] == '\n') {
		end--
	}
	return buf[start:end]
}

// Get consumes the oldest terminated line (or the partial tail line if
// partialOK is set and it is the only line present), copies it into
// dst, and frees the line. raw controls whether stored terminator
// bytes (if any) are stripped before copying. Returns the number of
// bytes copied, or 0 if no line is available yet.
func (b *LineBuf) Get(dst []byte, partialOK bool, raw bool) int {
	if len(b.lines) == 0 {
		return 0
	}
	ln := b.lines[0]
	if !ln.terminated && !partialOK {
		return 0
	}
	payload := ln.buf
	if !ln.raw && !raw {
		payload = stripTerminator(payload)
	}
	n := copy(dst, payload)
	b.releaseHead()
	return n
}

func (b *LineBuf) releaseHead() {
	ln := b.lines[0]
	b.totalLen -= len(ln.buf)
	b.lines = b.lines[1:]
	b.writeOfs = 0
	ln.refcount--
}

// Put appends a single outbound line built from a format string and
// args, normalized to end with CRLF and truncated to MaxBodyLen bytes
// of body. An empty body becomes just CRLF.
func (b *LineBuf) Put(format string, args ...interface{}) {
	b.putFormatted(fmt.Sprintf(format, args...))
}

// PutMsg appends an outbound line consisting of a prefix (typically
// ":source ") followed by a formatted body, following the same
// normalization rules as Put. It mirrors ircd_linebuf_putmsg, which
// ircd-ratbox uses for every relayed and locally originated message.
func (b *LineBuf) PutMsg(prefix string, format string, args ...interface{}) {
	b.putFormatted(prefix + fmt.Sprintf(format, args...))
}

func (b *LineBuf) putFormatted(s string) {
	if len(s) > MaxBodyLen {
		s = s[:MaxBodyLen]
	}
	// Strip any trailing CR/LF the caller's formatted text may already
	// carry so we never double-terminate.
	for len(s) > 0 && (s[len(s)-1] == '\r' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	ln := &line{
		buf:        append([]byte(s), '\r', '\n'),
		terminated: true,
		refcount:   1,
	}
	b.lines = append(b.lines, ln)
	b.totalLen += len(ln.buf)
}

// Attach appends every terminated line of src onto b by shared
// reference: no bytes are copied, and the payload's refcount is
// incremented so the last LineBuf to release it frees the memory.
func (b *LineBuf) Attach(src *LineBuf) {
	for _, ln := range src.lines {
		if !ln.terminated {
			continue
		}
		ln.refcount++
		b.lines = append(b.lines, ln)
		b.totalLen += len(ln.buf)
	}
}

// Flush writes as many contiguous terminated lines as sink accepts,
// coalescing them into a single vectored Write via net.Buffers. A
// partially written line is remembered via writeOfs so the next Flush
// resumes mid-line. Returns the number of bytes written, or
// (0, ErrWouldBlock) if nothing could be written.
func (b *LineBuf) Flush(sink io.Writer) (int, error) {
	if len(b.lines) == 0 || !b.lines[0].terminated {
		return 0, ErrWouldBlock
	}

	bufs := make(net.Buffers, 0, len(b.lines))
	bufs = append(bufs, b.lines[0].buf[b.writeOfs:])
	for _, ln := range b.lines[1:] {
		if !ln.terminated {
			break
		}
		bufs = append(bufs, ln.buf)
	}

	n64, err := bufs.WriteTo(sink)
	n := int(n64)
	if n == 0 && err == nil {
		return 0, ErrWouldBlock
	}

	b.consume(n)
	return n, err
}

// consume advances past n flushed bytes, freeing any line that was
// fully written and updating writeOfs for a partially written one.
func (b *LineBuf) consume(n int) {
	for n > 0 && len(b.lines) > 0 {
		ln := b.lines[0]
		remaining := len(ln.buf) - b.writeOfs
		if n < remaining {
			b.writeOfs += n
			return
		}
		n -= remaining
		b.releaseHead()
	}
}
