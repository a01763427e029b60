// Command ircd-helper is the offload worker spawned by the core for
// every TLS and compression session (spec.md §4.7). It speaks the
// control protocol defined in internal/helperchannel/protocol.go over
// its inherited CTL_FD: accept descriptors, wrap them in TLS and/or
// DEFLATE, and relay plaintext bytes to the core over a second
// descriptor it was handed alongside the raw one.
package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dsnet/compress/flate"
	"golang.org/x/sys/unix"

	"github.com/meshircd/ircd/internal/helperchannel"
	"github.com/meshircd/ircd/internal/logging"
)

const maxInline = helperchannel.MaxInlineBytes

func main() {
	log := logging.New("ircd-helper", logging.LevelInfo)

	fdStr := os.Getenv("CTL_FD")
	if fdStr == "" {
		log.Fatalf("CTL_FD not set, must be spawned by ircd")
	}
	ctlFD, err := strconv.Atoi(fdStr)
	if err != nil {
		log.Fatalf("invalid CTL_FD %q: %v", fdStr, err)
	}

	ctlFile := os.NewFile(uintptr(ctlFD), "ctl")
	ctlConn, err := net.FileConn(ctlFile)
	if err != nil {
		log.Fatalf("could not wrap CTL_FD: %v", err)
	}
	ctl, ok := ctlConn.(*net.UnixConn)
	if !ok {
		log.Fatalf("CTL_FD is not a unix socket")
	}

	w := &worker{ctl: ctl, log: log, sessions: make(map[uint16]*session)}
	w.serve()
}

// session tracks one in-flight TLS/compression relay so a later
// CmdStatsReq ('S') can address it purely by session id, with no
// descriptor attached. CmdCompressTLS ('Y') is logged and ignored; it
// does not start compression on an existing session.
type session struct {
	bytesIn      uint64
	bytesInWire  uint64
	bytesOut     uint64
	bytesOutWire uint64
}

type worker struct {
	ctl *net.UnixConn
	log logging.Logger

	mu       sync.Mutex
	sessions map[uint16]*session

	tlsMu  sync.Mutex
	tlsCfg *tls.Config
}

func (w *worker) serve() {
	for {
		msg, files, err := w.readMessage()
		if err != nil {
			w.log.ILogf("control channel closed: %v", err)
			return
		}
		switch msg.Cmd {
		case helperchannel.CmdTLSAccept:
			w.handleTLS(msg, files, true)
		case helperchannel.CmdTLSConnect:
			w.handleTLS(msg, files, false)
		case helperchannel.CmdCompress:
			w.handleCompress(msg, files)
		case helperchannel.CmdCompressTLS:
			w.log.WLogf("CmdCompressTLS not yet wired to an existing TLS session")
		case helperchannel.CmdRekey:
			w.handleRekey(msg)
		case helperchannel.CmdStatsReq:
			w.handleStatsReq(msg)
		default:
			w.log.WLogf("unknown control command %c", byte(msg.Cmd))
		}
	}
}

func (w *worker) readMessage() (helperchannel.Message, []*os.File, error) {
	buf := make([]byte, 1+maxInline)
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := w.ctl.ReadMsgUnix(buf, oob)
	if err != nil {
		return helperchannel.Message{}, nil, err
	}
	if n < 1 {
		return helperchannel.Message{}, nil, fmt.Errorf("empty control message")
	}
	files, err := parseAncillaryFDs(oob[:oobn])
	if err != nil {
		return helperchannel.Message{}, nil, err
	}
	return helperchannel.Message{
		Cmd:     helperchannel.Cmd(buf[0]),
		NumFDs:  len(files),
		Payload: append([]byte(nil), buf[1:n]...),
	}, files, nil
}

func parseAncillaryFDs(oob []byte) ([]*os.File, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var out []*os.File
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for i, fd := range fds {
			out = append(out, os.NewFile(uintptr(fd), "passed-fd-"+strconv.Itoa(i)))
		}
	}
	return out, nil
}

// handleTLS wraps rawFile in a server or client TLS handshake and
// relays decrypted bytes to plainFile, counting wire bytes on rawFile
// and plaintext bytes on plainFile for a later stats request.
func (w *worker) handleTLS(msg helperchannel.Message, files []*os.File, isServer bool) {
	sessionID, _, err := helperchannel.DecodeSessionID(msg.Payload)
	if err != nil || len(files) < 2 {
		w.log.ELogf("malformed TLS begin: %v", err)
		closeAll(files)
		return
	}
	rawConn, err := net.FileConn(files[0])
	if err != nil {
		w.log.ELogf("wrap raw fd: %v", err)
		closeAll(files)
		return
	}
	plainConn, err := net.FileConn(files[1])
	if err != nil {
		w.log.ELogf("wrap plaintext fd: %v", err)
		rawConn.Close()
		return
	}
	files[0].Close()
	files[1].Close()

	cfg := w.currentTLSConfig()
	var tlsConn *tls.Conn
	if isServer {
		tlsConn = tls.Server(rawConn, cfg)
	} else {
		tlsConn = tls.Client(rawConn, cfg)
	}
	if err := tlsConn.Handshake(); err != nil {
		w.log.WLogf("tls handshake session %d: %v", sessionID, err)
		tlsConn.Close()
		plainConn.Close()
		return
	}

	sess := &session{}
	w.mu.Lock()
	w.sessions[sessionID] = sess
	w.mu.Unlock()

	w.relay(sessionID, sess, tlsConn, plainConn)
}

// handleCompress wraps rawFile in a DEFLATE session without TLS,
// injecting any pre-buffered bytes ahead of the live stream (spec.md
// §4.7 "pre-buffered bytes must be injected as already-received").
func (w *worker) handleCompress(msg helperchannel.Message, files []*os.File) {
	sessionID, rest, err := helperchannel.DecodeSessionID(msg.Payload)
	if err != nil || len(rest) < 1 || len(files) < 2 {
		w.log.ELogf("malformed compress begin: %v", err)
		closeAll(files)
		return
	}
	level := rest[0]
	prebuffered := rest[1:]

	rawConn, err := net.FileConn(files[0])
	if err != nil {
		w.log.ELogf("wrap raw fd: %v", err)
		closeAll(files)
		return
	}
	plainConn, err := net.FileConn(files[1])
	if err != nil {
		w.log.ELogf("wrap plaintext fd: %v", err)
		rawConn.Close()
		return
	}
	files[0].Close()
	files[1].Close()

	reader := io.MultiReader(byteReader(prebuffered), rawConn)
	zr, err := flate.NewReader(reader, nil)
	if err != nil {
		w.log.ELogf("flate reader session %d: %v", sessionID, err)
		rawConn.Close()
		plainConn.Close()
		return
	}
	zw, err := flate.NewWriter(rawConn, &flate.WriterConfig{Level: int(level)})
	if err != nil {
		w.log.ELogf("flate writer session %d: %v", sessionID, err)
		rawConn.Close()
		plainConn.Close()
		return
	}

	sess := &session{}
	w.mu.Lock()
	w.sessions[sessionID] = sess
	w.mu.Unlock()

	w.relayCompressed(sessionID, sess, zr, zw, rawConn, plainConn)
}

func (w *worker) relay(sessionID uint16, sess *session, outer net.Conn, plain net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(countingWriter{plain, &sess.bytesOut}, countingReader{outer, &sess.bytesInWire})
		_ = n
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(countingWriter{outer, &sess.bytesOutWire}, countingReader{plain, &sess.bytesIn})
		_ = n
		done <- struct{}{}
	}()
	<-done
	outer.Close()
	plain.Close()
	w.log.DLogf("session %d relay ended", sessionID)
}

func (w *worker) relayCompressed(sessionID uint16, sess *session, zr io.Reader, zw io.WriteCloser, raw, plain net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(countingWriter{plain, &sess.bytesOut}, countingReader{zr, &sess.bytesInWire})
		done <- struct{}{}
	}()
	go func() {
		io.Copy(countingWriter{zw, &sess.bytesOutWire}, countingReader{plain, &sess.bytesIn})
		zw.Close()
		done <- struct{}{}
	}()
	<-done
	raw.Close()
	plain.Close()
	w.log.DLogf("session %d compressed relay ended", sessionID)
}

func (w *worker) handleRekey(msg helperchannel.Message) {
	certPath, keyPath, _, err := helperchannel.DecodeRekey(msg.Payload)
	if err != nil {
		w.log.ELogf("malformed rekey: %v", err)
		return
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		w.log.ELogf("load keypair %s/%s: %v", certPath, keyPath, err)
		return
	}
	w.tlsMu.Lock()
	w.tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	w.tlsMu.Unlock()
	w.log.ILogf("re-keyed from %s", certPath)
}

func (w *worker) currentTLSConfig() *tls.Config {
	w.tlsMu.Lock()
	defer w.tlsMu.Unlock()
	if w.tlsCfg == nil {
		return &tls.Config{}
	}
	return w.tlsCfg.Clone()
}

func (w *worker) handleStatsReq(msg helperchannel.Message) {
	sessionID, _, err := helperchannel.DecodeSessionID(msg.Payload)
	if err != nil {
		w.log.ELogf("malformed stats request: %v", err)
		return
	}
	w.mu.Lock()
	sess, ok := w.sessions[sessionID]
	w.mu.Unlock()
	if !ok {
		return
	}
	reply := helperchannel.StatsReply{
		SessionID:    sessionID,
		BytesIn:      atomic.LoadUint64(&sess.bytesIn),
		BytesInWire:  atomic.LoadUint64(&sess.bytesInWire),
		BytesOut:     atomic.LoadUint64(&sess.bytesOut),
		BytesOutWire: atomic.LoadUint64(&sess.bytesOutWire),
	}
	payload := helperchannel.EncodeStatsReply(reply)
	buf := append([]byte{byte(helperchannel.CmdStatsReply)}, payload...)
	if _, err := w.ctl.Write(buf); err != nil {
		w.log.WLogf("stats reply for session %d: %v", sessionID, err)
	}
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type byteReaderT struct {
	b []byte
}

func byteReader(b []byte) io.Reader { return &byteReaderT{b} }

func (r *byteReaderT) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

type countingReader struct {
	io.Reader
	n *uint64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	atomic.AddUint64(c.n, uint64(n))
	return n, err
}

type countingWriter struct {
	io.Writer
	n *uint64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	atomic.AddUint64(c.n, uint64(n))
	return n, err
}
