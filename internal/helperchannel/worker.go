package helperchannel

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prep/socketpair"
	"golang.org/x/sys/unix"

	"github.com/meshircd/ircd/internal/lifecycle"
	"github.com/meshircd/ircd/internal/logging"
)

// Worker is one spawned ircd-helper process and the control socket the
// core uses to hand it descriptors (spec.md §4.7). It embeds
// lifecycle.Helper the same way a Connection does, so the runtime can
// drain it through the ordinary shutdown path.
type Worker struct {
	lifecycle.Helper
	log logging.Logger

	id   int
	path string
	env  []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	ctl     *net.UnixConn
	cliCount int32
	dead    bool
}

// NewWorker constructs a Worker that will exec path (the ircd-helper
// binary) with env appended to the current process's environment, but
// does not start it. Call Spawn to start it.
func NewWorker(id int, path string, env []string, log logging.Logger) *Worker {
	w := &Worker{
		log:  log.Fork("helper[%d]", id),
		id:   id,
		path: path,
		env:  env,
	}
	w.Helper.Init(w)
	return w
}

// ID returns the worker's slot index, stable across respawns.
func (w *Worker) ID() int { return w.id }

// CliCount returns the worker's current session load, used by the pool
// to pick the least-loaded worker for a new descriptor hand-off
// (spec.md §4.7: "new work goes to whichever has the fewest active
// sessions").
func (w *Worker) CliCount() int { return int(atomic.LoadInt32(&w.cliCount)) }

// IsDead reports whether the worker's control socket has been observed
// to fail; a dead Worker must be respawned by its owning Pool.
func (w *Worker) IsDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

// Spawn creates the control socketpair, hands one end to the child
// process as an inherited descriptor, and execs the helper binary.
// Grounded on sslproc.c's use of rb_socketpair plus a CTL_FD-bearing
// environment before forking the ssld child.
func (w *Worker) Spawn() error {
	parentConn, childConn, err := socketpair.New("unixgram")
	if err != nil {
		return w.log.ELogErrorf("socketpair: %v", err)
	}
	parentUnix, ok := parentConn.(*net.UnixConn)
	if !ok {
		return w.log.ELogErrorf("socketpair did not return a *net.UnixConn")
	}
	childUnix, ok := childConn.(*net.UnixConn)
	if !ok {
		return w.log.ELogErrorf("socketpair did not return a *net.UnixConn")
	}
	childFile, err := childUnix.File()
	if err != nil {
		return w.log.ELogErrorf("dup child end: %v", err)
	}
	childUnix.Close()

	cmd := exec.Command(w.path)
	cmd.ExtraFiles = []*os.File{childFile}
	// fd 0,1,2 are inherited stdio; ExtraFiles start at fd 3.
	ctlFD := 3
	cmd.Env = append(append([]string{}, os.Environ()...), w.env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("CTL_FD=%d", ctlFD))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childFile.Close()
		parentUnix.Close()
		return w.log.ELogErrorf("exec %s: %v", w.path, err)
	}
	childFile.Close()

	w.mu.Lock()
	w.cmd = cmd
	w.ctl = parentUnix
	w.dead = false
	w.mu.Unlock()

	w.log.ILogf("spawned pid %d", cmd.Process.Pid)
	return nil
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler: closes
// the control socket and waits for the child to exit.
func (w *Worker) HandleOnceShutdown(completionErr error) error {
	w.mu.Lock()
	ctl := w.ctl
	cmd := w.cmd
	w.mu.Unlock()
	if ctl != nil {
		ctl.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Wait()
	}
	return completionErr
}

// markDead records that the control socket failed, so the owning Pool
// knows to respawn this slot instead of continuing to hand it work.
func (w *Worker) markDead(cause error) {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
	w.log.WLogf("control socket failed: %v", cause)
}

// SendTLSAccept asks the worker to perform the server-side TLS
// handshake on rawFD, relaying decrypted bytes through plaintextFD —
// the end of a locally created pipe whose other end the caller has
// already kept as the Connection's transport (spec.md §4.7 table 1,
// command 'A': "deliver plaintext on fd[1]").
func (w *Worker) SendTLSAccept(sessionID uint16, rawFD, plaintextFD int) error {
	return w.sendWithFDs(CmdTLSAccept, EncodeTLSBegin(sessionID), rawFD, plaintextFD)
}

// SendTLSConnect is SendTLSAccept's client-side counterpart ('C').
func (w *Worker) SendTLSConnect(sessionID uint16, rawFD, plaintextFD int) error {
	return w.sendWithFDs(CmdTLSConnect, EncodeTLSBegin(sessionID), rawFD, plaintextFD)
}

// SendCompress asks the worker to wrap rawFD in a DEFLATE session
// without TLS ('Z'), relaying through plaintextFD the same way 'A'
// does.
func (w *Worker) SendCompress(sessionID uint16, level byte, prebuffered []byte, rawFD, plaintextFD int) error {
	payload, err := EncodeCompressBegin(sessionID, level, prebuffered)
	if err != nil {
		return err
	}
	return w.sendWithFDs(CmdCompress, payload, rawFD, plaintextFD)
}

// SendCompressTLS layers compression inside an already-established TLS
// session ('Y'); per spec.md §4.7 table 1 it passes zero descriptors,
// correlating purely by session id.
func (w *Worker) SendCompressTLS(sessionID uint16, level byte, prebuffered []byte) error {
	payload, err := EncodeCompressBegin(sessionID, level, prebuffered)
	if err != nil {
		return err
	}
	return w.send(CmdCompressTLS, payload)
}

// SendRekey pushes fresh certificate material to the worker ('K'),
// issued by Pool.Rekey to every live worker and re-sent by the pool's
// watchdog to a respawned worker once cert paths have been set.
func (w *Worker) SendRekey(certPath, keyPath, dhParamsPath string) error {
	return w.send(CmdRekey, EncodeRekey(certPath, keyPath, dhParamsPath))
}

// SendStatsRequest asks the worker for byte counters on one session
// ('S' request); the reply arrives asynchronously via ReadMessage.
func (w *Worker) SendStatsRequest(sessionID uint16, serverName string) error {
	return w.send(CmdStatsReq, EncodeStatsRequest(sessionID, serverName))
}

func (w *Worker) send(cmd Cmd, payload []byte) error {
	w.mu.Lock()
	ctl := w.ctl
	w.mu.Unlock()
	if ctl == nil {
		return w.log.ELogErrorf("send %c: worker not spawned", byte(cmd))
	}
	buf := append([]byte{byte(cmd)}, payload...)
	if _, err := ctl.Write(buf); err != nil {
		w.markDead(err)
		return err
	}
	return nil
}

// sendWithFDs writes a command plus up to MaxPassedFDs ancillary
// descriptors using SCM_RIGHTS, the fd-passing half of the protocol
// sslproc.c implements with rb_send_fd_buf.
func (w *Worker) sendWithFDs(cmd Cmd, payload []byte, fds ...int) error {
	w.mu.Lock()
	ctl := w.ctl
	w.mu.Unlock()
	if ctl == nil {
		return w.log.ELogErrorf("send %c: worker not spawned", byte(cmd))
	}
	buf := append([]byte{byte(cmd)}, payload...)
	oob := unix.UnixRights(fds...)
	if _, _, err := ctl.WriteMsgUnix(buf, oob, nil); err != nil {
		w.markDead(err)
		return err
	}
	atomic.AddInt32(&w.cliCount, 1)
	return nil
}

// ReadMessage blocks for the next message from the worker (currently
// only 'S' stats replies travel this direction) and decodes any
// ancillary descriptors it carried, returning them as *os.File.
func (w *Worker) ReadMessage() (Message, []*os.File, error) {
	w.mu.Lock()
	ctl := w.ctl
	w.mu.Unlock()
	if ctl == nil {
		return Message{}, nil, w.log.ELogErrorf("read: worker not spawned")
	}
	buf := make([]byte, 1+MaxInlineBytes)
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := ctl.ReadMsgUnix(buf, oob)
	if err != nil {
		w.markDead(err)
		return Message{}, nil, err
	}
	if n < 1 {
		return Message{}, nil, w.log.ELogErrorf("read: empty message")
	}
	files, err := parseAncillaryFDs(oob[:oobn])
	if err != nil {
		return Message{}, nil, err
	}
	msg := Message{
		Cmd:     Cmd(buf[0]),
		NumFDs:  len(files),
		Payload: append([]byte(nil), buf[1:n]...),
	}
	if msg.Cmd == CmdCompress {
		// The worker in cmd/ircd-helper never sends 'Z' on the reply
		// path; callers that only care about stats replies check
		// msg.Cmd == CmdStatsReply.
		_ = msg
	}
	return msg, files, nil
}

func parseAncillaryFDs(oob []byte) ([]*os.File, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for i, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "helperchannel-fd-"+strconv.Itoa(i)))
		}
	}
	return files, nil
}

// ReleaseSession decrements the worker's session load once a session
// it was handling ends (closed locally, or the worker reported it gone).
func (w *Worker) ReleaseSession() {
	atomic.AddInt32(&w.cliCount, -1)
}
