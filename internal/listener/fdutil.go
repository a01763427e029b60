package listener

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/prep/socketpair"
)

// filer is implemented by every net.Conn type this package hands off
// to a helper worker (*net.TCPConn and *net.UnixConn both satisfy it).
type filer interface {
	File() (*os.File, error)
}

// fileDescriptor extracts the underlying OS descriptor from an
// accepted connection so it can be passed to a helper worker via
// SCM_RIGHTS. The returned *os.File's Fd() duplicates the original
// descriptor; the caller is responsible for closing its own copy once
// the worker has the duplicate.
func fileDescriptor(conn net.Conn) (int, error) {
	f, ok := conn.(filer)
	if !ok {
		return -1, fmt.Errorf("listener: connection type %T cannot be passed by descriptor", conn)
	}
	file, err := f.File()
	if err != nil {
		return -1, err
	}
	return int(file.Fd()), nil
}

// newLocalPipe creates the socketpair one end of which is handed to
// the helper worker (conceptually) and the other of which becomes the
// Connection's transport once the worker hands back a plaintext
// descriptor. Grounded on the teacher's use of
// github.com/prep/socketpair in share/socks_skeleton_endpoint.go.
func newLocalPipe() (helperEnd, connEnd net.Conn, err error) {
	return socketpair.New("unix")
}

var sessionIDCounter uint32

// nextSessionID hands out a process-unique 16-bit id for a helper
// session. Wraps silently; collisions after 65536 concurrent sessions
// are not a concern this implementation addresses.
func nextSessionID() uint16 {
	return uint16(atomic.AddUint32(&sessionIDCounter, 1))
}
