// Package rlimit answers "how many more descriptors can this process
// open" for the listener's descriptor-headroom admission check (spec.md
// §4.2 step 2), the Go-native equivalent of ircd-ratbox's
// fd_open_limit() pairing with os_count_fds().
package rlimit

import (
	"os"

	"golang.org/x/sys/unix"
)

// Budget implements listener.FDBudget against the process's own
// RLIMIT_NOFILE soft limit and its current open-descriptor count.
type Budget struct {
	soft uint64
}

// NewBudget reads the current RLIMIT_NOFILE soft limit.
func NewBudget() (*Budget, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return nil, err
	}
	return &Budget{soft: rl.Cur}, nil
}

// Remaining returns the soft limit minus the number of descriptors
// currently open, by reading /proc/self/fd. Returns a conservative 0 on
// any error reading it rather than propagating, since callers treat a
// low number as "stop admitting" and a failed read should fail closed.
func (b *Budget) Remaining() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	open := len(entries)
	remaining := int(b.soft) - open
	if remaining < 0 {
		return 0
	}
	return remaining
}
