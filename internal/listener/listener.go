// Package listener binds server-role sockets and decides, before a
// Connection ever exists, whether a newly accepted socket may proceed
// (spec.md §4.2).
package listener

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshircd/ircd/internal/helperchannel"
	"github.com/meshircd/ircd/internal/lifecycle"
	"github.com/meshircd/ircd/internal/logging"
)

// RejectReason names why Admit refused a socket, so the caller can
// choose the exact wire-level behavior spec.md §4.2 prescribes per
// case (some are silent, some carry a reason line).
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectNoHelper
	RejectDescriptorLimit
	RejectBanned
	RejectCacheRate
	RejectThrottled
)

// Silent reports whether a rejection must not generate a reply line
// (spec.md §4.2 step 4: reject-cache overflow is silent).
func (r RejectReason) Silent() bool { return r == RejectCacheRate }

// Decision is the result of Admit.
type Decision struct {
	Reason RejectReason
	// Line is the fixed or configurable reason line to write before
	// closing, empty when Reason.Silent() or Reason == RejectNone.
	Line string
}

func (d Decision) Admitted() bool { return d.Reason == RejectNone }

// Limits bundles the tunable admission parameters (spec.md §4.2).
type Limits struct {
	// MaxFDHeadroom is the number of still-openable descriptors below
	// which step 2 starts rejecting (e.g. 32 means "reject once fewer
	// than 32 more descriptors can be opened").
	MaxFDHeadroom int
	// HighConnNoticeInterval bounds operator notices for step 2 to at
	// most one per interval (spec.md: "at most one per 20 seconds").
	HighConnNoticeInterval time.Duration
	// CacheRateWindow/CacheRateMax configure the per-address
	// reject-cache: every attempt from an address that reaches step 4
	// is counted, and more than CacheRateMax attempts within
	// CacheRateWindow triggers silent drops.
	CacheRateWindow time.Duration
	CacheRateMax    int
	// ThrottleRate/ThrottleBurst configure the per-address connect
	// throttle token bucket (step 5).
	ThrottleRate  rate.Limit
	ThrottleBurst int
}

// DefaultLimits matches the conventional ircd-ratbox defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFDHeadroom:          32,
		HighConnNoticeInterval: 20 * time.Second,
		CacheRateWindow:        time.Minute,
		CacheRateMax:           5,
		ThrottleRate:           rate.Every(time.Second),
		ThrottleBurst:          4,
	}
}

// BanList is consulted for persistent-ban / exemption rules (spec.md
// §4.2 step 3). The Listener only reads it; population is a config
// concern.
type BanList interface {
	// Match returns the configured reason string and true if addr is
	// banned and not covered by an exemption rule.
	Match(addr string) (reason string, banned bool)
}

// FDBudget reports how many additional descriptors the process may
// still open, so step 2 can compare against Limits.MaxFDHeadroom
// without the listener needing to know the platform rlimit call.
type FDBudget interface {
	Remaining() int
}

// Listener binds one configured address and applies the five-step
// admission predicate to every accepted socket before handing it
// onward (spec.md §4.2). It embeds lifecycle.Helper so the runtime can
// drain it like any other long-lived component.
type Listener struct {
	lifecycle.Helper
	log logging.Logger

	addr      string
	tlsNeeded bool
	limits    Limits
	bans      BanList
	fdBudget  FDBudget
	helpers   *helperchannel.Pool

	ln net.Listener

	mu               sync.Mutex
	lastHighConnNotice time.Time
	rejectCache      map[string]*rejectEntry
	throttle         map[string]*rate.Limiter

	// Accepted receives every socket that passed admission; for a TLS
	// listener the helper-worker handoff has already been made.
	Accepted chan Accepted
}

// Accepted is one socket that cleared admission. Conn is always the
// transport the Connection FSM should read/write: the raw accepted
// socket when the listener is plaintext, or the local pipe end paired
// with a helper worker when it is TLS-enabled (spec.md §4.2 last
// sentence, §4.7).
type Accepted struct {
	Conn net.Conn
}

type rejectEntry struct {
	count     int
	windowEnd time.Time
}

// New creates a Listener for addr. tlsNeeded marks a listener whose
// admitted connections must be handed to a helper worker for the TLS
// handshake (spec.md §4.2 step 1); helpers may be nil when tlsNeeded
// is false.
func New(addr string, tlsNeeded bool, limits Limits, bans BanList, fdBudget FDBudget, helpers *helperchannel.Pool, log logging.Logger) *Listener {
	l := &Listener{
		log:         log.Fork("listener[%s]", addr),
		addr:        addr,
		tlsNeeded:   tlsNeeded,
		limits:      limits,
		bans:        bans,
		fdBudget:    fdBudget,
		helpers:     helpers,
		rejectCache: make(map[string]*rejectEntry),
		throttle:    make(map[string]*rate.Limiter),
		Accepted:    make(chan Accepted, 16),
	}
	l.Helper.Init(l)
	return l
}

// Start binds and begins the accept loop in its own goroutine.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return l.log.ELogErrorf("listen %s: %v", l.addr, err)
	}
	l.ln = ln
	go l.acceptLoop()
	l.log.ILogf("listening on %s (tls=%v)", l.addr, l.tlsNeeded)
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.IsScheduledShutdown() {
				return
			}
			l.log.WLogf("accept: %v", err)
			continue
		}
		l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(remote)
	if host == "" {
		host = remote
	}

	decision := l.admit(host)
	if !decision.Admitted() {
		if !decision.Reason.Silent() && decision.Line != "" {
			conn.Write([]byte(decision.Line + "\r\n"))
		}
		conn.Close()
		return
	}

	accepted := Accepted{Conn: conn}
	if l.tlsNeeded {
		worker := l.helpers.Least()
		if worker == nil {
			// Re-checked here (not just in step 1 of admit) because a
			// worker can die between the earlier predicate check and
			// this point under load.
			conn.Write([]byte("ERROR :TLS helper unavailable\r\n"))
			conn.Close()
			return
		}
		helperEnd, connEnd, err := newLocalPipe()
		if err != nil {
			l.log.WLogf("pipe for helper handoff failed: %v", err)
			conn.Close()
			return
		}
		rawFD, err := fileDescriptor(conn)
		if err != nil {
			l.log.WLogf("could not obtain raw fd for TLS handoff: %v", err)
			conn.Close()
			helperEnd.Close()
			connEnd.Close()
			return
		}
		helperEndFD, err := fileDescriptor(helperEnd)
		if err != nil {
			l.log.WLogf("could not obtain plaintext-pipe fd for TLS handoff: %v", err)
			conn.Close()
			helperEnd.Close()
			connEnd.Close()
			return
		}
		if err := worker.SendTLSAccept(nextSessionID(), rawFD, helperEndFD); err != nil {
			l.log.WLogf("helper handoff failed: %v", err)
			conn.Close()
			helperEnd.Close()
			connEnd.Close()
			return
		}
		// The worker now owns duplicates of both descriptors; the
		// local copies (other than connEnd, which becomes the
		// Connection's transport) can be closed.
		helperEnd.Close()
		conn.Close()
		accepted.Conn = connEnd
	}

	select {
	case l.Accepted <- accepted:
	default:
		l.log.WLogf("accept backlog full, dropping connection from %s", host)
		accepted.Conn.Close()
	}
}

// admit runs the five-step predicate of spec.md §4.2 steps 1-5, in
// order, short-circuiting on the first rejection.
func (l *Listener) admit(host string) Decision {
	if l.tlsNeeded && (l.helpers == nil || l.helpers.Least() == nil) {
		return Decision{Reason: RejectNoHelper, Line: "ERROR :TLS helper unavailable"}
	}

	if l.fdBudget != nil && l.fdBudget.Remaining() < l.limits.MaxFDHeadroom {
		l.noticeHighConn()
		return Decision{Reason: RejectDescriptorLimit, Line: "ERROR :Server is full"}
	}

	if l.bans != nil {
		if reason, banned := l.bans.Match(host); banned {
			return Decision{Reason: RejectBanned, Line: "ERROR :" + reason}
		}
	}

	if l.cacheRateExceeded(host) {
		return Decision{Reason: RejectCacheRate}
	}

	if !l.throttleAllow(host) {
		return Decision{Reason: RejectThrottled, Line: "ERROR :Throttled"}
	}

	return Decision{Reason: RejectNone}
}

func (l *Listener) noticeHighConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastHighConnNotice) < l.limits.HighConnNoticeInterval {
		return
	}
	l.lastHighConnNotice = now
	l.log.Notice("server is close to its descriptor limit")
}

func (l *Listener) cacheRateExceeded(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e, ok := l.rejectCache[host]
	if !ok || now.After(e.windowEnd) {
		e = &rejectEntry{windowEnd: now.Add(l.limits.CacheRateWindow)}
		l.rejectCache[host] = e
	}
	e.count++
	return e.count > l.limits.CacheRateMax
}

func (l *Listener) throttleAllow(host string) bool {
	l.mu.Lock()
	lim, ok := l.throttle[host]
	if !ok {
		lim = rate.NewLimiter(l.limits.ThrottleRate, l.limits.ThrottleBurst)
		l.throttle[host] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	if l.ln != nil {
		l.ln.Close()
	}
	return completionErr
}
