package listener

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshircd/ircd/internal/logging"
)

type fakeBans struct {
	banned map[string]string
}

func (f fakeBans) Match(addr string) (string, bool) {
	reason, ok := f.banned[addr]
	return reason, ok
}

type fakeBudget struct{ remaining int }

func (f fakeBudget) Remaining() int { return f.remaining }

func newTestListener(bans BanList, budget FDBudget) *Listener {
	limits := Limits{
		MaxFDHeadroom:          32,
		HighConnNoticeInterval: 20 * time.Second,
		CacheRateWindow:        time.Minute,
		CacheRateMax:           2,
		ThrottleRate:           rate.Every(time.Hour),
		ThrottleBurst:          1,
	}
	return New("127.0.0.1:0", false, limits, bans, budget, nil, logging.New("test", logging.LevelError))
}

func TestAdmitRejectsBannedAddress(t *testing.T) {
	l := newTestListener(fakeBans{banned: map[string]string{"10.0.0.1": "banned host"}}, nil)
	d := l.admit("10.0.0.1")
	if d.Admitted() || d.Reason != RejectBanned {
		t.Fatalf("expected RejectBanned, got %+v", d)
	}
}

func TestAdmitRejectsDescriptorLimit(t *testing.T) {
	l := newTestListener(nil, fakeBudget{remaining: 1})
	d := l.admit("10.0.0.2")
	if d.Admitted() || d.Reason != RejectDescriptorLimit {
		t.Fatalf("expected RejectDescriptorLimit, got %+v", d)
	}
}

func TestAdmitThrottlesSecondConnectFromSameAddress(t *testing.T) {
	l := newTestListener(nil, nil)
	first := l.admit("10.0.0.3")
	if !first.Admitted() {
		t.Fatalf("first connect should be admitted, got %+v", first)
	}
	second := l.admit("10.0.0.3")
	if second.Admitted() || second.Reason != RejectThrottled {
		t.Fatalf("expected RejectThrottled on second connect, got %+v", second)
	}
}

func TestAdmitCacheRateEventuallySilentlyDrops(t *testing.T) {
	l := newTestListener(nil, nil)
	l.limits.ThrottleRate = rate.Every(0) // never throttle, isolate the cache-rate path
	l.limits.ThrottleBurst = 1 << 20

	var last Decision
	for i := 0; i < 5; i++ {
		last = l.admit("10.0.0.4")
	}
	if last.Admitted() || last.Reason != RejectCacheRate || !last.Reason.Silent() {
		t.Fatalf("expected a silent RejectCacheRate after repeated rejects, got %+v", last)
	}
}

func TestHighConnNoticeIsRateLimited(t *testing.T) {
	l := newTestListener(nil, fakeBudget{remaining: 1})
	l.admit("10.0.0.5")
	firstNotice := l.lastHighConnNotice
	l.admit("10.0.0.6")
	if !l.lastHighConnNotice.Equal(firstNotice) {
		t.Fatalf("expected second high-conn notice to be suppressed within the interval")
	}
}
