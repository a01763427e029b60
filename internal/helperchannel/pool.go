package helperchannel

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/meshircd/ircd/internal/logging"
)

// Pool owns every Worker the runtime spawned and is the thing the
// listener and connection FSM actually talk to: "give me whichever
// worker has room", plus background respawn of anything that dies
// (spec.md §4.7).
type Pool struct {
	log  logging.Logger
	path string
	env  []string

	mu      sync.Mutex
	workers []*Worker

	// CertPath/KeyPath/DHParamsPath are re-sent to any worker respawned
	// after an initial rekey, so a replacement worker never serves a
	// stale certificate (spec.md §4.7).
	CertPath     string
	KeyPath      string
	DHParamsPath string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a Pool of n workers using helperPath as the
// ircd-helper binary. Call Start to spawn them and begin the respawn
// watchdog.
func NewPool(n int, helperPath string, env []string, log logging.Logger) *Pool {
	p := &Pool{
		log:    log.Fork("helperpool"),
		path:   helperPath,
		env:    env,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, NewWorker(i, helperPath, env, log))
	}
	return p
}

// Start spawns every worker and launches the watchdog goroutine that
// respawns any that die, backing off between attempts the way
// sslproc.c's parent throttles respawn-on-crash.
func (p *Pool) Start() error {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		if err := w.Spawn(); err != nil {
			return err
		}
	}
	p.wg.Add(1)
	go p.watchdog()
	return nil
}

func (p *Pool) watchdog() {
	defer p.wg.Done()
	boff := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			dead := make([]*Worker, 0)
			for _, w := range p.workers {
				if w.IsDead() {
					dead = append(dead, w)
				}
			}
			p.mu.Unlock()
			if len(dead) == 0 {
				boff.Reset()
				continue
			}
			time.Sleep(boff.Duration())
			for _, w := range dead {
				if err := w.Spawn(); err != nil {
					p.log.WLogf("respawn of helper[%d] failed: %v", w.ID(), err)
					continue
				}
				if p.CertPath != "" {
					if err := w.SendRekey(p.CertPath, p.KeyPath, p.DHParamsPath); err != nil {
						p.log.WLogf("re-key of respawned helper[%d] failed: %v", w.ID(), err)
					}
				}
			}
		}
	}
}

// Stop signals the watchdog to exit and shuts down every worker.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		w.StartShutdown(nil)
	}
	for _, w := range workers {
		_ = w.WaitShutdown()
	}
}

// Least returns the live worker with the fewest active sessions, or
// nil if every worker is currently dead (the listener must then reject
// new TLS-requiring connections per spec.md §4.2).
func (p *Pool) Least() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Worker
	for _, w := range p.workers {
		if w.IsDead() {
			continue
		}
		if best == nil || w.CliCount() < best.CliCount() {
			best = w
		}
	}
	return best
}

// Rekey pushes new certificate material to every live worker and
// records the paths so future respawns pick them up automatically.
func (p *Pool) Rekey(certPath, keyPath, dhParamsPath string) {
	p.mu.Lock()
	p.CertPath, p.KeyPath, p.DHParamsPath = certPath, keyPath, dhParamsPath
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		if w.IsDead() {
			continue
		}
		if err := w.SendRekey(certPath, keyPath, dhParamsPath); err != nil {
			p.log.WLogf("re-key of helper[%d] failed: %v", w.ID(), err)
		}
	}
}
