// Package lifecycle supplies the shutdown/drain state machine shared
// by every connection, the listener, and helper workers. It is the
// same pause/schedule/drain protocol the teacher's ShutdownHelper
// implements, generalized to the mesh's own components.
package lifecycle

import "sync"

// OnceShutdownHandler is implemented by the object a Helper manages.
// Shutdown is invoked exactly once, in its own goroutine, and must not
// be called while shutdown is paused.
type OnceShutdownHandler interface {
	// HandleOnceShutdown performs the real teardown work. completionErr
	// is an advisory completion value; the returned error becomes the
	// final status reported by WaitShutdown.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is the interface exposed by any object carrying a
// Helper, used so that children can be chained under a parent's
// shutdown (e.g. a Connection registered with the Listener).
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper manages clean, idempotent, asynchronous shutdown of an object
// implementing OnceShutdownHandler. Every Connection, the Listener, and
// each HelperWorker embed one.
type Helper struct {
	Lock sync.Mutex

	handler OnceShutdownHandler

	pauseCount int
	scheduled  bool
	started    bool
	done       bool
	err        error

	startedChan chan struct{}
	handlerChan chan struct{}
	doneChan    chan struct{}

	wg sync.WaitGroup

	initOnce sync.Once
}

func (h *Helper) lazyInit() {
	h.initOnce.Do(func() {
		h.startedChan = make(chan struct{})
		h.handlerChan = make(chan struct{})
		h.doneChan = make(chan struct{})
	})
}

// Init binds the Helper to its handler. Must be called before any other
// method, typically from the embedding type's constructor.
func (h *Helper) Init(handler OnceShutdownHandler) {
	h.lazyInit()
	h.handler = handler
}

func (h *Helper) asyncRun() {
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.done = true
		h.Lock.Unlock()
		close(h.doneChan)
	}()
}

// Pause increments the shutdown-pause count; shutdown will not begin
// while the count is above zero, even if already scheduled. Returns an
// error if shutdown has already started.
func (h *Helper) Pause() error {
	h.lazyInit()
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return errShutdownAlreadyStarted
	}
	h.pauseCount++
	return nil
}

// Resume decrements the pause count and, if it reaches zero and
// shutdown has been scheduled, starts it.
func (h *Helper) Resume() {
	h.lazyInit()
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		panic("lifecycle: Resume without matching Pause")
	}
	h.pauseCount--
	runNow := h.pauseCount == 0 && h.scheduled && !h.started
	if runNow {
		h.started = true
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRun()
	}
}

// StartShutdown schedules shutdown with an advisory completion error.
// Safe to call more than once; only the first call has any effect.
func (h *Helper) StartShutdown(completionErr error) {
	h.lazyInit()
	var runNow bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		runNow = h.pauseCount == 0
		h.started = runNow
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRun()
	}
}

// Shutdown starts shutdown (if not already) and blocks until complete,
// returning the final completion status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion status. It does not itself initiate shutdown.
func (h *Helper) WaitShutdown() error {
	h.lazyInit()
	<-h.doneChan
	return h.err
}

// IsScheduledShutdown reports whether StartShutdown has been called.
func (h *Helper) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.scheduled
}

// IsDoneShutdown reports whether shutdown has completed.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.done
}

// ShutdownDoneChan returns a channel closed once shutdown is complete.
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	h.lazyInit()
	return h.doneChan
}

// ShutdownHandlerDoneChan returns a channel closed once the handler has
// returned, but before registered children finish draining. Used by a
// parent (e.g. the Listener) to start tearing down children concurrently
// with its own HandleOnceShutdown return.
func (h *Helper) ShutdownHandlerDoneChan() <-chan struct{} {
	h.lazyInit()
	return h.handlerChan
}

// AddChild registers child as an object that must finish shutting down
// before this Helper considers itself done. If this Helper's handler
// finishes first, child is actively told to shut down with the same
// advisory error.
func (h *Helper) AddChild(child AsyncShutdowner) {
	h.lazyInit()
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}

// AddChildChan registers an arbitrary completion channel to be waited
// on before shutdown is considered complete. Unlike AddChild, the
// Helper takes no action to cause it to close.
func (h *Helper) AddChildChan(done <-chan struct{}) {
	h.lazyInit()
	h.wg.Add(1)
	go func() {
		<-done
		h.wg.Done()
	}()
}

var errShutdownAlreadyStarted = shutdownError("lifecycle: shutdown already started")

type shutdownError string

func (e shutdownError) Error() string { return string(e) }
