package reactor

import (
	"sync/atomic"
	"time"
)

// Timeout fires its callback once a relative interval has elapsed. The
// deadline is fixed when Start runs; a reactivating callback gets a new
// deadline measured from the moment the callback was entered.
type Timeout struct {
	req      request
	Relative time.Duration
	deadline time.Time

	// Callback runs on the loop thread when the deadline passes.
	Callback func(*TimeoutResult)
}

// TimeoutResult is handed to a Timeout callback. Reactivation re-arms
// the timer with the request's current Relative interval.
type TimeoutResult struct {
	result
	Request *Timeout
}

// Start arms the timer on l with the given relative interval.
func (t *Timeout) Start(l *Loop, relative time.Duration) error {
	t.Relative = relative
	t.deadline = time.Now().Add(relative)
	return l.start(&t.req, KindLoopTimeout, t)
}

// Stop cancels the timer. The callback will not run.
func (t *Timeout) Stop() error { return t.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (t *Timeout) SetDebugName(name string) { t.req.name = name }

// State reports the request's lifecycle state.
func (t *Timeout) State() State { return t.req.state }

// EventSignal lets a thread block until a wake-up it posted has been
// observed and its callback has returned on the loop thread.
type EventSignal struct {
	ch chan struct{}
}

// NewEventSignal returns a signal ready to attach to a WakeUp.
func NewEventSignal() *EventSignal {
	return &EventSignal{ch: make(chan struct{}, 1)}
}

func (s *EventSignal) fire() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal fires.
func (s *EventSignal) Wait() { <-s.ch }

// WaitTimeout blocks until the signal fires or d elapses, reporting
// whether it fired.
func (s *EventSignal) WaitTimeout(d time.Duration) bool {
	select {
	case <-s.ch:
		return true
	case <-time.After(d):
		return false
	}
}

// WakeUp completes when another thread calls Wake. Multiple Wake calls
// between two loop iterations coalesce into a single completion.
type WakeUp struct {
	req     request
	pending atomic.Bool

	// Signal, when set before Start, fires after the callback returns,
	// so the waking thread can await handling.
	Signal *EventSignal

	// Callback runs on the loop thread once per drained wake-up.
	Callback func(*WakeUpResult)
}

// WakeUpResult is handed to a WakeUp callback.
type WakeUpResult struct {
	result
	Request *WakeUp
}

// Start arms the wake-up on l.
func (w *WakeUp) Start(l *Loop) error {
	w.pending.Store(false)
	return l.start(&w.req, KindLoopWakeUp, w)
}

// Wake marks the wake-up pending and wakes the loop. Safe from any
// thread; idempotent between two loop iterations.
func (w *WakeUp) Wake() error {
	l := w.req.loop
	if l == nil {
		return ErrInvalidState
	}
	wake := l.wake
	if wake == nil {
		return ErrInvalidState
	}
	w.pending.Store(true)
	return wake.Signal()
}

// Stop cancels the wake-up. The callback will not run.
func (w *WakeUp) Stop() error { return w.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (w *WakeUp) SetDebugName(name string) { w.req.name = name }

// State reports the request's lifecycle state.
func (w *WakeUp) State() State { return w.req.state }

// Work runs a blocking function on the loop's worker pool, then its
// Callback on the loop thread. Start is the one request submission
// that is safe from any thread.
type Work struct {
	req request

	// Work runs on a pool thread. It must not touch loop state.
	Work func() error

	// Callback runs on the loop thread after Work returns.
	Callback func(*WorkResult)
}

// WorkResult is handed to a Work callback; Err is the work function's
// return value.
type WorkResult struct {
	result
	Request *Work
}

// Start submits the work item to l's pool.
func (w *Work) Start(l *Loop) error {
	if w.Work == nil {
		return ErrInvalidArgument
	}
	return l.startWork(&w.req, KindLoopWork, w)
}

// Stop suppresses the callback. The work function still runs to
// completion on its pool thread.
func (w *Work) Stop() error { return w.req.requestStopWork() }

// SetDebugName attaches a name for diagnostics.
func (w *Work) SetDebugName(name string) { w.req.name = name }

// State reports the request's lifecycle state.
func (w *Work) State() State { return w.req.state }

// ProcessExit completes when a child process terminates; the result
// carries its exit status. The wait runs on the worker pool.
type ProcessExit struct {
	req        request
	pid        int
	exitStatus int

	// Callback runs on the loop thread once the child has exited.
	Callback func(*ProcessExitResult)
}

// ProcessExitResult is handed to a ProcessExit callback.
type ProcessExitResult struct {
	result
	Request *ProcessExit

	// ExitStatus is the child's exit code, valid when Err is nil.
	ExitStatus int
}

// Start begins waiting for the child identified by pid.
func (p *ProcessExit) Start(l *Loop, pid int) error {
	if pid <= 0 {
		return ErrInvalidArgument
	}
	p.pid = pid
	return l.startWork(&p.req, KindProcessExit, p)
}

// Stop suppresses the callback; the underlying wait still completes.
func (p *ProcessExit) Stop() error { return p.req.requestStopWork() }

// SetDebugName attaches a name for diagnostics.
func (p *ProcessExit) SetDebugName(name string) { p.req.name = name }

// State reports the request's lifecycle state.
func (p *ProcessExit) State() State { return p.req.state }
