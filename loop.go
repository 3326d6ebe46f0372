package reactor

import (
	"sync"

	"github.com/silent-tech/goreactor/internal/backend"
	"github.com/silent-tech/goreactor/internal/queue"
	"github.com/silent-tech/goreactor/internal/wakechannel"
	"github.com/silent-tech/goreactor/internal/workerpool"
)

// Loop is a single-threaded reactor. All request mutation, queue
// manipulation and callback invocation happen on the one thread that
// calls Run, RunOnce or RunNoWait; the only cross-thread entry points
// are WakeUpFromExternalThread, WakeUp.Wake and Work.Start.
//
// The zero value is uninitialized; call Create before use. Close
// returns the loop to the uninitialized state, after which Create may
// be called again.
type Loop struct {
	opts        Options
	adapter     backend.Adapter
	wake        *wakechannel.Channel
	clock       loopClock
	initialized bool

	// Request queues. A non-free request is linked on exactly one.
	submissions   queue.List // started, not yet staged
	activeTimers  queue.List
	activeWakeUps queue.List
	active        queue.List // armed at the backend
	cancelling    queue.List // disarm issued, completion pending
	completed     queue.List // synchronous completion awaiting dispatch

	// Worker-pool coupling. activeWork and workDone are the only
	// mutex-protected loop structures; pool threads push finished items
	// onto workDone and signal the wake channel.
	workMu     sync.Mutex
	activeWork queue.List
	workDone   []*workerpool.Item
	pool       *workerpool.Pool
}

// New allocates a Loop and calls Create on it.
func New(opts Options) (*Loop, error) {
	l := &Loop{}
	if err := l.Create(opts); err != nil {
		return nil, err
	}
	return l, nil
}

// Create initializes the backend and wake channel. The loop must be
// uninitialized (freshly zero or after Close).
func (l *Loop) Create(opts Options) error {
	if l.initialized {
		return ErrInvalidState
	}
	opts = opts.withDefaults()
	adapter, err := backend.New(backend.Options{
		ApiType:            opts.ApiType,
		TryLoadingLiburing: opts.TryLoadingLiburing,
	})
	if err != nil {
		return backendErr("create", err)
	}
	l.opts = opts
	l.adapter = adapter
	l.wake = wakechannel.New(adapter.Wake)
	l.clock = loopClock{}
	l.initialized = true
	return nil
}

// Close releases the backend and frees every request the loop still
// holds, without invoking callbacks. The requests may be started again
// after a new Create. Close never leaves the loop unusable: best-effort
// teardown, then back to the uninitialized state.
func (l *Loop) Close() error {
	if !l.initialized {
		return nil
	}

	// Stop the pool first: items already dequeued run to completion,
	// their results are discarded below.
	l.workMu.Lock()
	pool := l.pool
	l.pool = nil
	l.initialized = false
	l.workMu.Unlock()
	if pool != nil {
		pool.Close()
	}

	l.workMu.Lock()
	l.activeWork.DrainTo(func(n *queue.Node) { reqOf(n).setFree() })
	l.workDone = nil
	l.workMu.Unlock()

	for _, list := range []*queue.List{
		&l.submissions, &l.activeTimers, &l.activeWakeUps,
		&l.active, &l.cancelling, &l.completed,
	} {
		list.DrainTo(func(n *queue.Node) { reqOf(n).setFree() })
	}

	err := l.adapter.Close()
	l.adapter = nil
	l.wake = nil
	return backendErr("close", err)
}

// Run iterates RunOnce until the loop holds no submitting or active
// requests and no pending wake.
func (l *Loop) Run() error {
	if !l.initialized {
		return ErrNotInitialized
	}
	for l.hasPendingWork() {
		if err := l.RunOnce(); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce performs one iteration, blocking in the backend poll until
// the earliest timer deadline, an I/O event or a wake-up.
func (l *Loop) RunOnce() error { return l.step(true) }

// RunNoWait performs one iteration with a zero-deadline poll.
func (l *Loop) RunNoWait() error { return l.step(false) }

// WakeUpFromExternalThread interrupts a blocked poll. Safe from any
// thread.
func (l *Loop) WakeUpFromExternalThread() error {
	wake := l.wake
	if wake == nil {
		return ErrNotInitialized
	}
	return wake.Signal()
}

// AssociateExternallyCreatedTCPSocket registers a socket created
// outside CreateAsyncTCPSocket with the backend.
func (l *Loop) AssociateExternallyCreatedTCPSocket(h *Handle) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	return backendErr("associate", l.adapter.Associate(*h))
}

// AssociateExternallyCreatedFileDescriptor registers an externally
// opened file descriptor with the backend.
func (l *Loop) AssociateExternallyCreatedFileDescriptor(h *Handle) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	return backendErr("associate", l.adapter.Associate(*h))
}

func (l *Loop) hasPendingWork() bool {
	if !l.submissions.Empty() || !l.activeTimers.Empty() ||
		!l.activeWakeUps.Empty() || !l.active.Empty() ||
		!l.cancelling.Empty() || !l.completed.Empty() {
		return true
	}
	l.workMu.Lock()
	n := l.activeWork.Len() + len(l.workDone)
	l.workMu.Unlock()
	if n > 0 {
		return true
	}
	return l.wake != nil && l.wake.Pending()
}

// start validates and enqueues a request for staging on the next
// iteration. Loop-thread only, except through startWork.
func (l *Loop) start(r *request, kind Kind, owner any) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	if r.state != StateFree {
		return ErrInvalidState
	}
	r.kind = kind
	r.owner = owner
	r.node.Owner = r
	r.loop = l
	r.ev = backend.Event{}
	r.state = StateSubmitting
	l.submissions.PushBack(&r.node)
	return nil
}

// stop cancels a submitting or active request. The callback does not
// run after a successful stop.
func (l *Loop) stop(r *request) error {
	if r.state == StateFree || r.loop != l {
		return ErrInvalidState
	}
	switch r.state {
	case StateCancelling:
		return nil

	case StateSubmitting:
		l.submissions.Remove(&r.node)
		r.setFree()
		return nil

	case StateActive:
		// A reactivated request awaiting restaging is withdrawn like a
		// fresh submission.
		if l.submissions.Remove(&r.node) {
			r.setFree()
			return nil
		}
		switch r.kind {
		case KindLoopTimeout:
			l.activeTimers.Remove(&r.node)
			r.setFree()
			return nil
		case KindLoopWakeUp:
			l.activeWakeUps.Remove(&r.node)
			r.setFree()
			return nil
		case KindLoopWork, KindProcessExit:
			return l.stopWork(r)
		}
		// A synchronous completion already parked for dispatch is
		// simply withdrawn.
		if l.completed.Remove(&r.node) {
			r.setFree()
			return nil
		}
		// Pool-offloaded file I/O is tracked on activeWork.
		if r.node.Linked() && !l.active.Remove(&r.node) {
			return l.stopWork(r)
		}
		h, op := l.backendTarget(r)
		err := l.adapter.Disarm(h, op)
		if l.adapter.Style() == backend.StyleReadiness {
			// Inline cancellation: no completion will arrive.
			r.setFree()
			return backendErr("disarm", err)
		}
		r.state = StateCancelling
		l.cancelling.PushBack(&r.node)
		return backendErr("disarm", err)
	}
	return ErrInvalidState
}

// startWork submits pool-backed requests (Work, ProcessExit and
// offloaded file I/O). Safe from any thread.
func (l *Loop) startWork(r *request, kind Kind, owner any) error {
	l.workMu.Lock()
	if !l.initialized {
		l.workMu.Unlock()
		return ErrNotInitialized
	}
	if r.state != StateFree {
		l.workMu.Unlock()
		return ErrInvalidState
	}
	r.kind = kind
	r.owner = owner
	r.node.Owner = r
	r.loop = l
	r.state = StateActive
	l.activeWork.PushBack(&r.node)
	pool := l.ensurePoolLocked()
	l.workMu.Unlock()

	return pool.Submit(&workerpool.Item{Token: r, Work: l.workFuncFor(r)})
}

// resubmitWork re-arms a reactivated pool-backed request. Loop thread.
func (l *Loop) resubmitWork(r *request) error {
	l.workMu.Lock()
	r.state = StateActive
	l.activeWork.PushBack(&r.node)
	pool := l.ensurePoolLocked()
	l.workMu.Unlock()
	return pool.Submit(&workerpool.Item{Token: r, Work: l.workFuncFor(r)})
}

// stopWork suppresses the callback of an in-flight pool item. The work
// function still runs to completion.
func (l *Loop) stopWork(r *request) error {
	l.workMu.Lock()
	defer l.workMu.Unlock()
	if r.state != StateActive || !l.activeWork.Contains(&r.node) {
		return ErrInvalidState
	}
	r.state = StateCancelling
	return nil
}

func (l *Loop) ensurePoolLocked() *workerpool.Pool {
	if l.pool == nil {
		l.pool = workerpool.New(l.opts.WorkerThreads, l.opts.WorkerQueueDepth, l.postWorkCompletion)
	}
	return l.pool
}

// postWorkCompletion runs on pool threads: park the finished item on
// the loop-owned completion list and wake the loop.
func (l *Loop) postWorkCompletion(it *workerpool.Item) {
	l.workMu.Lock()
	l.workDone = append(l.workDone, it)
	wake := l.wake
	closed := !l.initialized
	l.workMu.Unlock()
	if !closed && wake != nil {
		_ = wake.Signal()
	}
}

// workFuncFor builds the blocking function a pool thread will run for
// a pool-backed request.
func (l *Loop) workFuncFor(r *request) func() error {
	switch r.kind {
	case KindLoopWork:
		return r.owner.(*Work).Work
	case KindProcessExit:
		p := r.owner.(*ProcessExit)
		return func() error {
			status, err := waitForProcess(p.pid)
			if err != nil {
				return backendErr("wait", err)
			}
			p.exitStatus = status
			return nil
		}
	case KindFileRead:
		f := r.owner.(*FileRead)
		return func() error {
			n, err := fileReadBlocking(f.handle, f.Buf, f.Offset)
			if err != nil {
				return backendErr("read", err)
			}
			f.n = n
			return nil
		}
	case KindFileWrite:
		f := r.owner.(*FileWrite)
		return func() error {
			n, err := fileWriteBlocking(f.handle, f.Buf, f.Offset)
			if err != nil {
				return backendErr("write", err)
			}
			f.n = n
			return nil
		}
	}
	return func() error { return ErrInvalidState }
}

// backendTarget maps an armed request onto the (handle, op) pair the
// backend indexes its pending operations by.
func (l *Loop) backendTarget(r *request) (Handle, backend.Op) {
	switch r.kind {
	case KindSocketAccept:
		return r.owner.(*SocketAccept).handle, backend.OpAccept
	case KindSocketConnect:
		return r.owner.(*SocketConnect).handle, backend.OpConnect
	case KindSocketSend:
		return r.owner.(*SocketSend).handle, backend.OpSend
	case KindSocketReceive:
		return r.owner.(*SocketReceive).handle, backend.OpReceive
	case KindSocketClose:
		return r.owner.(*SocketClose).handle, backend.OpClose
	case KindFileRead:
		return r.owner.(*FileRead).handle, backend.OpRead
	case KindFileWrite:
		return r.owner.(*FileWrite).handle, backend.OpWrite
	case KindFileClose:
		return r.owner.(*FileClose).handle, backend.OpClose
	}
	return InvalidHandle, backend.OpNone
}
