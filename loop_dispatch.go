package reactor

import (
	"sort"
	"time"

	"github.com/silent-tech/goreactor/internal/backend"
	"github.com/silent-tech/goreactor/internal/queue"
	"github.com/silent-tech/goreactor/internal/workerpool"
)

// step is one loop iteration: snap the clock, stage submissions, poll
// the backend, then dispatch in the fixed order — worker completions,
// timer expirations, backend completions, wake-ups.
func (l *Loop) step(wait bool) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	l.clock.update()

	l.stageSubmissions()

	events, pollErr := l.adapter.Poll(l.pollDeadline(wait))
	l.clock.update()

	l.dispatchWorkCompletions()
	l.dispatchExpiredTimers()
	l.dispatchBackendEvents(events)
	l.dispatchWakeUps()

	if pollErr != nil {
		return backendErr("poll", pollErr)
	}
	return nil
}

// pollDeadline picks how long the backend may block this iteration.
func (l *Loop) pollDeadline(wait bool) time.Time {
	now := l.clock.snapshot()
	if !wait {
		return now
	}
	// Anything already dispatchable turns the poll into a peek.
	if !l.completed.Empty() || l.wake.Pending() {
		return now
	}
	l.workMu.Lock()
	ready := len(l.workDone) > 0
	l.workMu.Unlock()
	if ready {
		return now
	}
	if earliest, ok := l.earliestTimerDeadline(); ok {
		return earliest
	}
	return time.Time{}
}

func (l *Loop) earliestTimerDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	l.activeTimers.ForEach(func(n *queue.Node) {
		t := reqOf(n).owner.(*Timeout)
		if !found || t.deadline.Before(earliest) {
			earliest = t.deadline
			found = true
		}
	})
	return earliest, found
}

// stageSubmissions translates every submitted request into its backend
// arm call or loop-local activation.
func (l *Loop) stageSubmissions() {
	for {
		n := l.submissions.PopFront()
		if n == nil {
			return
		}
		r := reqOf(n)
		r.state = StateActive
		switch r.kind {
		case KindLoopTimeout:
			l.activeTimers.PushBack(n)
		case KindLoopWakeUp:
			l.activeWakeUps.PushBack(n)
		case KindFileRead, KindFileWrite:
			if l.adapter.Style() == backend.StyleReadiness {
				// Readiness multiplexers cannot poll regular files;
				// run the positional I/O on the worker pool instead.
				l.offloadToPool(r)
				continue
			}
			l.armAtBackend(r)
		default:
			l.armAtBackend(r)
		}
	}
}

func (l *Loop) armAtBackend(r *request) {
	sub := l.submissionFor(r)
	immediate, ev, err := l.adapter.Arm(sub)
	if err != nil {
		ev.Token = r
		ev.Err = err
		r.ev = ev
		l.completed.PushBack(&r.node)
		return
	}
	if immediate {
		r.ev = ev
		l.completed.PushBack(&r.node)
		return
	}
	l.active.PushBack(&r.node)
}

func (l *Loop) offloadToPool(r *request) {
	l.workMu.Lock()
	l.activeWork.PushBack(&r.node)
	pool := l.ensurePoolLocked()
	l.workMu.Unlock()
	_ = pool.Submit(&workerpool.Item{Token: r, Work: l.workFuncFor(r)})
}

// submissionFor flattens a typed request into the backend's uniform
// submission record. Token round-trips back on the matching event.
func (l *Loop) submissionFor(r *request) backend.Submission {
	sub := backend.Submission{Token: r}
	switch r.kind {
	case KindSocketAccept:
		sub.Handle = r.owner.(*SocketAccept).handle
		sub.Op = backend.OpAccept
	case KindSocketConnect:
		c := r.owner.(*SocketConnect)
		sub.Handle = c.handle
		sub.Op = backend.OpConnect
		sub.Addr = c.addr
	case KindSocketSend:
		s := r.owner.(*SocketSend)
		sub.Handle = s.handle
		sub.Op = backend.OpSend
		sub.Buf = s.buf
	case KindSocketReceive:
		s := r.owner.(*SocketReceive)
		sub.Handle = s.handle
		sub.Op = backend.OpReceive
		sub.Buf = s.buf
	case KindSocketClose:
		sub.Handle = r.owner.(*SocketClose).handle
		sub.Op = backend.OpClose
	case KindFileRead:
		f := r.owner.(*FileRead)
		sub.Handle = f.handle
		sub.Op = backend.OpRead
		sub.Buf = f.Buf
		sub.Offset = f.Offset
	case KindFileWrite:
		f := r.owner.(*FileWrite)
		sub.Handle = f.handle
		sub.Op = backend.OpWrite
		sub.Buf = f.Buf
		sub.Offset = f.Offset
	case KindFileClose:
		sub.Handle = r.owner.(*FileClose).handle
		sub.Op = backend.OpClose
	}
	return sub
}

// dispatchWorkCompletions drains the pool's finished items and runs
// their after-work callbacks. First dispatch class of the iteration.
func (l *Loop) dispatchWorkCompletions() {
	l.workMu.Lock()
	items := l.workDone
	l.workDone = nil
	for _, it := range items {
		r := it.Token.(*request)
		l.activeWork.Remove(&r.node)
	}
	l.workMu.Unlock()

	for _, it := range items {
		r := it.Token.(*request)
		if r.state != StateActive {
			// Stopped mid-flight: the work ran, the callback is
			// suppressed.
			r.setFree()
			continue
		}
		switch r.kind {
		case KindLoopWork:
			w := r.owner.(*Work)
			res := WorkResult{Request: w}
			res.err = it.Err
			if w.Callback != nil {
				w.Callback(&res)
			}
			l.finishWork(r, res.shouldReactivate())
		case KindProcessExit:
			p := r.owner.(*ProcessExit)
			res := ProcessExitResult{Request: p, ExitStatus: p.exitStatus}
			res.err = it.Err
			if p.Callback != nil {
				p.Callback(&res)
			}
			l.finishWork(r, res.shouldReactivate())
		case KindFileRead:
			f := r.owner.(*FileRead)
			res := FileReadResult{Request: f}
			res.err = it.Err
			if f.Callback != nil {
				f.Callback(&res)
			}
			l.finishWork(r, res.shouldReactivate())
		case KindFileWrite:
			f := r.owner.(*FileWrite)
			res := FileWriteResult{Request: f}
			res.err = it.Err
			if f.Callback != nil {
				f.Callback(&res)
			}
			l.finishWork(r, res.shouldReactivate())
		default:
			r.setFree()
		}
	}
}

func (l *Loop) finishWork(r *request, reactivate bool) {
	if reactivate {
		_ = l.resubmitWork(r)
		return
	}
	r.setFree()
}

// dispatchExpiredTimers removes and invokes every timer whose deadline
// has passed, in deadline order with ties broken by insertion order.
func (l *Loop) dispatchExpiredTimers() {
	var expired []*Timeout
	l.activeTimers.ForEach(func(n *queue.Node) {
		t := reqOf(n).owner.(*Timeout)
		if l.clock.expired(t.deadline) {
			expired = append(expired, t)
		}
	})
	if len(expired) == 0 {
		return
	}
	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].deadline.Before(expired[j].deadline)
	})
	for _, t := range expired {
		l.activeTimers.Remove(&t.req.node)
		entry := time.Now()
		res := TimeoutResult{Request: t}
		if t.Callback != nil {
			t.Callback(&res)
		}
		if res.shouldReactivate() {
			t.deadline = entry.Add(t.Relative)
			t.req.state = StateActive
			l.activeTimers.PushBack(&t.req.node)
			continue
		}
		t.req.setFree()
	}
}

// dispatchBackendEvents folds synchronous staged completions and the
// events the poll produced into callbacks, in the order the backend
// reported them.
func (l *Loop) dispatchBackendEvents(events []backend.Event) {
	for {
		n := l.completed.PopFront()
		if n == nil {
			break
		}
		r := reqOf(n)
		l.completeRequest(r, r.ev)
	}
	for _, ev := range events {
		r, ok := ev.Token.(*request)
		if !ok || r == nil {
			continue
		}
		if r.state == StateCancelling {
			// The suppressed tail of a stopped request.
			l.cancelling.Remove(&r.node)
			r.setFree()
			continue
		}
		if r.state != StateActive {
			continue
		}
		l.active.Remove(&r.node)
		l.completeRequest(r, ev)
	}
}

// completeRequest runs the callback for one finished backend operation
// and applies reactivation.
func (l *Loop) completeRequest(r *request, ev backend.Event) {
	reactivate := false
	switch r.kind {
	case KindSocketAccept:
		a := r.owner.(*SocketAccept)
		res := AcceptResult{Request: a}
		if ev.Err != nil {
			res.err = backendErr("accept", ev.Err)
		} else {
			a.accepted = ev.Accepted
		}
		if a.Callback != nil {
			a.Callback(&res)
		}
		reactivate = res.shouldReactivate()

	case KindSocketConnect:
		c := r.owner.(*SocketConnect)
		res := ConnectResult{Request: c}
		res.err = backendErr("connect", ev.Err)
		if c.Callback != nil {
			c.Callback(&res)
		}
		reactivate = res.shouldReactivate()

	case KindSocketSend:
		s := r.owner.(*SocketSend)
		res := SendResult{Request: s}
		res.err = backendErr("send", ev.Err)
		if s.Callback != nil {
			s.Callback(&res)
		}
		reactivate = res.shouldReactivate()

	case KindSocketReceive:
		s := r.owner.(*SocketReceive)
		res := ReceiveResult{Request: s}
		if ev.Err != nil {
			res.err = backendErr("receive", ev.Err)
		} else {
			s.n = ev.N
			s.closed = ev.Closed
		}
		if s.Callback != nil {
			s.Callback(&res)
		}
		reactivate = res.shouldReactivate()

	case KindSocketClose:
		c := r.owner.(*SocketClose)
		res := CloseResult{}
		res.err = backendErr("close", ev.Err)
		if c.Callback != nil {
			c.Callback(&res)
		}

	case KindFileClose:
		c := r.owner.(*FileClose)
		res := CloseResult{}
		res.err = backendErr("close", ev.Err)
		if c.Callback != nil {
			c.Callback(&res)
		}

	case KindFileRead:
		f := r.owner.(*FileRead)
		res := FileReadResult{Request: f}
		if ev.Err != nil {
			res.err = backendErr("read", ev.Err)
		} else {
			f.n = ev.N
		}
		if f.Callback != nil {
			f.Callback(&res)
		}
		reactivate = res.shouldReactivate()

	case KindFileWrite:
		f := r.owner.(*FileWrite)
		res := FileWriteResult{Request: f}
		if ev.Err != nil {
			res.err = backendErr("write", ev.Err)
		} else {
			f.n = ev.N
		}
		if f.Callback != nil {
			f.Callback(&res)
		}
		reactivate = res.shouldReactivate()
	}

	if reactivate {
		// Stays active; staged again on the next iteration.
		r.state = StateActive
		r.ev = backend.Event{}
		l.submissions.PushBack(&r.node)
		return
	}
	r.setFree()
}

// dispatchWakeUps drains the wake channel and invokes every wake-up
// with a pending notification. Last dispatch class of the iteration.
func (l *Loop) dispatchWakeUps() {
	if l.wake == nil || !l.wake.Drain() {
		return
	}
	var fired []*WakeUp
	l.activeWakeUps.ForEach(func(n *queue.Node) {
		w := reqOf(n).owner.(*WakeUp)
		if w.pending.Swap(false) {
			fired = append(fired, w)
		}
	})
	for _, w := range fired {
		res := WakeUpResult{Request: w}
		if w.Callback != nil {
			w.Callback(&res)
		}
		if !res.shouldReactivate() {
			l.activeWakeUps.Remove(&w.req.node)
			w.req.setFree()
		}
		if w.Signal != nil {
			w.Signal.fire()
		}
	}
}
