//go:build darwin

package backend

import (
	"time"

	"golang.org/x/sys/unix"
)

// readinessAdapter is the kqueue-based backend. Same retry-on-ready
// model as the epoll variant; the wake primitive is a non-blocking pipe
// whose read end is registered with the queue.
type readinessAdapter struct {
	kq      int
	rfd     int // pipe read end, registered with kqueue
	wfd     int // pipe write end, written by Wake
	pending map[Handle]*pendingOps
	events  []unix.Kevent_t
	wbuf    [16]byte
}

func newReadiness() (Adapter, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, err
	}
	return &readinessAdapter{
		kq:      kq,
		rfd:     rfd,
		wfd:     wfd,
		pending: make(map[Handle]*pendingOps),
		events:  make([]unix.Kevent_t, 256),
	}, nil
}

func (a *readinessAdapter) Style() Style { return StyleReadiness }

func (a *readinessAdapter) Associate(h Handle) error {
	return unix.SetNonblock(int(h), true)
}

func (a *readinessAdapter) Arm(s Submission) (bool, Event, error) {
	if s.Op == OpClose {
		a.dropHandle(s.Handle)
		err := unix.Close(int(s.Handle))
		return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, Closed: true}, err
	}

	ok, done, ev, err := attempt(s, 0)
	if ok || err != nil {
		return true, ev, err
	}

	ops, exists := a.pending[s.Handle]
	if !exists {
		ops = &pendingOps{}
		a.pending[s.Handle] = ops
	}
	filter := int16(unix.EVFILT_READ)
	if wantsWrite(s.Op) {
		ops.write = &pendingEntry{sub: s, done: done}
		filter = unix.EVFILT_WRITE
	} else {
		ops.read = &pendingEntry{sub: s, done: done}
	}
	kev := unix.Kevent_t{
		Ident:  uint64(s.Handle),
		Filter: filter,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, kerr := unix.Kevent(a.kq, []unix.Kevent_t{kev}, nil, nil); kerr != nil {
		return false, Event{}, kerr
	}
	return false, Event{}, nil
}

func (a *readinessAdapter) dropFilter(h Handle, filter int16) {
	kev := unix.Kevent_t{Ident: uint64(h), Filter: filter, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(a.kq, []unix.Kevent_t{kev}, nil, nil)
}

func (a *readinessAdapter) dropHandle(h Handle) {
	if _, ok := a.pending[h]; ok {
		delete(a.pending, h)
		a.dropFilter(h, unix.EVFILT_READ)
		a.dropFilter(h, unix.EVFILT_WRITE)
	}
}

func (a *readinessAdapter) Disarm(h Handle, op Op) error {
	ops, ok := a.pending[h]
	if !ok {
		return nil
	}
	if wantsWrite(op) {
		ops.write = nil
		a.dropFilter(h, unix.EVFILT_WRITE)
	} else {
		ops.read = nil
		a.dropFilter(h, unix.EVFILT_READ)
	}
	if ops.read == nil && ops.write == nil {
		delete(a.pending, h)
	}
	return nil
}

func (a *readinessAdapter) Poll(deadline time.Time) ([]Event, error) {
	var ts *unix.Timespec
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(a.kq, nil, a.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	var out []Event
	for i := 0; i < n; i++ {
		kev := a.events[i]
		h := Handle(kev.Ident)
		if int(kev.Ident) == a.rfd {
			for {
				if _, rerr := unix.Read(a.rfd, a.wbuf[:]); rerr != nil {
					break
				}
			}
			continue
		}
		ops, ok := a.pending[h]
		if !ok {
			continue
		}
		var entry *pendingEntry
		switch kev.Filter {
		case unix.EVFILT_READ:
			entry = ops.read
		case unix.EVFILT_WRITE:
			entry = ops.write
		}
		if entry == nil {
			continue
		}
		done, fin, e := retry(entry)
		if !fin && kev.Flags&unix.EV_EOF != 0 {
			// EOF with nothing transferable: surface the hangup now
			// rather than waiting for a readiness that will never come.
			fin = true
			e = Event{Token: entry.sub.Token, Handle: h, Op: entry.sub.Op, Err: ErrHandleError}
		}
		if fin {
			out = append(out, e)
			if kev.Filter == unix.EVFILT_READ {
				ops.read = nil
			} else {
				ops.write = nil
			}
			a.dropFilter(h, kev.Filter)
		} else {
			entry.done = done
		}
		if ops.read == nil && ops.write == nil {
			delete(a.pending, h)
		}
	}
	return out, nil
}

func (a *readinessAdapter) Wake() error {
	b := [1]byte{1}
	_, err := unix.Write(a.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (a *readinessAdapter) Close() error {
	unix.Close(a.rfd)
	unix.Close(a.wfd)
	return unix.Close(a.kq)
}

// sysAccept wraps accept, marking the client non-blocking. Darwin has
// no accept4.
func sysAccept(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	_ = unix.SetNonblock(nfd, true)
	unix.CloseOnExec(nfd)
	return nfd, nil
}

func newForPlatform(opts Options) (Adapter, error) {
	// The ApiType knob is Linux-only; Darwin has exactly one backend.
	return newReadiness()
}
