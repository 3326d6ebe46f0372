//go:build linux

package backend

import (
	"time"

	"golang.org/x/sys/unix"
)

// readinessAdapter is the epoll-based backend: edge-triggered interest
// registration, with the matching syscall retried inline once a handle
// is reported ready. An eventfd registered at create time carries
// cross-thread wake-ups.
type readinessAdapter struct {
	epfd    int
	wfd     int // eventfd for Wake
	pending map[Handle]*pendingOps
	events  []unix.EpollEvent
	wbuf    [8]byte
}

func newReadiness() (Adapter, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}
	return &readinessAdapter{
		epfd:    fd,
		wfd:     wfd,
		pending: make(map[Handle]*pendingOps),
		events:  make([]unix.EpollEvent, 256),
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
	if wantsWrite(s.Op) {
		ops.write = &pendingEntry{sub: s, done: done}
	} else {
		ops.read = &pendingEntry{sub: s, done: done}
	}
	return false, Event{}, a.update(s.Handle, ops)
}

// update re-registers the epoll interest set for h from its pending ops.
func (a *readinessAdapter) update(h Handle, ops *pendingOps) error {
	var flags uint32 = unix.EPOLLET
	if ops.read != nil {
		flags |= unix.EPOLLIN
	}
	if ops.write != nil {
		flags |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: flags, Fd: int32(h)}
	err := unix.EpollCtl(a.epfd, unix.EPOLL_CTL_MOD, int(h), ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(a.epfd, unix.EPOLL_CTL_ADD, int(h), ev)
	}
	return err
}

func (a *readinessAdapter) dropHandle(h Handle) {
	if _, ok := a.pending[h]; ok {
		delete(a.pending, h)
		_ = unix.EpollCtl(a.epfd, unix.EPOLL_CTL_DEL, int(h), nil)
	}
}

func (a *readinessAdapter) Disarm(h Handle, op Op) error {
	ops, ok := a.pending[h]
	if !ok {
		return nil
	}
	if wantsWrite(op) {
		ops.write = nil
	} else {
		ops.read = nil
	}
	if ops.read == nil && ops.write == nil {
		a.dropHandle(h)
		return nil
	}
	return a.update(h, ops)
}

func (a *readinessAdapter) Poll(deadline time.Time) ([]Event, error) {
	timeout := -1
	if !deadline.IsZero() {
		if d := time.Until(deadline); d <= 0 {
			timeout = 0
		} else {
			timeout = int(d / time.Millisecond)
			if timeout == 0 {
				timeout = 1
			}
		}
	}
	n, err := unix.EpollWait(a.epfd, a.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	var out []Event
	for i := 0; i < n; i++ {
		ev := a.events[i]
		h := Handle(ev.Fd)
		if int(ev.Fd) == a.wfd {
			for {
				if _, rerr := unix.Read(a.wfd, a.wbuf[:]); rerr != nil {
					break
				}
			}
			continue
		}
		ops, ok := a.pending[h]
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if ops.read != nil {
				out = append(out, Event{Token: ops.read.sub.Token, Handle: h, Op: ops.read.sub.Op, Err: ErrHandleError})
			}
			if ops.write != nil {
				out = append(out, Event{Token: ops.write.sub.Token, Handle: h, Op: ops.write.sub.Op, Err: ErrHandleError})
			}
			a.dropHandle(h)
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 && ops.read != nil {
			entry := ops.read
			done, fin, e := retry(entry)
			if fin {
				out = append(out, e)
				ops.read = nil
			} else {
				entry.done = done
			}
		}
		if ev.Events&unix.EPOLLOUT != 0 && ops.write != nil {
			entry := ops.write
			done, fin, e := retry(entry)
			if fin {
				out = append(out, e)
				ops.write = nil
			} else {
				entry.done = done
			}
		}
		if ops.read == nil && ops.write == nil {
			a.dropHandle(h)
		}
	}
	return out, nil
}

func (a *readinessAdapter) Wake() error {
	one := [8]byte{1}
	_, err := unix.Write(a.wfd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (a *readinessAdapter) Close() error {
	unix.Close(a.wfd)
	return unix.Close(a.epfd)
}

// sysAccept wraps accept4, marking the client non-blocking up front.
func sysAccept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}

func newForPlatform(opts Options) (Adapter, error) {
	switch opts.ApiType {
	case ForceReadiness:
		return newReadiness()
	case ForceRing:
		return newRing()
	default:
		if opts.TryLoadingLiburing {
			if r, err := newRing(); err == nil {
				return r, nil
			}
		}
		return newReadiness()
	}
}
