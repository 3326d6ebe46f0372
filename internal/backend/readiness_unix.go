//go:build linux || darwin

package backend

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// pendingOps tracks at most one read-side and one write-side operation
// per handle, the invariant the loop core maintains (one receive and
// one send may be in flight on the same socket, never two of either).
type pendingOps struct {
	read, write *pendingEntry
}

type pendingEntry struct {
	sub  Submission
	done int // bytes already transferred, for partial Send resumption
}

func wantsWrite(op Op) bool {
	switch op {
	case OpConnect, OpSend, OpWrite:
		return true
	default:
		return false
	}
}

// attempt performs the non-blocking syscall for s right now, continuing
// from prevDone bytes already transferred. It reports whether the
// operation reached a terminal state (success or hard error), and the
// cumulative byte count so far so the caller can resume a still-partial
// Send on the next readiness notification.
func attempt(s Submission, prevDone int) (final bool, done int, ev Event, err error) {
	switch s.Op {
	case OpAccept:
		fd, aerr := sysAccept(int(s.Handle))
		if aerr != nil {
			if isAgain(aerr) {
				return false, prevDone, Event{}, nil
			}
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, aerr
		}
		return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, Accepted: Handle(fd)}, nil

	case OpConnect:
		sa, serr := sockaddrOf(s.Addr)
		if serr != nil {
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, serr
		}
		cerr := unix.Connect(int(s.Handle), sa)
		if cerr == nil || cerr == unix.EISCONN {
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, nil
		}
		if cerr == unix.EINPROGRESS || cerr == unix.EALREADY {
			return false, prevDone, Event{}, nil
		}
		return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, cerr

	case OpSend:
		buf := s.Buf[prevDone:]
		if len(buf) == 0 {
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, N: prevDone}, nil
		}
		n, werr := unix.Write(int(s.Handle), buf)
		if werr != nil {
			if isAgain(werr) {
				return false, prevDone, Event{}, nil
			}
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, N: prevDone}, werr
		}
		total := prevDone + n
		if total >= len(s.Buf) {
			return true, total, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, N: total}, nil
		}
		return false, total, Event{}, nil

	case OpReceive:
		n, rerr := unix.Read(int(s.Handle), s.Buf)
		if rerr != nil {
			if isAgain(rerr) {
				return false, prevDone, Event{}, nil
			}
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, rerr
		}
		return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, N: n, Closed: n == 0}, nil

	case OpRead:
		n, rerr := unix.Pread(int(s.Handle), s.Buf, s.Offset)
		if rerr != nil {
			if isAgain(rerr) {
				return false, prevDone, Event{}, nil
			}
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, rerr
		}
		return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, N: n}, nil

	case OpWrite:
		n, werr := unix.Pwrite(int(s.Handle), s.Buf, s.Offset)
		if werr != nil {
			if isAgain(werr) {
				return false, prevDone, Event{}, nil
			}
			return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, werr
		}
		return true, prevDone, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, N: n}, nil
	}
	return true, prevDone, Event{}, ErrUnsupportedOp
}

// retry re-runs a pending entry after a readiness notification.
func retry(entry *pendingEntry) (done int, final bool, ev Event) {
	ok, newDone, e, err := attempt(entry.sub, entry.done)
	if err != nil {
		return newDone, true, Event{Token: entry.sub.Token, Handle: entry.sub.Handle, Op: entry.sub.Op, Err: err}
	}
	if ok {
		return newDone, true, e
	}
	return newDone, false, Event{}
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// sockaddrOf converts a Submission.Addr into a unix.Sockaddr. The loop
// hands addresses over as netip.AddrPort; raw unix.Sockaddr is accepted
// too for callers that already speak the OS representation.
func sockaddrOf(addr any) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case unix.Sockaddr:
		return a, nil
	case netip.AddrPort:
		if a.Addr().Is4() || a.Addr().Is4In6() {
			sa := &unix.SockaddrInet4{Port: int(a.Port())}
			sa.Addr = a.Addr().Unmap().As4()
			return sa, nil
		}
		sa := &unix.SockaddrInet6{Port: int(a.Port())}
		sa.Addr = a.Addr().As16()
		return sa, nil
	default:
		return nil, ErrUnsupportedOp
	}
}
