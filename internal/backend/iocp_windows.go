//go:build windows

package backend

import (
	"net/netip"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// iocpAdapter is the completion-port backend. Every handle is
// associated with one port; each armed operation carries an OVERLAPPED
// embedded in an iocpOp, and the dequeued OVERLAPPED pointer leads back
// to the op. Wake is a PostQueuedCompletionStatus with a reserved key.
type iocpAdapter struct {
	port    windows.Handle
	pending map[*iocpOp]struct{}
}

// iocpOp must keep ov as its first field: completion packets return the
// *Overlapped and the containing op is recovered by pointer identity.
type iocpOp struct {
	ov         windows.Overlapped
	sub        Submission
	done       int            // bytes already sent, partial WSASend resumption
	acceptSock windows.Handle // AcceptEx pre-created client socket
	acceptBuf  [2 * (addrBufLen + 16)]byte
	wsaBuf     windows.WSABuf
	cancelled  bool
}

const (
	addrBufLen = int(unsafe.Sizeof(windows.RawSockaddrAny{}))
	wakeKey    = uintptr(1)
)

func newIOCP() (Adapter, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpAdapter{
		port:    port,
		pending: make(map[*iocpOp]struct{}),
	}, nil
}

func (a *iocpAdapter) Style() Style { return StyleCompletion }

func (a *iocpAdapter) Associate(h Handle) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(h), a.port, 0, 0)
	if err == windows.ERROR_INVALID_PARAMETER {
		// Already associated.
		return nil
	}
	return err
}

func sockaddrOfWindows(addr any) (windows.Sockaddr, error) {
	switch s := addr.(type) {
	case windows.Sockaddr:
		return s, nil
	case netip.AddrPort:
		if s.Addr().Is4() || s.Addr().Is4In6() {
			sa := &windows.SockaddrInet4{Port: int(s.Port())}
			sa.Addr = s.Addr().Unmap().As4()
			return sa, nil
		}
		sa := &windows.SockaddrInet6{Port: int(s.Port())}
		sa.Addr = s.Addr().As16()
		return sa, nil
	default:
		return nil, ErrUnsupportedOp
	}
}

func (a *iocpAdapter) Arm(s Submission) (bool, Event, error) {
	if s.Op == OpClose {
		err := windows.Closesocket(windows.Handle(s.Handle))
		if err != nil {
			err = windows.CloseHandle(windows.Handle(s.Handle))
		}
		return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op, Closed: true}, err
	}

	op := &iocpOp{sub: s}
	var err error

	switch s.Op {
	case OpAccept:
		var family int32 = windows.AF_INET
		if sa, serr := windows.Getsockname(windows.Handle(s.Handle)); serr == nil {
			if _, ok := sa.(*windows.SockaddrInet6); ok {
				family = windows.AF_INET6
			}
		}
		op.acceptSock, err = windows.WSASocket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP,
			nil, 0, windows.WSA_FLAG_OVERLAPPED)
		if err != nil {
			break
		}
		var recvd uint32
		err = windows.AcceptEx(windows.Handle(s.Handle), op.acceptSock,
			&op.acceptBuf[0], 0, uint32(addrBufLen+16), uint32(addrBufLen+16), &recvd, &op.ov)

	case OpConnect:
		sa, serr := sockaddrOfWindows(s.Addr)
		if serr != nil {
			return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, serr
		}
		// ConnectEx requires a bound socket.
		switch sa.(type) {
		case *windows.SockaddrInet4:
			_ = windows.Bind(windows.Handle(s.Handle), &windows.SockaddrInet4{})
		case *windows.SockaddrInet6:
			_ = windows.Bind(windows.Handle(s.Handle), &windows.SockaddrInet6{})
		}
		err = windows.ConnectEx(windows.Handle(s.Handle), sa, nil, 0, nil, &op.ov)

	case OpSend:
		op.wsaBuf = windows.WSABuf{Len: uint32(len(s.Buf))}
		if len(s.Buf) > 0 {
			op.wsaBuf.Buf = &s.Buf[0]
		}
		err = windows.WSASend(windows.Handle(s.Handle), &op.wsaBuf, 1, nil, 0, &op.ov, nil)

	case OpReceive:
		op.wsaBuf = windows.WSABuf{Len: uint32(len(s.Buf))}
		if len(s.Buf) > 0 {
			op.wsaBuf.Buf = &s.Buf[0]
		}
		var flags uint32
		err = windows.WSARecv(windows.Handle(s.Handle), &op.wsaBuf, 1, nil, &flags, &op.ov, nil)

	case OpRead:
		op.ov.Offset = uint32(s.Offset)
		op.ov.OffsetHigh = uint32(s.Offset >> 32)
		err = windows.ReadFile(windows.Handle(s.Handle), s.Buf, nil, &op.ov)

	case OpWrite:
		op.ov.Offset = uint32(s.Offset)
		op.ov.OffsetHigh = uint32(s.Offset >> 32)
		err = windows.WriteFile(windows.Handle(s.Handle), s.Buf, nil, &op.ov)

	default:
		return true, Event{}, ErrUnsupportedOp
	}

	if err != nil && err != windows.ERROR_IO_PENDING {
		if op.acceptSock != 0 {
			_ = windows.Closesocket(op.acceptSock)
		}
		return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, err
	}
	a.pending[op] = struct{}{}
	return false, Event{}, nil
}

func (a *iocpAdapter) Disarm(h Handle, op Op) error {
	for p := range a.pending {
		if p.sub.Handle != h || p.sub.Op != op || p.cancelled {
			continue
		}
		p.cancelled = true
		return windows.CancelIoEx(windows.Handle(h), &p.ov)
	}
	return nil
}

func (a *iocpAdapter) Poll(deadline time.Time) ([]Event, error) {
	var timeout *uint32
	if !deadline.IsZero() {
		var ms uint32
		if d := time.Until(deadline); d > 0 {
			ms = uint32(d.Milliseconds())
			if ms == 0 {
				ms = 1
			}
		}
		timeout = &ms
	}

	var out []Event
	var zero uint32
	for {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(a.port, &qty, &key, &ov, timeout)
		timeout = &zero // only the first dequeue blocks

		if ov == nil {
			if errno, ok := err.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
				return out, nil
			}
			return out, err
		}
		if key == wakeKey {
			continue
		}
		op := (*iocpOp)(unsafe.Pointer(ov))
		if _, ok := a.pending[op]; !ok {
			continue
		}
		sub := op.sub

		if sub.Op == OpSend && !op.cancelled && err == nil && op.done+int(qty) < len(sub.Buf) {
			op.done += int(qty)
			rest := sub.Buf[op.done:]
			op.ov = windows.Overlapped{}
			op.wsaBuf = windows.WSABuf{Len: uint32(len(rest)), Buf: &rest[0]}
			werr := windows.WSASend(windows.Handle(sub.Handle), &op.wsaBuf, 1, nil, 0, &op.ov, nil)
			if werr == nil || werr == windows.ERROR_IO_PENDING {
				continue
			}
			err = werr
		}

		delete(a.pending, op)
		if op.cancelled && err == nil {
			// Completed before the cancel landed; the loop suppresses
			// the callback, so release anything the event would have
			// transferred.
			if op.acceptSock != 0 {
				_ = windows.Closesocket(op.acceptSock)
				op.acceptSock = 0
			}
			err = windows.ERROR_OPERATION_ABORTED
		}
		ev := Event{Token: sub.Token, Handle: sub.Handle, Op: sub.Op}
		if err != nil {
			ev.Err = err
			if op.acceptSock != 0 {
				_ = windows.Closesocket(op.acceptSock)
			}
		} else {
			switch sub.Op {
			case OpAccept:
				// Inherit listener properties so shutdown/getsockname
				// behave on the accepted socket.
				ls := windows.Handle(sub.Handle)
				_ = windows.Setsockopt(op.acceptSock, windows.SOL_SOCKET,
					windows.SO_UPDATE_ACCEPT_CONTEXT,
					(*byte)(unsafe.Pointer(&ls)), int32(unsafe.Sizeof(ls)))
				ev.Accepted = Handle(op.acceptSock)
			case OpReceive:
				ev.N = int(qty)
				ev.Closed = qty == 0
			case OpSend:
				ev.N = op.done + int(qty)
			default:
				ev.N = int(qty)
			}
		}
		out = append(out, ev)
	}
}

func (a *iocpAdapter) Wake() error {
	return windows.PostQueuedCompletionStatus(a.port, 0, wakeKey, nil)
}

func (a *iocpAdapter) Close() error {
	return windows.CloseHandle(a.port)
}

func newForPlatform(opts Options) (Adapter, error) {
	// The ApiType knob is Linux-only; Windows has exactly one backend.
	return newIOCP()
}
