//go:build linux

package backend

import (
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ringAdapter is the io_uring-based completion backend. No io_uring
// binding exists as a module dependency, so the syscall numbers,
// io_uring_params layout and mmap offsets are hand-rolled the way real
// Go io_uring bindings do it; the ring indexing itself (mask,
// power-of-two slot count, head/tail arithmetic) follows the same shape
// as the circular queue in internal/ring, adapted to SQE/CQE slots.
//
// Single-threaded by contract: only the loop thread calls Arm, Disarm,
// Poll and Close. Wake is the one cross-thread entry and touches only
// the eventfd.
type ringAdapter struct {
	fd  int
	wfd int // eventfd, watched through a re-armed POLL_ADD

	sqRingMmap []byte
	sqesMmap   []byte
	cqRingMmap []byte

	sqOff ioSqOffsets
	cqOff ioCqOffsets

	sqMask  uint32
	sqArray []uint32
	sqes    []ioSqe

	cqMask uint32
	cqes   []ioCqe

	nextID  uint64
	pending map[uint64]*ringPending

	pollTs unix.Timespec // lives across one io_uring_enter wait
	wbuf   [8]byte
}

// ringPending keeps a submission and any kernel-visible memory (the
// raw connect sockaddr) alive until its CQE arrives.
type ringPending struct {
	sub       Submission
	raw       unsafe.Pointer
	done      int // bytes already sent, for partial OpSend resumption
	cancelled bool
}

const (
	sysIoUringSetup  = 425
	sysIoUringEnter  = 426
	ioringOffSQRing  = 0x0
	ioringOffCQRing  = 0x8000000
	ioringOffSQEs    = 0x10000000
	ioringEnterGetEv = 1 << 0

	ioringOpNop     = 0
	ioringOpPollAdd = 6
	ioringOpTimeout = 11
	ioringOpAccept  = 13
	ioringOpConnect = 16
	ioringOpClose   = 19
	ioringOpRead    = 22
	ioringOpWrite   = 23
	ioringOpSend    = 26
	ioringOpRecv    = 27

	ioringOpAsyncCancel = 14

	// Reserved user_data values for ring-internal submissions.
	wakeUserData    = ^uint64(0)
	timeoutUserData = ^uint64(1)
)

type ioSqOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

type ioCqOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, Cqes, Flags, Resv1 uint32
	Resv2                                                           uint64
}

type ioUringParams struct {
	SqEntries, CqEntries, Flags, SqThreadCpu, SqThreadIdle, Features, WqFd uint32
	Resv                                                                   [3]uint32
	SqOff                                                                  ioSqOffsets
	CqOff                                                                  ioCqOffsets
}

// ioSqe mirrors struct io_uring_sqe.
type ioSqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Pad2        [2]uint64
}

// ioCqe mirrors struct io_uring_cqe.
type ioCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func newRing() (Adapter, error) {
	var params ioUringParams
	fd, _, errno := unix.Syscall(sysIoUringSetup, 256, uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, ErrUnavailable
	}

	r := &ringAdapter{
		fd:      int(fd),
		pending: make(map[uint64]*ringPending),
	}

	fail := func() (Adapter, error) {
		r.unmapAll()
		unix.Close(r.fd)
		return nil, ErrUnavailable
	}

	sqRingSize := int(params.SqOff.Array + params.SqEntries*4)
	sqRing, err := unix.Mmap(r.fd, ioringOffSQRing, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fail()
	}
	r.sqRingMmap = sqRing

	sqesSize := int(params.SqEntries) * int(unsafe.Sizeof(ioSqe{}))
	sqes, err := unix.Mmap(r.fd, ioringOffSQEs, sqesSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fail()
	}
	r.sqesMmap = sqes
	r.sqes = unsafe.Slice((*ioSqe)(unsafe.Pointer(&sqes[0])), params.SqEntries)

	cqRingSize := int(params.CqOff.Cqes) + int(params.CqEntries)*int(unsafe.Sizeof(ioCqe{}))
	cqRing, err := unix.Mmap(r.fd, ioringOffCQRing, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fail()
	}
	r.cqRingMmap = cqRing

	r.sqOff = params.SqOff
	r.cqOff = params.CqOff
	r.sqMask = *(*uint32)(unsafe.Pointer(&sqRing[params.SqOff.RingMask]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&cqRing[params.CqOff.RingMask]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqRing[params.SqOff.Array])), params.SqEntries)
	r.cqes = unsafe.Slice((*ioCqe)(unsafe.Pointer(&cqRing[params.CqOff.Cqes])), params.CqEntries)

	wfd, werr := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if werr != nil {
		return fail()
	}
	r.wfd = wfd
	if err := r.armWakePoll(); err != nil {
		unix.Close(wfd)
		return fail()
	}
	return r, nil
}

func (a *ringAdapter) unmapAll() {
	if a.cqRingMmap != nil {
		unix.Munmap(a.cqRingMmap)
	}
	if a.sqesMmap != nil {
		unix.Munmap(a.sqesMmap)
	}
	if a.sqRingMmap != nil {
		unix.Munmap(a.sqRingMmap)
	}
}

// The head/tail words are read out of the mmap'd rings on every access:
// the kernel updates them concurrently with the submitting thread.
func (a *ringAdapter) sqHead() *uint32 { return (*uint32)(unsafe.Pointer(&a.sqRingMmap[a.sqOff.Head])) }
func (a *ringAdapter) sqTail() *uint32 { return (*uint32)(unsafe.Pointer(&a.sqRingMmap[a.sqOff.Tail])) }
func (a *ringAdapter) cqHead() *uint32 { return (*uint32)(unsafe.Pointer(&a.cqRingMmap[a.cqOff.Head])) }
func (a *ringAdapter) cqTail() *uint32 { return (*uint32)(unsafe.Pointer(&a.cqRingMmap[a.cqOff.Tail])) }

// push writes one SQE into the submission ring and submits it.
func (a *ringAdapter) push(sqe ioSqe) error {
	tail := atomic.LoadUint32(a.sqTail())
	head := atomic.LoadUint32(a.sqHead())
	if tail-head >= uint32(len(a.sqes)) {
		return ErrUnavailable
	}
	idx := tail & a.sqMask
	a.sqes[idx] = sqe
	a.sqArray[idx] = idx
	atomic.StoreUint32(a.sqTail(), tail+1)
	_, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(a.fd), 1, 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// armWakePoll keeps a one-shot POLL_ADD on the eventfd in flight so a
// cross-thread write lands as a CQE.
func (a *ringAdapter) armWakePoll() error {
	return a.push(ioSqe{
		Opcode:   ioringOpPollAdd,
		Fd:       int32(a.wfd),
		OpFlags:  uint32(unix.POLLIN),
		UserData: wakeUserData,
	})
}

func (a *ringAdapter) Style() Style { return StyleCompletion }

func (a *ringAdapter) Associate(h Handle) error { return nil }

func (a *ringAdapter) Arm(s Submission) (bool, Event, error) {
	id := a.nextID
	a.nextID++
	p := &ringPending{sub: s}

	sqe := ioSqe{Fd: int32(s.Handle), UserData: id}
	switch s.Op {
	case OpAccept:
		sqe.Opcode = ioringOpAccept
		sqe.OpFlags = unix.SOCK_CLOEXEC
	case OpConnect:
		sa, err := sockaddrOf(s.Addr)
		if err != nil {
			return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, err
		}
		ptr, n, err := sockaddrToRaw(sa)
		if err != nil {
			return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, err
		}
		p.raw = ptr
		sqe.Opcode = ioringOpConnect
		sqe.Addr = uint64(uintptr(ptr))
		sqe.Off = uint64(n)
	case OpSend:
		sqe.Opcode = ioringOpSend
		if len(s.Buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&s.Buf[0])))
		}
		sqe.Len = uint32(len(s.Buf))
	case OpReceive:
		sqe.Opcode = ioringOpRecv
		if len(s.Buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&s.Buf[0])))
		}
		sqe.Len = uint32(len(s.Buf))
	case OpRead:
		sqe.Opcode = ioringOpRead
		if len(s.Buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&s.Buf[0])))
		}
		sqe.Len = uint32(len(s.Buf))
		sqe.Off = uint64(s.Offset)
	case OpWrite:
		sqe.Opcode = ioringOpWrite
		if len(s.Buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&s.Buf[0])))
		}
		sqe.Len = uint32(len(s.Buf))
		sqe.Off = uint64(s.Offset)
	case OpClose:
		sqe.Opcode = ioringOpClose
	default:
		return true, Event{}, ErrUnsupportedOp
	}

	if err := a.push(sqe); err != nil {
		return true, Event{Token: s.Token, Handle: s.Handle, Op: s.Op}, err
	}
	a.pending[id] = p
	return false, Event{}, nil
}

// Disarm issues an ASYNC_CANCEL for the matching pending submission.
// Best-effort: the original CQE may still arrive and is suppressed by
// the cancelled mark.
func (a *ringAdapter) Disarm(h Handle, op Op) error {
	for id, p := range a.pending {
		if p.sub.Handle != h || p.sub.Op != op || p.cancelled {
			continue
		}
		p.cancelled = true
		return a.push(ioSqe{
			Opcode:   ioringOpAsyncCancel,
			Fd:       -1,
			Addr:     id,
			UserData: timeoutUserData, // result of the cancel itself is uninteresting
		})
	}
	return nil
}

func (a *ringAdapter) Poll(deadline time.Time) ([]Event, error) {
	waitNr := uintptr(1)
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			waitNr = 0
		} else {
			a.pollTs = unix.NsecToTimespec(d.Nanoseconds())
			if err := a.push(ioSqe{
				Opcode:   ioringOpTimeout,
				Fd:       -1,
				Addr:     uint64(uintptr(unsafe.Pointer(&a.pollTs))),
				Len:      1,
				UserData: timeoutUserData,
			}); err != nil {
				return nil, err
			}
		}
	}
	_, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(a.fd), 0, waitNr, ioringEnterGetEv, 0, 0)
	if errno != 0 && errno != syscall.EINTR {
		return nil, errno
	}

	var out []Event
	rearmWake := false
	head := atomic.LoadUint32(a.cqHead())
	tail := atomic.LoadUint32(a.cqTail())
	for head != tail {
		cqe := a.cqes[head&a.cqMask]
		head++

		switch cqe.UserData {
		case wakeUserData:
			for {
				if _, rerr := unix.Read(a.wfd, a.wbuf[:]); rerr != nil {
					break
				}
			}
			rearmWake = true
			continue
		case timeoutUserData:
			continue
		}

		p, ok := a.pending[cqe.UserData]
		if !ok {
			continue
		}
		sub := p.sub
		var resendErr error
		if sub.Op == OpSend && !p.cancelled && cqe.Res >= 0 && p.done+int(cqe.Res) < len(sub.Buf) {
			// Short write: resubmit the tail under the same id so the
			// completion only fires once the whole buffer is accepted.
			p.done += int(cqe.Res)
			rest := sub.Buf[p.done:]
			resendErr = a.push(ioSqe{
				Opcode:   ioringOpSend,
				Fd:       int32(sub.Handle),
				Addr:     uint64(uintptr(unsafe.Pointer(&rest[0]))),
				Len:      uint32(len(rest)),
				UserData: cqe.UserData,
			})
			if resendErr == nil {
				continue
			}
		}
		delete(a.pending, cqe.UserData)
		if p.cancelled && sub.Op == OpAccept && cqe.Res >= 0 {
			// Won the race against the cancel; the loop suppresses the
			// callback, so the accepted descriptor has no owner.
			unix.Close(int(cqe.Res))
			cqe.Res = -int32(unix.ECANCELED)
		}
		ev := Event{Token: sub.Token, Handle: sub.Handle, Op: sub.Op}
		if cqe.Res < 0 {
			ev.Err = syscall.Errno(-cqe.Res)
		} else {
			switch sub.Op {
			case OpAccept:
				ev.Accepted = Handle(cqe.Res)
			case OpReceive:
				ev.N = int(cqe.Res)
				ev.Closed = cqe.Res == 0
			case OpClose:
				ev.Closed = true
			case OpSend:
				ev.N = p.done + int(cqe.Res)
			default:
				ev.N = int(cqe.Res)
			}
		}
		if ev.Err == nil && resendErr != nil {
			// The tail could not be resubmitted: the send is incomplete.
			ev.Err = resendErr
		}
		out = append(out, ev)
	}
	atomic.StoreUint32(a.cqHead(), head)
	if rearmWake {
		if err := a.armWakePoll(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (a *ringAdapter) Wake() error {
	one := [8]byte{1}
	_, err := unix.Write(a.wfd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (a *ringAdapter) Close() error {
	unix.Close(a.wfd)
	a.unmapAll()
	return unix.Close(a.fd)
}

// sockaddrToRaw encodes a unix.Sockaddr into heap memory the kernel can
// read after Arm returns; the pointer is parked in ringPending until
// the CQE lands.
func sockaddrToRaw(sa unix.Sockaddr) (unsafe.Pointer, int, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		raw := new(unix.RawSockaddrInet4)
		raw.Family = unix.AF_INET
		raw.Port = uint16(s.Port>>8) | uint16(byte(s.Port))<<8
		raw.Addr = s.Addr
		return unsafe.Pointer(raw), int(unsafe.Sizeof(*raw)), nil
	case *unix.SockaddrInet6:
		raw := new(unix.RawSockaddrInet6)
		raw.Family = unix.AF_INET6
		raw.Port = uint16(s.Port>>8) | uint16(byte(s.Port))<<8
		raw.Addr = s.Addr
		return unsafe.Pointer(raw), int(unsafe.Sizeof(*raw)), nil
	default:
		return nil, 0, ErrUnsupportedOp
	}
}
