// Package backend abstracts the three OS-native completion/readiness
// mechanisms (readiness multiplexer, completion port, submission ring)
// behind one interface so the loop core never branches on platform.
package backend

import (
	"errors"
	"time"
)

// Handle is an opaque OS-native descriptor: a Unix file descriptor or a
// Windows HANDLE/SOCKET, depending on platform. The loop never
// interprets its value; it only passes it back to the Adapter.
type Handle uintptr

// InvalidHandle is the all-ones sentinel for "no handle"; the zero
// value of Handle is a valid descriptor.
const InvalidHandle Handle = ^Handle(0)

// Op tags the kind of one-shot operation a request wants performed.
// Readiness backends use this only to decide which syscall to retry
// once a Handle becomes ready; completion-style backends (IOCP, ring)
// use it to pick the submission shape up front.
type Op uint8

const (
	OpNone Op = iota
	OpAccept
	OpConnect
	OpSend
	OpReceive
	OpClose
	OpRead
	OpWrite
)

// Submission describes one armed operation.
type Submission struct {
	Handle Handle
	Op     Op
	// Buf is the caller-owned buffer for Send/Receive/Read/Write. Never
	// retained past the matching Event.
	Buf []byte
	// Offset is the file offset for Read/Write.
	Offset int64
	// Addr is the destination sockaddr for Connect, encoded by the caller.
	Addr any
	// Token is an opaque value the backend echoes back unchanged on the
	// matching Event, used by the loop to find the originating request
	// without a handle->request map for completion-style backends.
	Token any
}

// Event is one completion or readiness notification produced by Poll.
type Event struct {
	Token    any
	Handle   Handle
	Op       Op
	Readable bool
	Writable bool
	Closed   bool
	// N is the number of bytes transferred, meaningful for completion
	// backends (IOCP, ring) and for Send/Receive/Read/Write results that
	// the readiness backend fills in itself after performing the syscall.
	N int
	// Accepted is the connected client handle produced by a completed
	// OpAccept, owned by the caller from this point on.
	Accepted Handle
	Err      error
}

// Style distinguishes readiness backends (the caller must still perform
// the syscall once notified) from completion backends (the operation
// already ran; N/Err are final).
type Style uint8

const (
	StyleReadiness Style = iota
	StyleCompletion
)

// Adapter is implemented once per backend variant (readiness
// multiplexer, completion port, submission ring).
type Adapter interface {
	// Style reports whether Poll yields readiness or final completions.
	Style() Style

	// Associate registers an externally-created handle with the
	// backend's kernel object. A no-op on backends that need no
	// up-front registration.
	Associate(h Handle) error

	// Arm translates one submission into one or more OS-level
	// registrations/requests. On a readiness backend this subscribes
	// to interest; on a completion backend it issues the operation.
	// immediate, when true, means Poll need not be waited on: ev is
	// already the final result (e.g. a readiness backend performed the
	// syscall inline because the handle was already known-ready, or a
	// zero-length operation completed trivially).
	Arm(s Submission) (immediate bool, ev Event, err error)

	// Disarm cancels a previously armed submission for h. Best-effort:
	// completion-style backends may still deliver one suppressed event
	// for it later.
	Disarm(h Handle, op Op) error

	// Poll blocks until at least one event is ready, Wake is called, or
	// deadline passes (zero time.Time means block forever; a deadline in
	// the past means return immediately). It returns the events
	// collected in one pass.
	Poll(deadline time.Time) ([]Event, error)

	// Wake interrupts a concurrent Poll. The only Adapter method safe
	// to call from a thread other than the one calling Poll.
	Wake() error

	// Close releases all backend-owned OS resources. Idempotent-ish:
	// safe to call once after which the Adapter is unusable.
	Close() error
}

// ErrPlatformNotSupported is returned by backend constructors when the
// requested variant has no implementation for the running OS.
var ErrPlatformNotSupported = errors.New("backend: platform not supported")

// ErrUnavailable is returned by the ring backend's probe when the
// kernel lacks io_uring support, signalling the loop to fall back to
// the readiness backend.
var ErrUnavailable = errors.New("backend: io_uring unavailable")

// ErrUnsupportedOp is returned when a Submission names an Op the
// backend has no syscall mapping for.
var ErrUnsupportedOp = errors.New("backend: unsupported op")

// ErrHandleError reports that the OS delivered an error/hangup
// condition for a handle (EPOLLERR/EPOLLHUP, or a kqueue EV_EOF with
// nothing left to transfer) rather than a per-operation errno. The IOCP
// backend reports the OS error itself instead.
var ErrHandleError = errors.New("backend: handle error")
