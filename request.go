// Package reactor implements a single-threaded asynchronous I/O event
// loop: timers, cross-thread wake-ups, process-exit notification, TCP
// socket operations and file I/O multiplexed over one of three
// OS-native backends, with blocking work offloaded to a bounded worker
// pool.
//
// Requests are caller-owned. The loop never copies or allocates them;
// their intrusive links place each non-free request in exactly one loop
// queue at a time, and their memory must outlive the interval between
// Start and the completion callback (or Stop, or Loop.Close).
package reactor

import (
	"github.com/silent-tech/goreactor/internal/backend"
	"github.com/silent-tech/goreactor/internal/queue"
)

// State is the lifecycle position of a request.
type State uint8

const (
	// StateFree means the request is not owned by any loop and holds no
	// OS resources. Only a Free request may be started.
	StateFree State = iota
	// StateSubmitting means Start ran but the loop has not yet staged
	// the request to its backend.
	StateSubmitting
	// StateActive means the request is armed and awaiting completion.
	StateActive
	// StateCancelling means Stop ran on an active request whose backend
	// cancellation completes asynchronously.
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateSubmitting:
		return "submitting"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	}
	return "unknown"
}

// Kind tags a request's operation. Fixed for the lifetime of the
// request object.
type Kind uint8

const (
	KindLoopTimeout Kind = iota
	KindLoopWakeUp
	KindLoopWork
	KindProcessExit
	KindSocketAccept
	KindSocketConnect
	KindSocketSend
	KindSocketReceive
	KindSocketClose
	KindFileRead
	KindFileWrite
	KindFileClose
)

func (k Kind) String() string {
	switch k {
	case KindLoopTimeout:
		return "loopTimeout"
	case KindLoopWakeUp:
		return "loopWakeUp"
	case KindLoopWork:
		return "loopWork"
	case KindProcessExit:
		return "processExit"
	case KindSocketAccept:
		return "socketAccept"
	case KindSocketConnect:
		return "socketConnect"
	case KindSocketSend:
		return "socketSend"
	case KindSocketReceive:
		return "socketReceive"
	case KindSocketClose:
		return "socketClose"
	case KindFileRead:
		return "fileRead"
	case KindFileWrite:
		return "fileWrite"
	case KindFileClose:
		return "fileClose"
	}
	return "unknown"
}

// request is the embedded core every typed request carries: state,
// kind, the owning loop, the intrusive link and the completion scratch
// the loop parks between poll and dispatch.
type request struct {
	node  queue.Node
	state State
	kind  Kind
	loop  *Loop
	name  string
	owner any

	// ev is valid while the request sits on the loop's completed list.
	ev backend.Event
}

func reqOf(n *queue.Node) *request { return n.Owner.(*request) }

func (r *request) setFree() {
	r.state = StateFree
	r.loop = nil
}

func (r *request) requestStop() error {
	if r.loop == nil {
		return ErrInvalidState
	}
	return r.loop.stop(r)
}

func (r *request) requestStopWork() error {
	if r.loop == nil {
		return ErrInvalidState
	}
	return r.loop.stopWork(r)
}

// result is the part of every completion result the callback uses to
// keep the request armed. The reactivation flag is read by the loop
// after the callback returns, so callbacks never re-enter Start.
type result struct {
	err        error
	reactivate bool
}

// Err returns the operation's error, nil on success.
func (r *result) Err() error { return r.err }

// ReactivateRequest asks the loop to re-arm the request instead of
// releasing it when the callback returns.
func (r *result) ReactivateRequest(v bool) { r.reactivate = v }

func (r *result) shouldReactivate() bool { return r.reactivate }
