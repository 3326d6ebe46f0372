package reactor

import "net/netip"

// SocketAccept accepts connections on a listening socket. A
// reactivating callback keeps accepting on the same listener without a
// fresh Start.
type SocketAccept struct {
	req      request
	handle   Handle
	accepted Handle

	// Callback runs on the loop thread for each accepted connection.
	Callback func(*AcceptResult)
}

// AcceptResult is handed to a SocketAccept callback.
type AcceptResult struct {
	result
	Request *SocketAccept
}

// MoveAcceptedSocket transfers ownership of the connected client
// handle to the caller. Valid once per completion.
func (r *AcceptResult) MoveAcceptedSocket() (Handle, error) {
	if r.err != nil {
		return InvalidHandle, r.err
	}
	h := r.Request.accepted
	if h == InvalidHandle {
		return InvalidHandle, ErrInvalidState
	}
	r.Request.accepted = InvalidHandle
	return h, nil
}

// Start begins accepting on server, a bound and listening socket.
func (a *SocketAccept) Start(l *Loop, server Handle) error {
	a.handle = server
	a.accepted = InvalidHandle
	return l.start(&a.req, KindSocketAccept, a)
}

// Stop cancels the accept. The callback will not run.
func (a *SocketAccept) Stop() error { return a.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (a *SocketAccept) SetDebugName(name string) { a.req.name = name }

// State reports the request's lifecycle state.
func (a *SocketAccept) State() State { return a.req.state }

// SocketConnect completes when the connect handshake finishes.
type SocketConnect struct {
	req    request
	handle Handle
	addr   netip.AddrPort

	// Callback runs on the loop thread when the handshake resolves.
	Callback func(*ConnectResult)
}

// ConnectResult is handed to a SocketConnect callback.
type ConnectResult struct {
	result
	Request *SocketConnect
}

// Start begins connecting h to addr.
func (c *SocketConnect) Start(l *Loop, h Handle, addr netip.AddrPort) error {
	if !addr.IsValid() {
		return ErrInvalidArgument
	}
	c.handle = h
	c.addr = addr
	return l.start(&c.req, KindSocketConnect, c)
}

// Stop cancels the connect. The callback will not run.
func (c *SocketConnect) Stop() error { return c.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (c *SocketConnect) SetDebugName(name string) { c.req.name = name }

// State reports the request's lifecycle state.
func (c *SocketConnect) State() State { return c.req.state }

// SocketSend completes when every byte of the buffer view has been
// accepted by the kernel, or with an error. The buffer is borrowed from
// the caller for the duration of the operation.
type SocketSend struct {
	req    request
	handle Handle
	buf    []byte

	// Callback runs on the loop thread when the send resolves.
	Callback func(*SendResult)
}

// SendResult is handed to a SocketSend callback.
type SendResult struct {
	result
	Request *SocketSend
}

// Start begins sending buf on h. buf must be non-empty.
func (s *SocketSend) Start(l *Loop, h Handle, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidArgument
	}
	s.handle = h
	s.buf = buf
	return l.start(&s.req, KindSocketSend, s)
}

// Stop cancels the send. The callback will not run.
func (s *SocketSend) Stop() error { return s.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (s *SocketSend) SetDebugName(name string) { s.req.name = name }

// State reports the request's lifecycle state.
func (s *SocketSend) State() State { return s.req.state }

// SocketReceive completes with a sub-span of the caller's buffer. A
// zero-length span with a nil error means the peer closed.
type SocketReceive struct {
	req    request
	handle Handle
	buf    []byte
	n      int
	closed bool

	// Callback runs on the loop thread when data (or peer close)
	// arrives.
	Callback func(*ReceiveResult)
}

// ReceiveResult is handed to a SocketReceive callback.
type ReceiveResult struct {
	result
	Request *SocketReceive
}

// Data returns the received sub-span of the caller's buffer.
func (r *ReceiveResult) Data() []byte {
	if r.err != nil {
		return nil
	}
	return r.Request.buf[:r.Request.n]
}

// PeerClosed reports an orderly shutdown by the remote end.
func (r *ReceiveResult) PeerClosed() bool { return r.Request.closed }

// Start begins receiving into buf on h. buf must be non-empty.
func (s *SocketReceive) Start(l *Loop, h Handle, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidArgument
	}
	s.handle = h
	s.buf = buf
	s.n = 0
	s.closed = false
	return l.start(&s.req, KindSocketReceive, s)
}

// Stop cancels the receive. The callback will not run.
func (s *SocketReceive) Stop() error { return s.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (s *SocketReceive) SetDebugName(name string) { s.req.name = name }

// State reports the request's lifecycle state.
func (s *SocketReceive) State() State { return s.req.state }

// SocketClose closes a socket handle asynchronously.
type SocketClose struct {
	req    request
	handle Handle

	// Callback runs on the loop thread once the handle is closed.
	Callback func(*CloseResult)
}

// CloseResult is handed to SocketClose and FileClose callbacks.
type CloseResult struct {
	result
}

// Start begins closing h. Ownership of the handle passes to the loop.
func (c *SocketClose) Start(l *Loop, h Handle) error {
	c.handle = h
	return l.start(&c.req, KindSocketClose, c)
}

// Stop cancels the close request. The callback will not run.
func (c *SocketClose) Stop() error { return c.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (c *SocketClose) SetDebugName(name string) { c.req.name = name }

// State reports the request's lifecycle state.
func (c *SocketClose) State() State { return c.req.state }
