//go:build linux || darwin

package reactor

import (
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/silent-tech/goreactor/internal/netutil"
)

// listenLoopback binds a listener on an ephemeral loopback port and
// returns its handle plus the resolved address.
func listenLoopback(t *testing.T, backlog int) (Handle, netip.AddrPort) {
	t.Helper()
	fd, err := netutil.ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"), backlog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	inet4 := sa.(*unix.SockaddrInet4)
	addr := netip.AddrPortFrom(netip.AddrFrom4(inet4.Addr), uint16(inet4.Port))
	return Handle(fd), addr
}

func dialLoopback(t *testing.T, addr netip.AddrPort) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAcceptWithReactivation(t *testing.T) {
	l := newTestLoop(t)
	server, addr := listenLoopback(t, 2)

	var accepted []Handle
	var acc SocketAccept
	acc.Callback = func(res *AcceptResult) {
		h, err := res.MoveAcceptedSocket()
		require.NoError(t, err)
		accepted = append(accepted, h)
		res.ReactivateRequest(len(accepted) < 2)
	}
	require.NoError(t, acc.Start(l, server))

	c1 := dialLoopback(t, addr)
	c2 := dialLoopback(t, addr)
	_ = c1
	_ = c2

	require.NoError(t, l.RunOnce())
	require.NoError(t, l.RunOnce())

	require.Len(t, accepted, 2)
	assert.NotEqual(t, accepted[0], accepted[1])
	for _, h := range accepted {
		assert.NotEqual(t, InvalidHandle, h)
		_ = unix.Close(int(h))
	}
	assert.Equal(t, StateFree, acc.State())
}

func TestConnectSendReceiveRoundTrip(t *testing.T) {
	l := newTestLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := netip.MustParseAddrPort(ln.Addr().String())

	serverGot := make(chan []byte, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		serverGot <- buf[:n]
		_, _ = conn.Write([]byte("pong"))
	}()

	var sock Handle
	require.NoError(t, l.CreateAsyncTCPSocket(AddrFamilyIPv4, &sock))
	defer unix.Close(int(sock))

	recvBuf := make([]byte, 64)
	var conn SocketConnect
	var send SocketSend
	var recv SocketReceive
	var got []byte

	recv.Callback = func(res *ReceiveResult) {
		require.NoError(t, res.Err())
		got = append(got, res.Data()...)
	}
	send.Callback = func(res *SendResult) {
		require.NoError(t, res.Err())
		require.NoError(t, recv.Start(l, sock, recvBuf))
	}
	conn.Callback = func(res *ConnectResult) {
		require.NoError(t, res.Err())
		require.NoError(t, send.Start(l, sock, []byte("ping")))
	}

	require.NoError(t, conn.Start(l, sock, addr))
	require.NoError(t, l.Run())

	assert.Equal(t, []byte("ping"), <-serverGot)
	assert.Equal(t, []byte("pong"), got)
	assert.Equal(t, StateFree, conn.State())
	assert.Equal(t, StateFree, send.State())
	assert.Equal(t, StateFree, recv.State())
}

func TestReceiveReportsPeerClose(t *testing.T) {
	l := newTestLoop(t)
	server, addr := listenLoopback(t, 1)

	var client Handle
	var acc SocketAccept
	acc.Callback = func(res *AcceptResult) {
		h, err := res.MoveAcceptedSocket()
		require.NoError(t, err)
		client = h
	}
	require.NoError(t, acc.Start(l, server))

	c := dialLoopback(t, addr)
	require.NoError(t, l.RunOnce())
	require.NotEqual(t, InvalidHandle, client)
	defer unix.Close(int(client))

	peerClosed := false
	var recv SocketReceive
	recv.Callback = func(res *ReceiveResult) {
		require.NoError(t, res.Err())
		peerClosed = res.PeerClosed()
		assert.Empty(t, res.Data())
	}
	require.NoError(t, c.Close())
	require.NoError(t, recv.Start(l, client, make([]byte, 16)))
	require.NoError(t, l.Run())
	assert.True(t, peerClosed)
}

func TestSendReceiveErrorPropagation(t *testing.T) {
	l := newTestLoop(t)
	server, addr := listenLoopback(t, 1)

	// Build a connected pair with raw descriptors.
	clientFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	require.NoError(t, err)
	sa := &unix.SockaddrInet4{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As4()
	require.NoError(t, unix.Connect(clientFd, sa))
	peerFd, err := sysAcceptForTest(int(server))
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(peerFd) })

	// Close the send side out from under the loop.
	require.NoError(t, unix.Close(clientFd))

	var sendErr, recvErr error
	recvDone := false
	var send SocketSend
	var recv SocketReceive
	send.Callback = func(res *SendResult) { sendErr = res.Err() }
	recv.Callback = func(res *ReceiveResult) {
		recvDone = true
		recvErr = res.Err()
		if recvErr == nil {
			assert.True(t, res.PeerClosed())
		}
	}

	require.NoError(t, send.Start(l, Handle(clientFd), []byte("boom")))
	require.NoError(t, recv.Start(l, Handle(peerFd), make([]byte, 16)))

	// A second start on the in-flight receive is a state error.
	assert.ErrorIs(t, recv.Start(l, Handle(peerFd), make([]byte, 16)), ErrInvalidState)

	require.NoError(t, l.Run())
	assert.Error(t, sendErr)
	assert.True(t, recvDone)
	// The receive observed either an error or an orderly peer close.
}

func TestSocketCloseRequest(t *testing.T) {
	l := newTestLoop(t)

	var sock Handle
	require.NoError(t, l.CreateAsyncTCPSocket(AddrFamilyIPv4, &sock))

	closed := false
	var cl SocketClose
	cl.Callback = func(res *CloseResult) {
		closed = true
		assert.NoError(t, res.Err())
	}
	require.NoError(t, cl.Start(l, sock))
	require.NoError(t, l.Run())
	assert.True(t, closed)

	// The descriptor is gone.
	err := unix.SetNonblock(int(sock), true)
	assert.Error(t, err)
}

func TestCloseDuringSubmitWithAccepts(t *testing.T) {
	var l Loop
	require.NoError(t, l.Create(Options{ApiType: ForceReadiness}))
	server, _ := listenLoopback(t, 2)

	var timers [4]Timeout
	var wakeUps [2]WakeUp
	var accepts [2]SocketAccept
	for i := range timers {
		require.NoError(t, timers[i].Start(&l, time.Millisecond))
	}
	for i := range wakeUps {
		require.NoError(t, wakeUps[i].Start(&l))
	}
	for i := range accepts {
		require.NoError(t, accepts[i].Start(&l, server))
	}

	require.NoError(t, l.Close())

	require.NoError(t, l.Create(Options{ApiType: ForceReadiness}))
	for i := range timers {
		require.NoError(t, timers[i].Start(&l, time.Millisecond), fmt.Sprintf("timer %d", i))
	}
	for i := range wakeUps {
		require.NoError(t, wakeUps[i].Start(&l))
	}
	for i := range accepts {
		require.NoError(t, accepts[i].Start(&l, server))
	}
	require.NoError(t, l.Close())
}

func TestStopArmedAccept(t *testing.T) {
	l := newTestLoop(t)
	server, addr := listenLoopback(t, 1)

	fired := false
	var acc SocketAccept
	acc.Callback = func(*AcceptResult) { fired = true }
	require.NoError(t, acc.Start(l, server))

	// Stage and arm without a pending connection.
	require.NoError(t, l.RunNoWait())
	require.Equal(t, StateActive, acc.State())

	require.NoError(t, acc.Stop())
	assert.Equal(t, StateFree, acc.State())

	// A connection arriving afterwards must not invoke the callback.
	_ = dialLoopback(t, addr)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.RunNoWait())
	assert.False(t, fired)
}

func TestAssociateExternallyCreatedTCPSocket(t *testing.T) {
	l := newTestLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			defer conn.Close()
			_, _ = conn.Write([]byte("hi"))
		}
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	fd, err := netutil.GetFDFromConn(c)
	require.NoError(t, err)

	h := Handle(fd)
	require.NoError(t, l.AssociateExternallyCreatedTCPSocket(&h))

	var got []byte
	var recv SocketReceive
	recv.Callback = func(res *ReceiveResult) {
		require.NoError(t, res.Err())
		got = res.Data()
	}
	require.NoError(t, recv.Start(l, h, make([]byte, 8)))
	require.NoError(t, l.Run())
	assert.Equal(t, []byte("hi"), got)
}

// sysAcceptForTest retries a non-blocking accept until the in-flight
// handshake lands.
func sysAcceptForTest(fd int) (int, error) {
	for i := 0; i < 100; i++ {
		nfd, _, err := unix.Accept(fd)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(time.Millisecond)
			continue
		}
		return nfd, err
	}
	return -1, unix.ETIMEDOUT
}
