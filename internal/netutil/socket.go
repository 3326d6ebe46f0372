//go:build linux || darwin

// Package netutil wraps the socket-option plumbing shared by the
// readiness backends, the loop's socket constructors and the tests.
package netutil

import (
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenTCP creates a non-blocking TCP listener bound to addr. The
// returned descriptor is owned by the caller.
func ListenTCP(addr netip.AddrPort, backlog int) (int, error) {
	family := unix.AF_INET
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	_ = SetReuseAddr(fd, true)
	_ = SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		v := &unix.SockaddrInet4{Port: int(addr.Port())}
		v.Addr = addr.Addr().Unmap().As4()
		sa = v
	} else {
		v := &unix.SockaddrInet6{Port: int(addr.Port())}
		v.Addr = addr.Addr().As16()
		sa = v
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetReusePort(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, v)
}

func SetReuseAddr(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
}

func SetNoDelay(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

func SetRecvBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}
func SetSendBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// GetFDFromConn extracts the OS descriptor from a net.Conn that
// exposes SyscallConn (net.TCPConn does).
func GetFDFromConn(c net.Conn) (int, error) {
	if sc, ok := c.(interface {
		SyscallConn() (syscall.RawConn, error)
	}); ok {
		var fd int
		e, err := sc.SyscallConn()
		if err != nil {
			return -1, err
		}
		e.Control(func(rawfd uintptr) {
			fd = int(rawfd)
		})
		return fd, err
	}
	return -1, syscall.EINVAL
}
