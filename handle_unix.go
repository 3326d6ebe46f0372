//go:build linux || darwin

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/silent-tech/goreactor/internal/netutil"
)

// CreateAsyncTCPSocket creates a non-blocking TCP socket ready for use
// with this loop and stores it in out. The caller owns the handle.
func (l *Loop) CreateAsyncTCPSocket(family AddrFamily, out *Handle) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	af := unix.AF_INET
	if family == AddrFamilyIPv6 {
		af = unix.AF_INET6
	} else if family != AddrFamilyIPv4 {
		return ErrInvalidArgument
	}
	fd, err := unix.Socket(af, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return backendErr("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := netutil.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return backendErr("socket", err)
	}
	h := Handle(fd)
	if err := l.adapter.Associate(h); err != nil {
		unix.Close(fd)
		return backendErr("associate", err)
	}
	*out = h
	return nil
}
