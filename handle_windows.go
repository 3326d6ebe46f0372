//go:build windows

package reactor

import "golang.org/x/sys/windows"

// CreateAsyncTCPSocket creates an overlapped TCP socket associated
// with the loop's completion port and stores it in out. The caller
// owns the handle.
func (l *Loop) CreateAsyncTCPSocket(family AddrFamily, out *Handle) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	var af int32 = windows.AF_INET
	if family == AddrFamilyIPv6 {
		af = windows.AF_INET6
	} else if family != AddrFamilyIPv4 {
		return ErrInvalidArgument
	}
	s, err := windows.WSASocket(af, windows.SOCK_STREAM, windows.IPPROTO_TCP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return backendErr("socket", err)
	}
	h := Handle(s)
	if err := l.adapter.Associate(h); err != nil {
		windows.Closesocket(s)
		return backendErr("associate", err)
	}
	*out = h
	return nil
}
