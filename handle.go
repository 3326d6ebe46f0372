package reactor

import "github.com/silent-tech/goreactor/internal/backend"

// Handle is an opaque OS-native descriptor: a Unix file descriptor or
// a Windows HANDLE/SOCKET. The loop never interprets its value and
// never closes it except through a SocketClose or FileClose request.
type Handle = backend.Handle

// InvalidHandle is the sentinel for "no handle".
const InvalidHandle = backend.InvalidHandle

// AddrFamily selects the address family for CreateAsyncTCPSocket.
type AddrFamily uint8

const (
	AddrFamilyIPv4 AddrFamily = iota
	AddrFamilyIPv6
)
