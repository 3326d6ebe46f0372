package backend

// ApiType selects which backend variant New should construct on Linux.
// Ignored on non-Linux platforms, which have exactly one native
// backend (kqueue-based readiness on Darwin, IOCP on Windows).
type ApiType uint8

const (
	// AutomaticApi picks the submission ring when the kernel supports
	// it and falls back to the readiness multiplexer otherwise.
	AutomaticApi ApiType = iota
	// ForceReadiness always uses the epoll-based readiness multiplexer.
	ForceReadiness
	// ForceRing always uses the io_uring-based submission ring,
	// failing New if the kernel doesn't support it.
	ForceRing
)

// Options configures backend construction.
type Options struct {
	ApiType ApiType
	// TryLoadingLiburing mirrors the spec's optional liburing probe.
	// This module talks to io_uring via raw syscalls, so the only
	// effect of setting this false is that AutomaticApi skips the probe
	// entirely and behaves as ForceReadiness on Linux; ForceRing ignores it.
	TryLoadingLiburing bool
}

// New constructs the Adapter appropriate for the running OS and opts.
func New(opts Options) (Adapter, error) {
	return newForPlatform(opts)
}
