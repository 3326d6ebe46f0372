package reactor

import "github.com/silent-tech/goreactor/internal/backend"

// ApiType selects the Linux backend. Ignored on other platforms.
type ApiType = backend.ApiType

const (
	// AutomaticApi probes for io_uring and falls back to epoll.
	AutomaticApi = backend.AutomaticApi
	// ForceReadiness always uses the epoll readiness multiplexer.
	ForceReadiness = backend.ForceReadiness
	// ForceRing requires io_uring, failing Create when absent.
	ForceRing = backend.ForceRing
)

// Options configures a Loop at Create time.
type Options struct {
	ApiType ApiType

	// TryLoadingLiburing gates the io_uring probe under AutomaticApi.
	// When false, AutomaticApi behaves as ForceReadiness on Linux.
	TryLoadingLiburing bool

	// WorkerThreads is the size of the pool backing Work, ProcessExit
	// and blocking file I/O. The pool is created lazily on first use.
	WorkerThreads int

	// WorkerQueueDepth bounds the pool's submission queue.
	WorkerQueueDepth int
}

// DefaultOptions returns the settings Create applies on a zero Options.
func DefaultOptions() Options {
	return Options{
		ApiType:            AutomaticApi,
		TryLoadingLiburing: true,
		WorkerThreads:      4,
		WorkerQueueDepth:   64,
	}
}

func (o *Options) withDefaults() Options {
	if *o == (Options{}) {
		return DefaultOptions()
	}
	out := *o
	if out.WorkerThreads <= 0 {
		out.WorkerThreads = 4
	}
	if out.WorkerQueueDepth <= 0 {
		out.WorkerQueueDepth = 64
	}
	return out
}
