//go:build linux || darwin

package reactor

import "golang.org/x/sys/unix"

// waitForProcess blocks in wait4 until the child exits, returning its
// exit status. Runs on a worker-pool thread.
func waitForProcess(pid int) (int, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if wpid != pid {
			continue
		}
		if ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		if ws.Exited() {
			return ws.ExitStatus(), nil
		}
	}
}

// fileReadBlocking and fileWriteBlocking serve the readiness backends,
// which cannot poll regular files. Runs on a worker-pool thread.
func fileReadBlocking(h Handle, buf []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pread(int(h), buf, offset)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func fileWriteBlocking(h Handle, buf []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pwrite(int(h), buf, offset)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
