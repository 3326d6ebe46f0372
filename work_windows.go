//go:build windows

package reactor

import "golang.org/x/sys/windows"

// waitForProcess blocks until the process identified by pid exits,
// returning its exit code. Runs on a worker-pool thread.
func waitForProcess(pid int) (int, error) {
	h, err := windows.OpenProcess(windows.SYNCHRONIZE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h)
	if _, err := windows.WaitForSingleObject(h, windows.INFINITE); err != nil {
		return 0, err
	}
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return 0, err
	}
	return int(code), nil
}

// The completion-port backend performs file I/O natively, so the
// blocking fallbacks are never reached on Windows.
func fileReadBlocking(h Handle, buf []byte, offset int64) (int, error) {
	return 0, ErrInvalidState
}

func fileWriteBlocking(h Handle, buf []byte, offset int64) (int, error) {
	return 0, ErrInvalidState
}
