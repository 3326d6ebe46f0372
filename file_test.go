//go:build linux || darwin

package reactor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFileRoundTripViaWorkerPool(t *testing.T) {
	l := newTestLoop(t)
	path := filepath.Join(t.TempDir(), "roundtrip.txt")

	// Write "test" through the loop; the readiness backend routes
	// regular-file I/O to the worker pool.
	wfd, err := unix.Open(path, unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.NoError(t, err)

	var written int
	var fw FileWrite
	fw.Callback = func(res *FileWriteResult) {
		require.NoError(t, res.Err())
		written = res.BytesWritten()
	}
	require.NoError(t, fw.Start(l, Handle(wfd), []byte("test")))
	require.NoError(t, l.RunOnce())
	require.Equal(t, 4, written)

	closed := false
	var fc FileClose
	fc.Callback = func(res *CloseResult) {
		require.NoError(t, res.Err())
		closed = true
	}
	require.NoError(t, fc.Start(l, Handle(wfd)))
	require.NoError(t, l.Run())
	require.True(t, closed)

	// Read it back one byte at a time, advancing the caller-managed
	// offset from the callback.
	rfd, err := unix.Open(path, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(rfd)

	var gathered []byte
	var fr FileRead
	fr.Callback = func(res *FileReadResult) {
		require.NoError(t, res.Err())
		if res.EndOfFile() {
			return
		}
		gathered = append(gathered, res.Data()...)
		res.Request.Offset += int64(len(res.Data()))
		res.ReactivateRequest(true)
	}
	require.NoError(t, fr.Start(l, Handle(rfd), make([]byte, 1)))
	require.NoError(t, l.Run())

	assert.Equal(t, "test", string(gathered))
	assert.Equal(t, StateFree, fr.State())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "test", string(data))
}

func TestFileReadOffsetIsCallerManaged(t *testing.T) {
	l := newTestLoop(t)
	path := filepath.Join(t.TempDir(), "offsets.txt")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o644))

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	var reads []string
	var fr FileRead
	fr.Callback = func(res *FileReadResult) {
		require.NoError(t, res.Err())
		reads = append(reads, string(res.Data()))
		// Leave Offset untouched: the same region is read again.
		res.ReactivateRequest(len(reads) < 2)
	}
	fr.Offset = 2
	require.NoError(t, fr.Start(l, Handle(fd), make([]byte, 2)))
	require.NoError(t, l.Run())

	assert.Equal(t, []string{"cd", "cd"}, reads)
}

func TestFileWriteAtOffset(t *testing.T) {
	l := newTestLoop(t)
	path := filepath.Join(t.TempDir(), "sparse.txt")
	require.NoError(t, os.WriteFile(path, []byte("xxxxxx"), 0o644))

	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	var fw FileWrite
	fw.Callback = func(res *FileWriteResult) {
		require.NoError(t, res.Err())
	}
	fw.Offset = 2
	require.NoError(t, fw.Start(l, Handle(fd), []byte("yy")))
	require.NoError(t, l.Run())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xxyyxx", string(data))
}
