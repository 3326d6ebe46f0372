package reactor

// FileRead reads from a file at the request's current Offset. On
// backends without true async regular-file I/O the read runs on the
// worker pool; on the submission ring it runs in the kernel directly.
// Offset is caller-managed: a reactivating callback that wants to walk
// the file advances it explicitly.
type FileRead struct {
	req    request
	handle Handle

	// Buf receives the data. Borrowed for the duration of the read.
	Buf []byte

	// Offset is the absolute file position for the next read.
	Offset int64

	n int

	// Callback runs on the loop thread when the read resolves.
	Callback func(*FileReadResult)
}

// FileReadResult is handed to a FileRead callback.
type FileReadResult struct {
	result
	Request *FileRead
}

// Data returns the read sub-span of the request's buffer. Empty with a
// nil error means end of file.
func (r *FileReadResult) Data() []byte {
	if r.err != nil {
		return nil
	}
	return r.Request.Buf[:r.Request.n]
}

// EndOfFile reports a zero-length read.
func (r *FileReadResult) EndOfFile() bool {
	return r.err == nil && r.Request.n == 0
}

// Start begins reading into buf at the request's current Offset.
func (f *FileRead) Start(l *Loop, h Handle, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidArgument
	}
	f.handle = h
	f.Buf = buf
	f.n = 0
	return l.start(&f.req, KindFileRead, f)
}

// Stop cancels the read. The callback will not run.
func (f *FileRead) Stop() error { return f.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (f *FileRead) SetDebugName(name string) { f.req.name = name }

// State reports the request's lifecycle state.
func (f *FileRead) State() State { return f.req.state }

// FileWrite writes at the request's current Offset, with the same
// backend split and caller-managed Offset as FileRead.
type FileWrite struct {
	req    request
	handle Handle

	// Buf is the data to write. Borrowed for the duration of the write.
	Buf []byte

	// Offset is the absolute file position for the next write.
	Offset int64

	n int

	// Callback runs on the loop thread when the write resolves.
	Callback func(*FileWriteResult)
}

// FileWriteResult is handed to a FileWrite callback.
type FileWriteResult struct {
	result
	Request *FileWrite
}

// BytesWritten returns the number of bytes the write transferred.
func (r *FileWriteResult) BytesWritten() int { return r.Request.n }

// Start begins writing buf at the request's current Offset.
func (f *FileWrite) Start(l *Loop, h Handle, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidArgument
	}
	f.handle = h
	f.Buf = buf
	f.n = 0
	return l.start(&f.req, KindFileWrite, f)
}

// Stop cancels the write. The callback will not run.
func (f *FileWrite) Stop() error { return f.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (f *FileWrite) SetDebugName(name string) { f.req.name = name }

// State reports the request's lifecycle state.
func (f *FileWrite) State() State { return f.req.state }

// FileClose closes a file handle asynchronously.
type FileClose struct {
	req    request
	handle Handle

	// Callback runs on the loop thread once the handle is closed.
	Callback func(*CloseResult)
}

// Start begins closing h. Ownership of the handle passes to the loop.
func (c *FileClose) Start(l *Loop, h Handle) error {
	c.handle = h
	return l.start(&c.req, KindFileClose, c)
}

// Stop cancels the close request. The callback will not run.
func (c *FileClose) Stop() error { return c.req.requestStop() }

// SetDebugName attaches a name for diagnostics.
func (c *FileClose) SetDebugName(name string) { c.req.name = name }

// State reports the request's lifecycle state.
func (c *FileClose) State() State { return c.req.state }
