package ftp

import "io"

// pipeWriter is a thin rename of io.PipeWriter so ftpWriter's field type
// reads clearly at the call site; Stor's goroutine reads from the paired
// io.PipeReader while TryWrite feeds bytes in from the copy loop.
type pipeWriter = io.PipeWriter

func newPipe() (*io.PipeReader, *io.PipeWriter) { return io.Pipe() }
