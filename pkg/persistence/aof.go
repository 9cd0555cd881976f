package persistence

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// AOFWriter appends to the revision log file.
type AOFWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
}

// NewAOFWriter opens or creates the log at path.
func NewAOFWriter(path string) (*AOFWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open revision log: %w", err)
	}

	return &AOFWriter{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
	}, nil
}

// Write buffers p. It implements io.Writer so a FrameWriter can wrap it.
func (a *AOFWriter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Write(p)
}

// Flush hands the buffer to the OS without waiting for the disk.
func (a *AOFWriter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Flush()
}

// Sync flushes the buffer and fsyncs the file.
func (a *AOFWriter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

// Close flushes and closes the file.
func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 1. Flush pending frames
	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	// 2. Release the descriptor
	return a.file.Close()
}

// TruncateAt cuts the file at size, dropping a torn tail found during replay.
func (a *AOFWriter) TruncateAt(size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 1. Nothing buffered may land after the cut.
	if err := a.buf.Flush(); err != nil {
		return err
	}
	// 2. Cut and move the write offset back.
	if err := a.file.Truncate(size); err != nil {
		return err
	}
	_, err := a.file.Seek(size, 0)
	return err
}

// Mark flushes the buffer and returns the current end of the file, the
// offset a later Rewind goes back to.
func (a *AOFWriter) Mark() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		return 0, err
	}
	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Rewind drops everything written after mark, buffered or not.
func (a *AOFWriter) Rewind(mark int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 1. Discard bytes still in the buffer.
	a.buf.Reset(a.file)

	// 2. Cut what already reached the file.
	if err := a.file.Truncate(mark); err != nil {
		return err
	}
	if _, err := a.file.Seek(mark, 0); err != nil {
		return err
	}

	// 3. Make the cut durable so replay does not see the frame.
	return a.file.Sync()
}

// Path returns the file path.
func (a *AOFWriter) Path() string {
	return a.path
}

// Size returns the size of the file on disk, excluding buffered bytes.
func (a *AOFWriter) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
