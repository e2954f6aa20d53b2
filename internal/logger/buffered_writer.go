package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	logBufferSize    = 32 * 1024
	logFlushInterval = 5 * time.Second
)

var errWriterClosed = errors.New("log writer is closed")

// BufferedFileWriter appends log lines to a file through a bufio.Writer and
// pushes them to the OS every few seconds. Safe for concurrent use.
type BufferedFileWriter struct {
	path string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewBufferedFileWriter opens path for appending.
func NewBufferedFileWriter(path string) (*BufferedFileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFilePermissions) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w := &BufferedFileWriter{
		path:    path,
		file:    f,
		buf:     bufio.NewWriterSize(f, logBufferSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.flushLoop(logFlushInterval)
	return w, nil
}

func (w *BufferedFileWriter) flushLoop(every time.Duration) {
	defer close(w.stopped)

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			// a failing flush shows up again on the next Write
			_ = w.Flush()
		}
	}
}

func (w *BufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf == nil {
		return 0, errWriterClosed
	}
	return w.buf.Write(p)
}

// Flush hands buffered lines to the OS. It does not fsync.
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	return nil
}

// Close stops the flush loop, then flushes, syncs and closes the file.
// Later calls return the first call's result.
func (w *BufferedFileWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.stopped

		w.mu.Lock()
		defer w.mu.Unlock()

		var errs []error
		if err := w.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", w.path, err))
		}
		if err := w.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", w.path, err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", w.path, err))
		}
		w.buf, w.file = nil, nil
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

var (
	_ io.Writer = (*BufferedFileWriter)(nil)
	_ io.Closer = (*BufferedFileWriter)(nil)
)
