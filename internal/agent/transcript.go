package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	transcriptBufferLines   = 128
	transcriptFlushInterval = 200 * time.Millisecond
)

// TranscriptWriter persists the agent's raw stdout records to an ndjson file
// so a run can be inspected after the fact. Lines are buffered and flushed by
// a background goroutine; a slow disk does not stall the stdout reader.
type TranscriptWriter struct {
	file *os.File
	path string

	mu     sync.Mutex
	lines  [][]byte
	closed bool

	writeErrors atomic.Int64
	done        chan struct{}
	wg          sync.WaitGroup
}

// OpenTranscript opens the transcript file for a task, creating the directory
// and file as needed. Repeated runs of the same task append.
func OpenTranscript(dir, taskID string) (*TranscriptWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating transcript directory: %w", err)
	}
	path := filepath.Join(dir, taskID+".ndjson")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening transcript file: %w", err)
	}

	w := &TranscriptWriter{
		file:  file,
		path:  path,
		lines: make([][]byte, 0, transcriptBufferLines),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

// Path returns the transcript file location.
func (w *TranscriptWriter) Path() string { return w.path }

// WriteLine buffers one stdout line, appending the newline the scanner
// stripped. The slice is copied; callers may reuse the backing array.
func (w *TranscriptWriter) WriteLine(line []byte) {
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.lines = append(w.lines, buf)
	if len(w.lines) >= transcriptBufferLines*3/4 {
		w.flushLocked()
	}
}

// WriteErrors reports how many line writes failed.
func (w *TranscriptWriter) WriteErrors() int64 {
	return w.writeErrors.Load()
}

// Close stops the flush goroutine, writes any buffered lines, and closes the
// file. Subsequent WriteLine calls are dropped.
func (w *TranscriptWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()

	return w.file.Close()
}

func (w *TranscriptWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(transcriptFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.flushLocked()
			w.mu.Unlock()
		}
	}
}

// flushLocked writes buffered lines in order. Caller must hold w.mu. Write
// errors are counted and the remaining lines still attempted.
func (w *TranscriptWriter) flushLocked() {
	if len(w.lines) == 0 {
		return
	}
	for _, line := range w.lines {
		if _, err := w.file.Write(line); err != nil {
			w.writeErrors.Add(1)
		}
	}
	w.lines = w.lines[:0]
}
