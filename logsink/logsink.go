// Package logsink implements the process-wide log callback installed into
// every device: a per-filename buffer guarded by a mutex, flushed to disk
// on a background timer by a single flush goroutine, per spec.md sections
// 5 and 6.
//
// This mirrors the teacher's own in-house logger package idiom (referenced
// throughout rewind/rewind.go and regression/log.go as logger.Log,
// logger.Logf, logger.Clear, logger.WriteRecent) rather than reaching for a
// third-party structured-logging library - the teacher never does either,
// so neither does this package. The mutex is only ever held across an
// append to an in-memory buffer; disk I/O always happens after the buffer
// has been detached and the lock released, per spec.md's explicit
// invariant that the log mutex is never held across a write to disk.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Defaults for the flush triggers spec.md names: roughly every 10 seconds,
// or whenever a single file's buffer exceeds roughly 1 MiB.
const (
	DefaultFlushInterval = 10 * time.Second
	DefaultFlushSize     = 1 << 20
)

// Sink buffers per-filename log text and flushes it to dir on a background
// timer or size threshold. The zero value is not usable; use New.
type Sink struct {
	dir           string
	flushInterval time.Duration
	flushSize     int

	mu      sync.Mutex
	buffers map[string]*strings.Builder

	stop chan struct{}
	done chan struct{}

	// onIOError reports a failed flush without ever propagating into device
	// code - logging must never raise into a device's Tick.
	onIOError func(filename string, err error)
}

// Option configures a Sink at construction.
type Option func(*Sink)

// WithFlushInterval overrides the background flush timer.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) { s.flushInterval = d }
}

// WithFlushSize overrides the per-file size threshold that forces an
// immediate flush from Append.
func WithFlushSize(n int) Option {
	return func(s *Sink) { s.flushSize = n }
}

// WithIOErrorHandler installs a callback for flush failures. If unset,
// errors are silently dropped, matching spec.md's "the log sink swallows/
// reports its own I/O errors internally" - logging must never raise into
// device code.
func WithIOErrorHandler(fn func(filename string, err error)) Option {
	return func(s *Sink) { s.onIOError = fn }
}

// New creates a Sink writing flushed buffers under dir, and starts its
// background flush goroutine. Call Close to stop the goroutine and flush
// any remaining buffered text.
func New(dir string, opts ...Option) *Sink {
	s := &Sink{
		dir:           dir,
		flushInterval: DefaultFlushInterval,
		flushSize:     DefaultFlushSize,
		buffers:       map[string]*strings.Builder{},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Append is the devbus.LogSink callback: it appends text to filename's
// buffer under a short-held lock, then - only after releasing the lock -
// flushes to disk if the buffer has crossed the size threshold.
func (s *Sink) Append(filename, text string) {
	s.mu.Lock()
	b, ok := s.buffers[filename]
	if !ok {
		b = &strings.Builder{}
		s.buffers[filename] = b
	}
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteByte('\n')
	}
	over := b.Len() >= s.flushSize
	s.mu.Unlock()

	if over {
		s.flushOne(filename)
	}
}

// flushOne detaches filename's buffer and writes it to disk outside the
// lock.
func (s *Sink) flushOne(filename string) {
	s.mu.Lock()
	b, ok := s.buffers[filename]
	if !ok || b.Len() == 0 {
		s.mu.Unlock()
		return
	}
	text := b.String()
	b.Reset()
	s.mu.Unlock()

	if err := s.writeToDisk(filename, text); err != nil && s.onIOError != nil {
		s.onIOError(filename, err)
	}
}

// flushAll flushes every buffered filename.
func (s *Sink) flushAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.buffers))
	for name := range s.buffers {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.flushOne(name)
	}
}

func (s *Sink) writeToDisk(filename, text string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("logsink: mkdir %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, filename+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logsink: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("logsink: write %s: %w", path, err)
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.flushAll()
		case <-s.stop:
			s.flushAll()
			return
		}
	}
}

// Close stops the background flush goroutine after a final flush.
func (s *Sink) Close() {
	close(s.stop)
	<-s.done
}
