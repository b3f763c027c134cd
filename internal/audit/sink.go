// Package audit provides the append-only audit log that records every
// accepted file event as one comma-separated line:
//
//	<yyyy-MM-dd HH:mm:ss.fff>,<kind>,<path>,<user>
//
// # Append semantics
//
// The log file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so that
// every write is appended atomically by the OS and existing content is never
// truncated. Each record is a single unbuffered write; with sync enabled the
// write is followed by fsync.
//
// # Mirrors
//
// The console and any additional Mirror receive a record only after the
// durable write succeeded. Their failures are counted and never fail Emit.
// Console labels are queued to a single writer goroutine; when the queue is
// full the label is dropped and counted, so a stalled console never holds up
// the log.
//
// # Thread safety
//
// Sink is safe for concurrent use. A mutex serialises all Emit calls so lines
// never interleave.
package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/folderaudit/internal/source"
)

const (
	consoleBacklog      = 256
	consoleDrainTimeout = 2 * time.Second
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit: sink is closed")

// Mirror receives a copy of every durably written record.
type Mirror interface {
	Publish(Record) error
}

// Sink is the audit log writer. Create one with Open; do not copy after first
// use.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	closed bool

	path    string
	sync    bool
	console     io.Writer
	consoleCh   chan string
	consoleDone chan struct{}
	mirrors     []Mirror
	logger  *slog.Logger

	consoleErrors atomic.Uint64
	mirrorErrors  atomic.Uint64
}

// Option configures a Sink.
type Option func(*Sink)

// WithConsole mirrors every record's label to w.
func WithConsole(w io.Writer) Option {
	return func(s *Sink) { s.console = w }
}

// WithSync makes every Emit fsync the log before returning.
func WithSync(enabled bool) Option {
	return func(s *Sink) { s.sync = enabled }
}

// WithMirror adds a Mirror. Mirrors are called in the order added.
func WithMirror(m Mirror) Option {
	return func(s *Sink) {
		if m != nil {
			s.mirrors = append(s.mirrors, m)
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) the log at path for appending.
func Open(path string, opts ...Option) (*Sink, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("audit: resolve %q: %w", path, err)
	}
	s := &Sink{path: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", abs, err)
	}
	s.file = f
	if s.console != nil {
		s.consoleCh = make(chan string, consoleBacklog)
		s.consoleDone = make(chan struct{})
		go s.drainConsole()
	}
	return s, nil
}

func (s *Sink) drainConsole() {
	defer close(s.consoleDone)
	for label := range s.consoleCh {
		if _, err := io.WriteString(s.console, label); err != nil {
			s.consoleErrors.Add(1)
		}
	}
}

// Path returns the absolute path of the log file.
func (s *Sink) Path() string { return s.path }

// Emit appends r to the log, then mirrors it. Only a failure of the durable
// write is returned.
func (s *Sink) Emit(r Record) error {
	line := r.Line() + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(s.file, line); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("audit: sync: %w", err)
		}
	}

	if s.consoleCh != nil {
		select {
		case s.consoleCh <- r.Label() + "\n":
		default:
			if s.consoleErrors.Add(1) == 1 {
				s.logger.Warn("audit: console backlog full, dropping labels")
			}
		}
	}
	for _, m := range s.mirrors {
		if err := m.Publish(r); err != nil {
			if s.mirrorErrors.Add(1) == 1 {
				s.logger.Warn("audit: mirror publish failed", slog.Any("error", err))
			}
		}
	}
	return nil
}

// Suppress reports whether an event on path must never be recorded: the
// file name is empty, the path is this log file, or the path is a capture
// artifact.
func (s *Sink) Suppress(path string) bool {
	if path == "" || strings.ContainsAny(path[len(path)-1:], `/\`) {
		return true
	}
	if strings.HasSuffix(strings.ToLower(path), source.ArtifactExtension) {
		return true
	}
	return strings.EqualFold(filepath.Clean(path), s.path)
}

// ConsoleErrors returns how many console labels failed to write or were
// dropped.
func (s *Sink) ConsoleErrors() uint64 { return s.consoleErrors.Load() }

// MirrorErrors returns how many mirror publishes failed.
func (s *Sink) MirrorErrors() uint64 { return s.mirrorErrors.Load() }

// Close flushes any OS-level buffers and closes the log. Queued console
// labels get a bounded time to drain. Calling Close more than once is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.consoleCh != nil {
		close(s.consoleCh)
		timer := time.NewTimer(consoleDrainTimeout)
		select {
		case <-s.consoleDone:
		case <-timer.C:
			s.logger.Warn("audit: console did not drain before close")
		}
		timer.Stop()
	}
	if err := s.file.Sync(); err != nil {
		// Best-effort sync; close regardless.
		_ = s.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}

// Truncate empties the log at path, creating it if needed. It is the
// explicit replacement for an existing log and is never called by Sink.
func Truncate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: truncate %q: %w", path, err)
	}
	return f.Close()
}

// ReadRecords parses the log at path. An empty file yields no records. The
// first malformed line stops the read and is reported with its line number.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := ParseLine(line)
		if err != nil {
			return records, fmt.Errorf("audit: line %d: %w", n, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("audit: scanning %q: %w", path, err)
	}
	return records, nil
}
