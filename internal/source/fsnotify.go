package source

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifySource captures file changes through fsnotify (inotify, kqueue or
// ReadDirectoryChangesW depending on the platform). It needs no elevation
// but cannot observe reads and never knows the causing PID, so every event
// it delivers carries PID 0.
type fsnotifySource struct {
	roots     []string
	recursive bool
	logger    *slog.Logger
	now       func() time.Time

	w        *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func newFsnotifySource(cfg Config, logger *slog.Logger) (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("source: fsnotify: %w", err)
	}
	return &fsnotifySource{
		roots:     append([]string(nil), cfg.Roots...),
		recursive: cfg.Recursive,
		logger:    logger,
		now:       time.Now,
		w:         w,
		done:      make(chan struct{}),
	}, nil
}

func (s *fsnotifySource) Name() string { return BackendFsnotify }

// Enable adds a watch for every root and, for recursive scopes, for every
// directory below it that exists now.
func (s *fsnotifySource) Enable() error {
	for _, root := range s.roots {
		if err := s.watchTree(root); err != nil {
			return fmt.Errorf("source: fsnotify watch %q: %w", root, err)
		}
		s.logger.Info("source: watching path",
			slog.String("backend", BackendFsnotify),
			slog.String("path", root),
			slog.Bool("recursive", s.recursive))
	}
	return nil
}

// watchTree adds dir and, when recursive, its sub-directories. Only a failure
// on dir itself is returned; unreadable sub-directories are logged and
// skipped.
func (s *fsnotifySource) watchTree(dir string) error {
	if err := s.w.Add(dir); err != nil {
		return err
	}
	if !s.recursive {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("source: fsnotify skipping unreadable path",
				slog.String("path", p), slog.Any("error", err))
			return nil
		}
		if !d.IsDir() || p == dir {
			return nil
		}
		if err := s.w.Add(p); err != nil {
			s.logger.Warn("source: fsnotify cannot watch sub-directory",
				slog.String("path", p), slog.Any("error", err))
		}
		return nil
	})
}

// Run pumps fsnotify events to h until Stop is called or h fails.
func (s *fsnotifySource) Run(h Handler) error {
	for {
		select {
		case <-s.done:
			return nil
		case ev, ok := <-s.w.Events:
			if !ok {
				return nil
			}
			if s.recursive && ev.Has(fsnotify.Create) {
				if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
					if err := s.watchTree(ev.Name); err != nil {
						s.logger.Warn("source: fsnotify cannot watch new directory",
							slog.String("path", ev.Name), slog.Any("error", err))
					}
				}
			}
			kind, ok := kindFromOp(ev.Op)
			if !ok {
				continue
			}
			if err := h(FileEvent{Kind: kind, Timestamp: s.now(), Path: ev.Name}); err != nil {
				return err
			}
		case err, ok := <-s.w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("source: fsnotify error", slog.Any("error", err))
		}
	}
}

// Stop closes the fsnotify watcher, which also unblocks Run.
func (s *fsnotifySource) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.w.Close(); err != nil {
			s.stopErr = fmt.Errorf("source: fsnotify close: %w", err)
		}
	})
	return s.stopErr
}

// kindFromOp maps an fsnotify operation to an event kind. Chmod-only events
// are not tracked.
func kindFromOp(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Create, true
	case op.Has(fsnotify.Write):
		return Write, true
	case op.Has(fsnotify.Remove):
		return Delete, true
	case op.Has(fsnotify.Rename):
		return Rename, true
	default:
		return 0, false
	}
}
