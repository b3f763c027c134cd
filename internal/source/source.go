// This file provides the platform-agnostic Source interface and the factory
// that selects a backend.
//
// Build-tag conventions for platform-specific implementations:
//
//	fanotify_linux.go  (//go:build linux)   fanotify notification group
//	fanotify_other.go  (//go:build !linux)  stub returning ErrUnsupported
//	elevated_unix.go   (//go:build !windows)
//	elevated_windows.go (//go:build windows)
//
// The fsnotify backend compiles everywhere and is the fallback when the
// process is not elevated.
package source

import (
	"errors"
	"fmt"
	"log/slog"
)

// Backend names accepted by New.
const (
	BackendAuto     = "auto"
	BackendFanotify = "fanotify"
	BackendFsnotify = "fsnotify"
)

// ErrUnsupported is returned by New when the requested backend is not
// available on this platform.
var ErrUnsupported = errors.New("backend not supported on this platform")

// Source is a capture session for file-I/O notifications. A Source is
// single-use: Enable, then Run on one goroutine, then Stop from any
// goroutine.
type Source interface {
	// Name returns the backend name.
	Name() string
	// Enable subscribes the session to file-I/O notifications for the
	// configured roots. Nothing is delivered before Run is called.
	Enable() error
	// Run pumps events to h until Stop is called, h returns an error, or the
	// underlying facility fails. It blocks for the lifetime of the session.
	Run(h Handler) error
	// Stop halts delivery and releases the session. It unblocks a concurrent
	// Run, is safe to call from any goroutine, and is idempotent.
	Stop() error
}

// Config holds the settings shared by every backend.
type Config struct {
	// Backend is one of BackendAuto, BackendFanotify or BackendFsnotify.
	// Empty means BackendAuto.
	Backend string
	// Roots are the absolute folders to capture.
	Roots []string
	// Recursive extends capture to every folder below each root.
	Recursive bool
}

// ResolveBackend maps BackendAuto (or "") to the concrete backend for this
// host: fanotify on Linux when the process is elevated, fsnotify otherwise.
// Other names are returned unchanged.
func ResolveBackend(name string) string {
	if name != "" && name != BackendAuto {
		return name
	}
	if fanotifySupported {
		if ok, err := Elevated(); err == nil && ok {
			return BackendFanotify
		}
	}
	return BackendFsnotify
}

// Privileged reports whether the named backend requires an elevated process.
func Privileged(backend string) bool {
	return ResolveBackend(backend) == BackendFanotify
}

// New constructs the capture session described by cfg. If logger is nil,
// slog.Default() is used.
func New(cfg Config, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend := ResolveBackend(cfg.Backend); backend {
	case BackendFanotify:
		return newFanotifySource(cfg, logger)
	case BackendFsnotify:
		return newFsnotifySource(cfg, logger)
	default:
		return nil, fmt.Errorf("source: unknown backend %q", backend)
	}
}
