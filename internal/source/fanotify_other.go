//go:build !linux

package source

import (
	"fmt"
	"log/slog"
)

const fanotifySupported = false

// newFanotifySource always fails on non-Linux platforms. Use the fsnotify
// backend instead.
func newFanotifySource(_ Config, _ *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("source: fanotify: %w", ErrUnsupported)
}
