// Package source provides the platform-specific file-I/O capture sessions
// that feed the folderaudit pipeline. Every backend delivers the same
// FileEvent value to a single Handler from one blocking pump goroutine.
package source

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies the kind of file system event detected.
type Kind uint32

const (
	// Create indicates a file was created.
	Create Kind = iota + 1
	// Read indicates the file was read/accessed.
	Read
	// Write indicates the file was written or modified.
	Write
	// Delete indicates a file was deleted.
	Delete
	// Rename indicates a file was renamed or moved.
	Rename
)

var kindNames = [...]string{
	Create: "Create",
	Read:   "Read",
	Write:  "Write",
	Delete: "Delete",
	Rename: "Rename",
}

// String returns the name recorded in the audit log.
func (k Kind) String() string {
	if k >= Create && k <= Rename {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// ParseKind is the inverse of Kind.String. Matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	for k := Create; k <= Rename; k++ {
		if strings.EqualFold(kindNames[k], s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("source: unknown event kind %q", s)
}

// FileEvent carries the details of a single file system event delivered by a
// capture session.
type FileEvent struct {
	// Kind classifies the event.
	Kind Kind
	// Timestamp is when the capture facility observed the event.
	Timestamp time.Time
	// PID is the process that caused the event. Zero when the backend cannot
	// tell (fsnotify).
	PID int
	// Path is the absolute path of the file the event refers to.
	Path string
}

// Handler consumes one event. A non-nil error halts the pump and is returned
// from Source.Run.
type Handler func(FileEvent) error

// ArtifactExtension is the file extension the capture subsystem uses for its
// own trace artifacts. Events for such files are never recorded.
const ArtifactExtension = ".etl"
