// Package scope decides whether a file event falls inside the operator's
// watch scope: an immutable set of absolute root folders plus a recursive
// flag.
//
// Matching is case-insensitive and works on whole path segments, so a root
// of /data never claims /database/file.txt. Only the directory component of
// a candidate path is compared: with recursion off it must equal a root,
// with recursion on it may also be any folder below one.
//
// Paths are interpreted in an explicit Style. The host style is the default;
// Windows-form paths (C:\Watch, \\server\share) can be evaluated on any OS,
// which keeps the filter testable everywhere.
package scope

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Style selects the path syntax the filter parses.
type Style int

const (
	// POSIX paths are '/'-separated and absolute when they start with '/'.
	POSIX Style = iota + 1
	// Windows paths accept '\' and '/' and are absolute when they start with
	// a drive ("C:\") or a UNC prefix ("\\server\share").
	Windows
)

// HostStyle returns the path style of the running operating system.
func HostStyle() Style {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return POSIX
}

// ErrMalformed is wrapped by every error describing a path the filter cannot
// parse.
var ErrMalformed = errors.New("malformed path")

// Filter is the scope filter. It is immutable after New and safe for
// concurrent use.
type Filter struct {
	style     Style
	recursive bool
	roots     [][]string // lower-cased segments, volume first on Windows
	display   []string
	logger    *slog.Logger

	// warn throttles anomaly warnings so a flood of bad paths cannot stall
	// the event pump on logging.
	warn      *rate.Limiter
	anomalies atomic.Uint64
}

// Option configures a Filter.
type Option func(*Filter)

// WithStyle overrides the host path style.
func WithStyle(s Style) Option {
	return func(f *Filter) { f.style = s }
}

// WithLogger sets the logger that receives malformed-path warnings.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.logger = l
		}
	}
}

// New builds a Filter from roots. Every root must be an absolute path in the
// filter's style; duplicates (after normalization, ignoring case) are
// dropped while preserving order.
func New(roots []string, recursive bool, opts ...Option) (*Filter, error) {
	f := &Filter{
		style:     HostStyle(),
		recursive: recursive,
		logger:    slog.Default(),
		warn:      rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(f)
	}

	if len(roots) == 0 {
		return nil, errors.New("scope: at least one root folder is required")
	}

	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		segs, err := f.split(r)
		if err != nil {
			return nil, fmt.Errorf("scope: root %q: %w", r, err)
		}
		if len(segs) < f.minSegments() {
			return nil, fmt.Errorf("scope: root %q: %w: no volume", r, ErrMalformed)
		}
		key := strings.ToLower(f.join(segs))
		if seen[key] {
			continue
		}
		seen[key] = true

		lower := make([]string, len(segs))
		for i, s := range segs {
			lower[i] = strings.ToLower(s)
		}
		f.roots = append(f.roots, lower)
		f.display = append(f.display, f.join(segs))
	}
	return f, nil
}

// Roots returns the normalized root folders in configuration order.
func (f *Filter) Roots() []string {
	return append([]string(nil), f.display...)
}

// Recursive reports whether descendants of a root are in scope.
func (f *Filter) Recursive() bool { return f.recursive }

// Anomalies returns the number of malformed paths seen so far.
func (f *Filter) Anomalies() uint64 { return f.anomalies.Load() }

// InScope reports whether path lies inside the watch scope. It never fails:
// malformed paths are reported through the logger and treated as out of
// scope, and so are paths with no directory component.
func (f *Filter) InScope(path string) bool {
	segs, err := f.split(path)
	if err != nil {
		f.anomaly(path, err)
		return false
	}
	// The last segment is the file name; what precedes it is the directory.
	// On Windows the directory must at least hold the volume.
	if len(segs) < f.minSegments()+1 {
		return false
	}
	dir := segs[:len(segs)-1]

	for _, root := range f.roots {
		if len(dir) < len(root) || (!f.recursive && len(dir) != len(root)) {
			continue
		}
		if hasSegmentPrefix(dir, root) {
			return true
		}
	}
	return false
}

// hasSegmentPrefix reports whether root's segments are a case-insensitive
// prefix of dir's segments. root is already lower-cased.
func hasSegmentPrefix(dir, root []string) bool {
	for i, seg := range root {
		if !strings.EqualFold(dir[i], seg) {
			return false
		}
	}
	return true
}

func (f *Filter) anomaly(path string, err error) {
	f.anomalies.Add(1)
	if f.warn.Allow() {
		f.logger.Warn("scope: ignoring malformed path",
			slog.String("path", path),
			slog.Any("error", err))
	}
}

// minSegments is the number of leading segments that identify the volume.
func (f *Filter) minSegments() int {
	if f.style == Windows {
		return 1
	}
	return 0
}

// split validates path and returns its cleaned segments. "." segments are
// dropped and ".." removes the preceding segment but never the volume.
func (f *Filter) split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return nil, fmt.Errorf("%w: contains NUL byte", ErrMalformed)
	}

	var (
		rest string
		segs []string
	)
	switch f.style {
	case Windows:
		p := strings.ReplaceAll(path, `\`, "/")
		switch {
		case strings.HasPrefix(p, "//"):
			// UNC: the server in //server/share/... is the volume.
			p = p[2:]
			i := strings.IndexByte(p, '/')
			if i <= 0 {
				return nil, fmt.Errorf("%w: incomplete UNC path", ErrMalformed)
			}
			segs = append(segs, "//"+p[:i])
			rest = p[i:]
		case len(p) >= 3 && isDriveLetter(p[0]) && p[1] == ':' && p[2] == '/':
			segs = append(segs, p[:2])
			rest = p[2:]
		default:
			return nil, fmt.Errorf("%w: not an absolute Windows path", ErrMalformed)
		}
	default:
		if path[0] != '/' {
			return nil, fmt.Errorf("%w: not an absolute path", ErrMalformed)
		}
		rest = path
	}

	volume := len(segs)
	for _, s := range strings.Split(rest, "/") {
		switch s {
		case "", ".":
		case "..":
			if len(segs) > volume {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, s)
		}
	}
	return segs, nil
}

// join renders segments back into a path in the filter's style.
func (f *Filter) join(segs []string) string {
	if f.style == Windows {
		if len(segs) == 1 {
			return strings.ReplaceAll(segs[0], "/", `\`) + `\`
		}
		return strings.ReplaceAll(segs[0], "/", `\`) + `\` + strings.Join(segs[1:], `\`)
	}
	return "/" + strings.Join(segs, "/")
}

func isDriveLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
