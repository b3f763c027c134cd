// Package attrib resolves the user account that owns a process.
//
// Every OS handle acquired during a lookup (process handle and token on
// Windows, pidfd on Linux) is scoped to the lookup and released on every
// return path. A lookup that fails for any reason, including a panic inside
// the platform code, yields the Unknown sentinel instead of an error:
// losing attribution must never stop capture.
package attrib

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Unknown is the user value recorded when attribution fails.
const Unknown = "unknown"

// Failure explains why a process could not be attributed.
type Failure int

const (
	// None means attribution succeeded.
	None Failure = iota
	// Vanished means the process no longer exists (or never had a usable
	// identifier).
	Vanished
	// AccessDenied means the OS refused to open the process or its token.
	AccessDenied
	// Unexpected covers every other failure.
	Unexpected
)

func (f Failure) String() string {
	switch f {
	case None:
		return "none"
	case Vanished:
		return "vanished"
	case AccessDenied:
		return "access_denied"
	case Unexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("Failure(%d)", int(f))
	}
}

// Result is the outcome of Resolve.
type Result struct {
	// User is the account display name; empty on failure.
	User string
	// Failure is None on success.
	Failure Failure
}

// Name returns the user, or Unknown when attribution failed.
func (r Result) Name() string {
	if r.Failure != None || r.User == "" {
		return Unknown
	}
	return r.User
}

// Sentinel causes wrapped by platform lookups.
var (
	ErrVanished     = errors.New("process no longer exists")
	ErrAccessDenied = errors.New("access denied")
)

// LookupFunc resolves pid to an account name.
type LookupFunc func(pid int) (string, error)

// Attributor resolves PIDs to user names. It is safe for concurrent use.
type Attributor struct {
	logger *slog.Logger
	lookup LookupFunc
	cache  *expirable.LRU[int, string]
}

// Option configures an Attributor.
type Option func(*Attributor)

// WithLookup replaces the platform lookup.
func WithLookup(fn LookupFunc) Option {
	return func(a *Attributor) { a.lookup = fn }
}

// WithCache enables a PID → user cache holding at most size entries for ttl.
// PIDs are recycled by the OS, so ttl should stay short; a failed lookup
// evicts the PID. A ttl of zero or less leaves caching disabled.
func WithCache(size int, ttl time.Duration) Option {
	return func(a *Attributor) {
		if ttl <= 0 {
			return
		}
		if size <= 0 {
			size = 4096
		}
		a.cache = expirable.NewLRU[int, string](size, nil, ttl)
	}
}

// New returns an Attributor using the platform lookup. If logger is nil,
// slog.Default() is used.
func New(logger *slog.Logger, opts ...Option) *Attributor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Attributor{
		logger: logger,
		lookup: lookupOwner,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve returns the user owning pid. It never fails; see Result.Name.
func (a *Attributor) Resolve(pid int) (res Result) {
	if pid <= 0 {
		return Result{Failure: Vanished}
	}
	if a.cache != nil {
		if user, ok := a.cache.Get(pid); ok {
			return Result{User: user}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			a.forget(pid)
			a.logger.Warn("attrib: lookup panicked",
				slog.Int("pid", pid),
				slog.Any("panic", r))
			res = Result{Failure: Unexpected}
		}
	}()

	user, err := a.lookup(pid)
	if err == nil && user == "" {
		err = errors.New("empty account name")
	}
	if err != nil {
		a.forget(pid)
		f := classify(err)
		a.logger.Debug("attrib: cannot resolve process owner",
			slog.Int("pid", pid),
			slog.String("failure", f.String()),
			slog.Any("error", err))
		return Result{Failure: f}
	}

	if a.cache != nil {
		a.cache.Add(pid, user)
	}
	return Result{User: user}
}

func (a *Attributor) forget(pid int) {
	if a.cache != nil {
		a.cache.Remove(pid)
	}
}

func classify(err error) Failure {
	switch {
	case errors.Is(err, ErrVanished):
		return Vanished
	case errors.Is(err, ErrAccessDenied):
		return AccessDenied
	default:
		return Unexpected
	}
}
