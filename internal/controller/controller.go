// Package controller contains the folderaudit run orchestrator. It owns the
// lifecycle of one capture run: privilege precheck, opening the audit sink,
// starting the capture session, dispatching every event through the
// pipeline and shutting everything down exactly once.
//
// The pipeline applied to each event, in order:
//
//	state check → suppression → scope → debounce → attribution → sink
//
// Events are handled one at a time on the pump goroutine and are never
// reordered or batched.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/folderaudit/internal/attrib"
	"github.com/tripwire/folderaudit/internal/audit"
	"github.com/tripwire/folderaudit/internal/debounce"
	"github.com/tripwire/folderaudit/internal/scope"
	"github.com/tripwire/folderaudit/internal/source"
)

// State is a step of the run lifecycle.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Startup failure reasons, matched with errors.Is against a *StartupError.
var (
	ErrInsufficientPrivilege = errors.New("elevated privileges are required")
	ErrSourceUnavailable     = errors.New("capture session unavailable")
	ErrSinkUnavailable       = errors.New("audit log unavailable")
)

// ErrAlreadyStarted is returned by Run on a Controller that has already run.
var ErrAlreadyStarted = errors.New("controller: already started")

// StartupError reports why a run never reached Running. No capture session
// is left behind when it is returned.
type StartupError struct {
	// Reason is one of ErrInsufficientPrivilege, ErrSourceUnavailable or
	// ErrSinkUnavailable.
	Reason error
	// Err is the underlying cause, if any.
	Err error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return "controller: startup failed: " + e.Reason.Error()
	}
	return fmt.Sprintf("controller: startup failed: %v: %v", e.Reason, e.Err)
}

func (e *StartupError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Sink is the audit destination used by the Controller. *audit.Sink
// implements it.
type Sink interface {
	// Emit durably records one accepted event.
	Emit(audit.Record) error
	// Suppress reports whether events on path must never be recorded.
	Suppress(path string) bool
	// Close releases the destination.
	Close() error
}

// Attributor resolves a PID to a user. *attrib.Attributor implements it.
type Attributor interface {
	Resolve(pid int) attrib.Result
}

// SourceFactory creates a capture session.
type SourceFactory func(source.Config, *slog.Logger) (source.Source, error)

// SinkOpener opens the audit destination at path.
type SinkOpener func(path string) (Sink, error)

// Config is the part of the run configuration the Controller consumes.
type Config struct {
	// Roots are the watched folders.
	Roots []string
	// Recursive extends the scope to every folder below each root.
	Recursive bool
	// LogPath is the audit log destination.
	LogPath string
	// Backend selects the capture backend (see source.New).
	Backend string
	// RequireElevation makes Run fail with ErrInsufficientPrivilege unless
	// the process is elevated.
	RequireElevation bool
}

// Controller runs one capture session. Create it with New; Run may be called
// only once.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	newSource  SourceFactory
	openSink   SinkOpener
	sinkOpts   []audit.Option
	attributor Attributor
	elevated   func() (bool, error)
	now        func() time.Time

	scopeOpts []scope.Option
	scope     *scope.Filter
	debounce  *debounce.Debouncer

	state   atomic.Int32
	session atomic.Pointer[session]
	// stopPending records a Stop that arrived while Starting.
	stopPending atomic.Bool

	startMu   sync.RWMutex
	startedAt time.Time
	backend   string

	received     atomic.Uint64
	suppressed   atomic.Uint64
	outOfScope   atomic.Uint64
	debounced    atomic.Uint64
	recorded     atomic.Uint64
	unattributed atomic.Uint64
}

// session is one active capture: the source and the sink it feeds.
type session struct {
	src      source.Source
	sink     Sink
	stopOnce sync.Once
	stopErr  error
}

// stop halts the source. Only the first call has an effect.
func (s *session) stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.src.Stop() })
	return s.stopErr
}

// Option is a functional option for Controller construction.
type Option func(*Controller)

// WithSourceFactory replaces source.New.
func WithSourceFactory(f SourceFactory) Option {
	return func(c *Controller) { c.newSource = f }
}

// WithSinkOpener replaces audit.Open.
func WithSinkOpener(o SinkOpener) Option {
	return func(c *Controller) { c.openSink = o }
}

// WithSinkOptions passes options to the default audit.Open opener.
func WithSinkOptions(opts ...audit.Option) Option {
	return func(c *Controller) { c.sinkOpts = append(c.sinkOpts, opts...) }
}

// WithAttributor replaces the platform attributor.
func WithAttributor(a Attributor) Option {
	return func(c *Controller) { c.attributor = a }
}

// WithElevationCheck replaces source.Elevated.
func WithElevationCheck(f func() (bool, error)) Option {
	return func(c *Controller) { c.elevated = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithScopeOptions passes options to the scope filter.
func WithScopeOptions(opts ...scope.Option) Option {
	return func(c *Controller) { c.scopeOpts = append(c.scopeOpts, opts...) }
}

// New creates a Controller. It fails only when the watch scope is invalid.
// If logger is nil, slog.Default() is used.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		newSource: source.New,
		elevated:  source.Elevated,
		now:       time.Now,
		debounce:  debounce.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.openSink == nil {
		c.openSink = func(path string) (Sink, error) {
			return audit.Open(path, append([]audit.Option{audit.WithLogger(logger)}, c.sinkOpts...)...)
		}
	}
	if c.attributor == nil {
		c.attributor = attrib.New(logger)
	}

	f, err := scope.New(cfg.Roots, cfg.Recursive,
		append([]scope.Option{scope.WithLogger(logger)}, c.scopeOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	c.scope = f
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Run starts capture and blocks until ctx is cancelled, Stop is called, the
// sink fails or the capture session ends. Cancellation is a normal shutdown
// and yields a nil error. Startup failures are returned as *StartupError.
func (c *Controller) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return ErrAlreadyStarted
	}

	sess, err := c.start()
	if err != nil {
		c.state.Store(int32(Stopped))
		c.logger.Error("folderaudit failed to start", slog.Any("error", err))
		return err
	}

	c.startMu.Lock()
	c.startedAt = c.now()
	c.backend = sess.src.Name()
	c.startMu.Unlock()

	c.session.Store(sess)
	c.state.Store(int32(Running))
	stopWatch := context.AfterFunc(ctx, c.Stop)
	defer stopWatch()
	if c.stopPending.Load() {
		c.Stop()
	}

	c.logger.Info("folderaudit started",
		slog.String("backend", sess.src.Name()),
		slog.Any("roots", c.scope.Roots()),
		slog.Bool("recursive", c.scope.Recursive()),
		slog.String("log_path", c.cfg.LogPath))

	runErr := sess.src.Run(func(ev source.FileEvent) error {
		return c.dispatch(sess.sink, ev)
	})

	// The pump has returned, either because Stop won or on its own.
	c.state.CompareAndSwap(int32(Running), int32(Stopping))
	closeErr := c.finish()
	c.state.Store(int32(Stopped))

	if runErr != nil {
		c.logger.Error("folderaudit capture halted", slog.Any("error", runErr))
		return fmt.Errorf("controller: capture halted: %w", runErr)
	}
	c.logger.Info("folderaudit stopped",
		slog.Uint64("recorded", c.recorded.Load()),
		slog.Uint64("received", c.received.Load()))
	return closeErr
}

// start runs the Starting phase. On failure everything acquired so far has
// been released.
func (c *Controller) start() (*session, error) {
	if c.cfg.RequireElevation {
		ok, err := c.elevated()
		if err != nil {
			return nil, &StartupError{Reason: ErrInsufficientPrivilege, Err: err}
		}
		if !ok {
			return nil, &StartupError{Reason: ErrInsufficientPrivilege}
		}
	}

	sink, err := c.openSink(c.cfg.LogPath)
	if err != nil {
		return nil, &StartupError{Reason: ErrSinkUnavailable, Err: err}
	}

	src, err := c.newSource(source.Config{
		Backend:   c.cfg.Backend,
		Roots:     c.scope.Roots(),
		Recursive: c.cfg.Recursive,
	}, c.logger)
	if err != nil {
		c.closeSink(sink)
		return nil, &StartupError{Reason: ErrSourceUnavailable, Err: err}
	}
	if err := src.Enable(); err != nil {
		if serr := src.Stop(); serr != nil {
			c.logger.Warn("error stopping capture session", slog.Any("error", serr))
		}
		c.closeSink(sink)
		return nil, &StartupError{Reason: ErrSourceUnavailable, Err: err}
	}
	return &session{src: src, sink: sink}, nil
}

// Stop requests shutdown. It is safe to call from any goroutine, any number
// of times, and before or after Run. A Stop while Starting takes effect as
// soon as the session is running. Before Run it is a no-op.
func (c *Controller) Stop() {
	// stopPending is set before the CAS reads the state and Run stores
	// Running before reading stopPending, so one of them always sees the
	// other.
	if c.State() == Starting {
		c.stopPending.Store(true)
	}
	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return
	}
	c.logger.Info("folderaudit stopping")
	if sess := c.session.Load(); sess != nil {
		if err := sess.stop(); err != nil {
			c.logger.Warn("error stopping capture session", slog.Any("error", err))
		}
	}
}

// finish takes ownership of the session and releases it. Swap guarantees a
// single owner even when Stop races with the pump ending on its own.
func (c *Controller) finish() error {
	sess := c.session.Swap(nil)
	if sess == nil {
		return nil
	}
	if err := sess.stop(); err != nil {
		c.logger.Warn("error stopping capture session", slog.Any("error", err))
	}
	if err := sess.sink.Close(); err != nil {
		return fmt.Errorf("controller: close audit log: %w", err)
	}
	return nil
}

func (c *Controller) closeSink(s Sink) {
	if err := s.Close(); err != nil {
		c.logger.Warn("error closing audit log", slog.Any("error", err))
	}
}

// dispatch runs one event through the pipeline. Only a sink failure is
// returned, which halts the pump.
func (c *Controller) dispatch(sink Sink, ev source.FileEvent) error {
	if c.State() != Running {
		return nil
	}
	c.received.Add(1)

	if sink.Suppress(ev.Path) {
		c.suppressed.Add(1)
		return nil
	}
	if !c.scope.InScope(ev.Path) {
		c.outOfScope.Add(1)
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	if !c.debounce.Accept(ev.Kind, ev.Path, ts) {
		c.debounced.Add(1)
		return nil
	}

	res := c.attributor.Resolve(ev.PID)
	if res.Failure != attrib.None {
		c.unattributed.Add(1)
	}

	rec := audit.Record{Timestamp: ts, Kind: ev.Kind, Path: ev.Path, User: res.Name()}
	if err := sink.Emit(rec); err != nil {
		return err
	}
	c.recorded.Add(1)
	return nil
}

// Stats is a point-in-time snapshot of a run.
type Stats struct {
	State        string    `json:"state"`
	Backend      string    `json:"backend,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UptimeS      float64   `json:"uptime_s"`
	Received     uint64    `json:"received"`
	Suppressed   uint64    `json:"suppressed"`
	OutOfScope   uint64    `json:"out_of_scope"`
	Debounced    uint64    `json:"debounced"`
	Recorded     uint64    `json:"recorded"`
	Unattributed uint64    `json:"unattributed"`
	DebounceKeys int       `json:"debounce_keys"`
	Anomalies    uint64    `json:"scope_anomalies"`
}

// Stats returns a snapshot of the run counters.
func (c *Controller) Stats() Stats {
	c.startMu.RLock()
	started, backend := c.startedAt, c.backend
	c.startMu.RUnlock()

	st := Stats{
		State:        c.State().String(),
		Backend:      backend,
		StartedAt:    started,
		Received:     c.received.Load(),
		Suppressed:   c.suppressed.Load(),
		OutOfScope:   c.outOfScope.Load(),
		Debounced:    c.debounced.Load(),
		Recorded:     c.recorded.Load(),
		Unattributed: c.unattributed.Load(),
		DebounceKeys: c.debounce.Len(),
		Anomalies:    c.scope.Anomalies(),
	}
	if !started.IsZero() {
		st.UptimeS = c.now().Sub(started).Seconds()
	}
	return st
}
