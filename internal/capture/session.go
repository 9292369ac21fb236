// Package capture decodes card tokens from a keyboard-wedge reader.
//
// A Session attaches to the keystroke hub only while a scan is in
// progress. Printable keys accumulate in a pending buffer, Backspace
// edits it, and Enter completes the token. Two timers guard the scan:
// a deadline for the whole scan and a short idle window after each key
// that discards runaway input.
//
//	Idle --Start--> Scanning --Enter (non-empty)--> Idle  (token)
//	                Scanning --deadline-----------> Idle  (timed out)
//	                Scanning --Stop---------------> Idle  (stopped)
//	                Scanning --Start--------------> Scanning (previous scan superseded)
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cardwedge/internal/clock"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
)

// Reader framing constants.
const (
	// DefaultTimeout bounds a scan when the caller has no preference.
	DefaultTimeout = 10 * time.Second

	// IdleWindow is how long after the last accepted key the pending
	// buffer is checked for overflow.
	IdleWindow = 100 * time.Millisecond

	// MaxPending is the longest pending buffer kept across an idle
	// window without a terminator.
	MaxPending = 50
)

var (
	// ErrInvalidArgument is returned for a non-positive timeout.
	ErrInvalidArgument = errors.New("capture: invalid argument")

	// ErrAlreadyScanning is returned by Start under RejectPolicy.
	ErrAlreadyScanning = errors.New("capture: scan already in progress")
)

// State is the session state.
type State int

const (
	// StateIdle means no scan is running and the hub is not held.
	StateIdle State = iota
	// StateScanning means a scan holds the hub and is buffering keys.
	StateScanning
)

// String returns the state name.
func (s State) String() string {
	if s == StateScanning {
		return "scanning"
	}
	return "idle"
}

// Policy decides what Start does while a scan is in progress.
type Policy int

const (
	// SupersedePolicy stops the running scan and starts a new one. The
	// previous caller's handler is never invoked.
	SupersedePolicy Policy = iota

	// RejectPolicy leaves the running scan alone and fails Start with
	// ErrAlreadyScanning.
	RejectPolicy
)

// ParsePolicy parses "supersede" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "supersede":
		return SupersedePolicy, nil
	case "reject":
		return RejectPolicy, nil
	default:
		return SupersedePolicy, fmt.Errorf("unknown scan policy: %s", s)
	}
}

// TokenHandler receives a decoded token. It runs after the session has
// returned to Idle, so it may call Start again.
type TokenHandler func(token string)

// Option configures a Session.
type Option func(*Session)

// WithClock sets the timer facility. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithPolicy sets the re-entrant Start policy.
func WithPolicy(p Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithIdleWindow overrides IdleWindow, for readers with unusual timing.
func WithIdleWindow(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.idleWindow = d
		}
	}
}

// WithMaxPending overrides MaxPending.
func WithMaxPending(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// Session is the single live capture context of the process.
type Session struct {
	hub        *keystroke.Hub
	clock      clock.Clock
	logger     *slog.Logger
	policy     Policy
	idleWindow time.Duration
	maxPending int

	mu       sync.Mutex
	state    State
	buffer   []rune
	onToken  TokenHandler
	scan     *Scan
	sub      *keystroke.Subscription
	deadline *clock.Timer
	idle     *clock.Timer

	// gen changes on every transition into or out of Scanning. Timer
	// and key callbacks carry the generation they were armed under and
	// do nothing once it is stale.
	gen    uint64
	nextID uint64

	observers []func(Outcome)
}

// New creates a session reading from hub.
func New(hub *keystroke.Hub, opts ...Option) *Session {
	s := &Session{
		hub:        hub,
		clock:      clock.Real(),
		logger:     slog.Default(),
		idleWindow: IdleWindow,
		maxPending: MaxPending,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnOutcome registers fn to be called for every resolved scan.
func (s *Session) OnOutcome(fn func(Outcome)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start begins a scan. onToken may be nil when the caller only uses the
// returned Scan.
func (s *Session) Start(onToken TokenHandler, timeout time.Duration) (*Scan, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidArgument, timeout)
	}
	if onToken == nil {
		onToken = func(string) {}
	}

	s.mu.Lock()
	var superseded *Scan
	if s.state == StateScanning {
		if s.policy == RejectPolicy {
			s.mu.Unlock()
			return nil, ErrAlreadyScanning
		}
		superseded = s.resetLocked()
	}

	s.gen++
	gen := s.gen
	sub, err := s.hub.Acquire(func(ev keystroke.KeyEvent) { s.handleKey(gen, ev) })
	if err != nil {
		s.mu.Unlock()
		if superseded != nil {
			s.finish(superseded, Outcome{Kind: OutcomeSuperseded})
		}
		return nil, fmt.Errorf("acquire keystroke hub: %w", err)
	}

	s.nextID++
	scan := newScan(s, s.nextID, s.clock.Now(), timeout)
	s.sub = sub
	s.buffer = s.buffer[:0]
	s.onToken = onToken
	s.scan = scan
	s.state = StateScanning
	s.deadline = s.clock.AfterFunc(timeout, func() { s.expire(gen) })
	s.mu.Unlock()

	if superseded != nil {
		s.logger.Info("scan superseded", "scan_id", superseded.ID, "by", scan.ID)
		s.finish(superseded, Outcome{Kind: OutcomeSuperseded})
	}
	s.logger.Debug("scan started", "scan_id", scan.ID, "timeout", timeout)
	return scan, nil
}

// Stop ends the current scan, if any, without invoking its handler.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	scan := s.resetLocked()
	s.mu.Unlock()

	s.logger.Debug("scan stopped", "scan_id", scan.ID)
	s.finish(scan, Outcome{Kind: OutcomeStopped})
}

// cancel stops the session only if sc is still the active scan.
func (s *Session) cancel(sc *Scan) {
	s.mu.Lock()
	if s.state == StateIdle || s.scan != sc {
		s.mu.Unlock()
		return
	}
	scan := s.resetLocked()
	s.mu.Unlock()

	s.logger.Debug("scan cancelled", "scan_id", scan.ID)
	s.finish(scan, Outcome{Kind: OutcomeStopped})
}

// IsScanning reports whether a scan is in progress.
func (s *Session) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateScanning
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the scan in progress, or nil.
func (s *Session) Active() *Scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan
}

// CurrentBuffer returns a snapshot of the pending buffer, for
// diagnostics only.
func (s *Session) CurrentBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buffer)
}

// resetLocked returns the session to Idle and hands back the scan that
// was active. Caller holds s.mu and must resolve the scan after
// unlocking.
func (s *Session) resetLocked() *Scan {
	s.sub.Release()
	s.sub = nil
	s.deadline.Stop()
	s.deadline = nil
	s.idle.Stop()
	s.idle = nil
	s.buffer = s.buffer[:0]
	s.onToken = nil
	s.state = StateIdle
	s.gen++

	scan := s.scan
	s.scan = nil
	return scan
}

// handleKey runs once per key event delivered by the hub.
func (s *Session) handleKey(gen uint64, ev keystroke.KeyEvent) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateScanning {
		s.mu.Unlock()
		return
	}

	switch ev.Type() {
	case keystroke.InputTypeReturn:
		if len(s.buffer) == 0 {
			break
		}
		// A buffer of only spaces still resolves, with an empty token.
		token := strings.TrimSpace(string(s.buffer))
		handler := s.onToken
		scan := s.resetLocked()
		s.mu.Unlock()

		s.logger.Info("token decoded",
			"scan_id", scan.ID,
			"fingerprint", logging.Fingerprint(token),
			"length", len(token))
		handler(token)
		s.finish(scan, Outcome{Kind: OutcomeToken, Token: token})
		return

	case keystroke.InputTypeBackspace:
		if n := len(s.buffer); n > 0 {
			s.buffer = s.buffer[:n-1]
		}

	case keystroke.InputTypeCharacter:
		s.buffer = append(s.buffer, []rune(ev.Key)...)
		s.idle.Stop()
		s.idle = s.clock.AfterFunc(s.idleWindow, func() { s.checkOverflow(gen) })
	}
	s.mu.Unlock()
}

// checkOverflow discards the pending buffer if it grew past maxPending
// without a terminator. The scan keeps running.
func (s *Session) checkOverflow(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateScanning {
		return
	}
	s.idle = nil
	if n := len(s.buffer); n > s.maxPending {
		s.logger.Debug("pending buffer overflow, discarding", "length", n, "limit", s.maxPending)
		s.buffer = s.buffer[:0]
	}
}

// expire ends the scan when its deadline passes.
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	scan := s.resetLocked()
	s.mu.Unlock()

	s.logger.Info("scan timed out", "scan_id", scan.ID, "timeout", scan.Timeout)
	s.finish(scan, Outcome{Kind: OutcomeTimedOut})
}

// finish resolves scan and notifies observers.
func (s *Session) finish(scan *Scan, o Outcome) {
	if scan == nil {
		return
	}
	now := s.clock.Now()
	o.ScanID = scan.ID
	o.At = now
	o.Elapsed = now.Sub(scan.StartedAt)
	if !scan.resolve(o) {
		return
	}

	s.mu.Lock()
	observers := append([]func(Outcome){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(o)
	}
}
