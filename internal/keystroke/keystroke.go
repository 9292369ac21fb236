// Package keystroke turns keyboard input into logical key events.
//
// A keyboard-wedge reader (RFID or barcode) types its payload as
// ordinary keystrokes followed by Enter. Sources in this package read
// those keystrokes from the platform and hand them to a Hub, which
// delivers each event either to a single exclusive consumer (the
// capture session) or, when nobody holds the hub, to passive observers.
//
// Platform support:
//   - Linux: /dev/input/event* (requires input group or root)
//   - Any terminal: raw stdin via golang.org/x/term
//   - Tests: SimulatedSource
package keystroke

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Sink receives key events from a Source.
type Sink func(KeyEvent)

// Source produces key events.
type Source interface {
	// Start begins delivering events to sink until ctx is done or Stop
	// is called.
	Start(ctx context.Context, sink Sink) error

	// Stop stops delivering events. Safe to call when not running.
	Stop() error

	// Available reports whether the source can run with the current
	// permissions, with a human-readable explanation.
	Available() (bool, string)

	// Name identifies the source in logs and status output.
	Name() string
}

// ErrNotAvailable is returned when a source cannot run on this platform.
var ErrNotAvailable = errors.New("keyboard input not available on this platform")

// ErrPermissionDenied is returned when input devices cannot be opened.
var ErrPermissionDenied = errors.New("insufficient permissions for keyboard input")

// ErrAlreadyRunning is returned when Start is called while already running.
var ErrAlreadyRunning = errors.New("source already running")

// BaseSource provides common functionality for source implementations.
type BaseSource struct {
	mu      sync.RWMutex
	running bool
	sink    Sink
	count   uint64
	last    time.Time
}

// attach marks the source running and installs the sink.
func (b *BaseSource) attach(sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	b.running = true
	b.sink = sink
	return nil
}

// detach marks the source stopped. It reports whether it was running.
func (b *BaseSource) detach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.running
	b.running = false
	b.sink = nil
	return was
}

// Emit counts ev and hands it to the sink, if any.
func (b *BaseSource) Emit(ev KeyEvent) {
	b.mu.Lock()
	if !b.running || b.sink == nil {
		b.mu.Unlock()
		return
	}
	b.count++
	b.last = ev.Time
	sink := b.sink
	b.mu.Unlock()

	sink(ev)
}

// IsRunning returns the running state.
func (b *BaseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Count returns the number of events emitted since creation.
func (b *BaseSource) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LastEvent returns the time of the most recent emitted event.
func (b *BaseSource) LastEvent() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// SimulatedSource is a source for tests and demos that doesn't touch
// real hardware.
type SimulatedSource struct {
	BaseSource
	runMu  sync.Mutex
	run    uint64
	cancel context.CancelFunc
	now    func() time.Time
}

// NewSimulated creates a simulated source.
func NewSimulated() *SimulatedSource {
	return &SimulatedSource{now: time.Now}
}

// Start begins the simulated source.
func (s *SimulatedSource) Start(ctx context.Context, sink Sink) error {
	if err := s.attach(sink); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)

	s.runMu.Lock()
	s.run++
	run := s.run
	s.cancel = cancel
	s.runMu.Unlock()

	go func() {
		<-ctx.Done()
		s.finish(run)
	}()
	return nil
}

// Stop stops the simulated source.
func (s *SimulatedSource) Stop() error {
	s.runMu.Lock()
	run := s.run
	s.runMu.Unlock()
	s.finish(run)
	return nil
}

// finish ends run if it is still the current one.
func (s *SimulatedSource) finish(run uint64) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if run != s.run || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.detach()
}

// Press emits a single key press.
func (s *SimulatedSource) Press(key string) {
	s.Emit(KeyEvent{Key: key, Device: "simulated", Time: s.now()})
}

// Type emits one key press per rune of text. A newline becomes Enter
// and '\b' becomes Backspace, the way a wedge reader would send them.
func (s *SimulatedSource) Type(text string) {
	for _, r := range text {
		switch r {
		case '\n', '\r':
			s.Press(KeyEnter)
		case '\b':
			s.Press(KeyBackspace)
		case '\t':
			s.Press(KeyTab)
		default:
			s.Press(string(r))
		}
	}
}

// Scan types payload followed by Enter.
func (s *SimulatedSource) Scan(payload string) {
	s.Type(strings.TrimRight(payload, "\n") + "\n")
}

// Available returns true (simulated is always available).
func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated source (for testing)"
}

// Name returns "simulated".
func (s *SimulatedSource) Name() string { return "simulated" }
