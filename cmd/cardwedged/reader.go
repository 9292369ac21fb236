package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cardwedge/internal/capture"
	"cardwedge/internal/config"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
)

// readerManager owns the keystroke source feeding the hub and restarts
// it when the reader is replugged.
type readerManager struct {
	hub    *keystroke.Hub
	crash  *logging.CrashHandler
	logger *slog.Logger

	mu        sync.Mutex
	cfg       config.ReaderConfig
	source    keystroke.Source
	connected bool
	cancel    context.CancelFunc
}

func newReaderManager(hub *keystroke.Hub, cfg config.ReaderConfig, crash *logging.CrashHandler, logger *slog.Logger) *readerManager {
	return &readerManager{
		hub:    hub,
		cfg:    cfg,
		crash:  crash,
		logger: logger,
	}
}

func newSource(cfg config.ReaderConfig) (keystroke.Source, error) {
	switch cfg.Source {
	case config.SourceEvdev:
		return keystroke.NewEvdevSource(cfg.Evdev()), nil
	case config.SourceTerminal:
		return keystroke.NewTerminalSource(os.Stdin), nil
	case config.SourceSimulated:
		return keystroke.NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unknown reader source %q", cfg.Source)
	}
}

// SourceName implements ipc.ReaderStatus.
func (r *readerManager) SourceName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return r.cfg.Source
	}
	return r.source.Name()
}

// ReaderConnected implements ipc.ReaderStatus.
func (r *readerManager) ReaderConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// DevicePath returns the evdev node being read, if any.
func (r *readerManager) DevicePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.source.(*keystroke.EvdevSource); ok && r.connected {
		return ev.Device().Path()
	}
	return ""
}

// Source returns the current source.
func (r *readerManager) Source() keystroke.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Start creates a source from the current configuration and starts it.
func (r *readerManager) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(ctx)
}

func (r *readerManager) startLocked(ctx context.Context) error {
	if r.connected {
		return nil
	}
	if r.source == nil {
		src, err := newSource(r.cfg)
		if err != nil {
			return err
		}
		r.source = src
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := r.source.Start(runCtx, r.hub.Publish); err != nil {
		cancel()
		return fmt.Errorf("start %s source: %w", r.cfg.Source, err)
	}
	r.cancel = cancel
	r.connected = true

	if ev, ok := r.source.(*keystroke.EvdevSource); ok {
		if r.cfg.Grab {
			r.hub.SetGrabber(ev)
		}
		r.crash.Go("reader-exit", func() { r.awaitExit(ev) })
		r.logger.Info("reader started", "device", ev.Device().Path(), "name", ev.Device().Name)
	} else {
		r.logger.Info("reader started", "source", r.source.Name())
	}
	return nil
}

// awaitExit marks the reader disconnected when the device read loop
// ends, which is how an unplugged evdev node shows up.
func (r *readerManager) awaitExit(ev *keystroke.EvdevSource) {
	<-ev.Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != keystroke.Source(ev) || !r.connected {
		return
	}
	r.connected = false
	r.hub.SetGrabber(nil)
	if err := ev.Err(); err != nil {
		r.logger.Warn("reader lost", "device", ev.Device().Path(), "error", err)
	}
}

// Stop stops the source. The source object is kept so Start can reuse it.
func (r *readerManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *readerManager) stopLocked() {
	if r.source == nil {
		return
	}
	r.hub.SetGrabber(nil)
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if err := r.source.Stop(); err != nil {
		r.logger.Debug("stop reader", "error", err)
	}
	r.connected = false
}

// Restart stops the source and starts it again. evdev device selection
// runs again, so a replugged reader is found under its new node.
func (r *readerManager) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	return r.startLocked(ctx)
}

// Reconfigure switches to cfg, replacing the source.
func (r *readerManager) Reconfigure(ctx context.Context, cfg config.ReaderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.cfg = cfg
	r.source = nil
	return r.startLocked(ctx)
}

// burstWatcher warns when reader-speed input arrives while no scan is
// active. Those keystrokes went to whatever window had focus.
type burstWatcher struct {
	mu       sync.Mutex
	detector *keystroke.BurstDetector
	reported bool
	logger   *slog.Logger
	now      func() time.Time
}

func newBurstWatcher(logger *slog.Logger) *burstWatcher {
	return &burstWatcher{
		detector: keystroke.NewBurstDetector(6, capture.IdleWindow),
		logger:   logger,
		now:      time.Now,
	}
}

func (b *burstWatcher) observe(ev keystroke.KeyEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Type() != keystroke.InputTypeCharacter {
		if ev.Type() == keystroke.InputTypeReturn {
			b.detector.Reset()
			b.reported = false
		}
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = b.now()
	}
	if b.detector.OnCharacter(at) {
		if !b.reported {
			b.logger.Warn("reader input while no scan is active", "device", ev.Device)
			b.reported = true
		}
	} else if b.detector.BurstLength() == 1 {
		b.reported = false
	}
}
