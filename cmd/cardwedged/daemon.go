package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cardwedge/internal/capture"
	"cardwedge/internal/config"
	"cardwedge/internal/dbusapi"
	"cardwedge/internal/ipc"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
	"cardwedge/internal/metrics"
	"cardwedge/internal/watcher"
)

// daemon wires the capture session to its callers: the IPC socket,
// D-Bus, the audit trail and the hotplug watcher.
type daemon struct {
	cfgMu   sync.RWMutex
	cfg     *config.Config
	loader  *config.Loader
	version string

	logger *logging.Logger
	audit  *logging.AuditLogger
	crash  *logging.CrashHandler
	stats  *metrics.ScanMetrics

	hub     *keystroke.Hub
	session *capture.Session
	reader  *readerManager
	server  *ipc.Server
	bus     *dbusapi.Service
	hotplug *watcher.Watcher

	// overrides reapplies command-line settings to reloaded configs.
	overrides func(*config.Config)

	// scanCtx maps scan IDs to the context of the request that started
	// them, so finish events carry the same request ID.
	scanCtx sync.Map

	includeToken  atomic.Bool
	stopObserving func()
	wg            sync.WaitGroup
	shutdownOnce  sync.Once
}

func newDaemon(cfg *config.Config, loader *config.Loader, logger *logging.Logger, version string) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		loader:  loader,
		version: version,
		logger:  logger,
		stats:   metrics.NewScanMetrics(nil),
	}
	d.includeToken.Store(cfg.Events.IncludeToken)

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Logging.CrashDir,
		Version:   version,
		Component: "cardwedged",
		Logger:    logger.WithComponent("crash").Logger,
	})

	if auditCfg := cfg.Logging.Audit("cardwedged"); auditCfg != nil {
		audit, err := logging.NewAuditLogger(auditCfg)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
	}

	opts, err := cfg.Scan.SessionOptions()
	if err != nil {
		return nil, err
	}
	d.hub = keystroke.NewHub(logger.WithComponent("hub").Logger)
	d.session = capture.New(d.hub, append(opts, capture.WithLogger(logger.WithComponent("capture").Logger))...)
	d.session.OnOutcome(d.scanFinished)
	d.reader = newReaderManager(d.hub, cfg.Reader, d.crash, logger.WithComponent("reader").Logger)

	burst := newBurstWatcher(logger.WithComponent("reader").Logger)
	d.stopObserving = d.hub.Observe(burst.observe)
	return d, nil
}

// Start brings up the reader and every configured caller surface.
func (d *daemon) Start(ctx context.Context) error {
	if err := d.reader.Start(ctx); err != nil {
		// A missing reader is not fatal with hotplug: it is started on
		// attach.
		if !d.cfg.Hotplug.Enabled || d.cfg.Reader.Source != config.SourceEvdev {
			return err
		}
		d.logger.Warn("reader not available, waiting for hotplug", "error", err)
	}
	d.stats.ReaderConnected.SetBool(d.reader.ReaderConnected())

	if d.cfg.IPC.Enabled {
		if err := d.startIPC(); err != nil {
			d.reader.Stop()
			return err
		}
	}

	if d.cfg.DBus.Enabled {
		bus, err := dbusapi.Start(dbusapi.Config{
			Session:        d.session,
			DefaultTimeout: d.cfg.Scan.DefaultTimeout(),
			SystemBus:      d.cfg.DBus.SystemBus,
			Logger:         d.logger.WithComponent("dbus").Logger,
			OnScanStarted:  d.scanStarted,
		})
		switch {
		case errors.Is(err, dbusapi.ErrUnsupported):
			d.logger.Warn("dbus is not supported on this platform")
		case err != nil:
			d.Shutdown("startup failed")
			return fmt.Errorf("start dbus service: %w", err)
		default:
			d.bus = bus
		}
	}

	if d.cfg.Hotplug.Enabled && d.cfg.Reader.Source == config.SourceEvdev {
		if err := d.startHotplug(ctx); err != nil {
			d.logger.Warn("hotplug detection disabled", "error", err)
		}
	}

	if d.loader != nil {
		d.loader.OnChange(func(old, updated *config.Config) { d.applyConfig(ctx, old, updated) })
		if err := d.loader.Watch(); err != nil {
			d.logger.Warn("config file watch disabled", "error", err)
		} else {
			d.wg.Add(1)
			d.crash.Go("config-errors", func() {
				defer d.wg.Done()
				d.watchConfigErrors(ctx)
			})
		}
	}

	d.audit.LogStartup(ctx, d.version, d.reader.SourceName())
	d.logger.Info("cardwedged started", "version", d.version, "source", d.reader.SourceName())
	return nil
}

func (d *daemon) startIPC() error {
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Session:        d.session,
		Hub:            d.hub,
		Reader:         d.reader,
		Metrics:        d.stats,
		Version:        d.version,
		DefaultTimeout: d.cfg.Scan.DefaultTimeout(),
		Logger:         d.logger.WithComponent("ipc").Logger,
		OnScanStarted:  d.scanStarted,
	})

	serverCfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	serverCfg.Version = d.version
	serverCfg.SocketMode = d.cfg.IPC.SocketMode()
	serverCfg.KeepAlive = d.cfg.IPC.Timeout()
	serverCfg.MaxConnections = d.cfg.IPC.MaxConnections
	serverCfg.AllowedUIDs = d.cfg.IPC.AllowedUIDs
	serverCfg.Logger = d.logger.Logger

	server, err := ipc.NewServer(serverCfg, handler)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	handler.AttachServer(server)
	d.server = server
	return nil
}

func (d *daemon) startHotplug(ctx context.Context) error {
	w, err := watcher.New(watcher.Config{
		Match:    watcher.MatchDevice(d.cfg.Reader.DevicePath),
		Debounce: d.cfg.Hotplug.Debounce(),
		Logger:   d.logger.WithComponent("hotplug").Logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	d.hotplug = w

	d.wg.Add(1)
	d.crash.Go("hotplug", func() {
		defer d.wg.Done()
		d.watchHotplug(ctx, w)
	})
	return nil
}

func (d *daemon) watchHotplug(ctx context.Context, w *watcher.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			d.logger.Warn("hotplug watch error", "error", err)
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			d.handleHotplug(ctx, ev)
		}
	}
}

func (d *daemon) handleHotplug(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.Attached:
		if d.reader.ReaderConnected() {
			return
		}
		if err := d.reader.Restart(ctx); err != nil {
			d.logger.Warn("restart reader", "device", ev.Path, "error", err)
			d.audit.LogError(ctx, "restart reader", err)
			return
		}
		device := d.reader.DevicePath()
		d.stats.ReaderAttached.Inc()
		d.stats.ReaderConnected.Set(1)
		d.audit.LogReaderAttached(ctx, device)
		d.broadcast(ipc.EventReaderAttached, ipc.ReaderEvent{Device: device})

	case watcher.Detached:
		current := d.reader.DevicePath()
		if ev.Path != current && ev.Path != d.config().Reader.DevicePath {
			return
		}
		d.session.Stop()
		d.reader.Stop()
		d.stats.ReaderDetached.Inc()
		d.stats.ReaderConnected.Set(0)
		d.audit.LogReaderDetached(ctx, ev.Path)
		d.broadcast(ipc.EventReaderDetached, ipc.ReaderEvent{Device: ev.Path})
	}
}

func (d *daemon) watchConfigErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.loader.Errors():
			d.logger.Warn("config reload rejected", "error", err)
			d.stats.ConfigRejected.Inc()
			d.audit.LogError(ctx, "reload config", err)
		}
	}
}

// applyConfig applies the settings that can change without a restart.
func (d *daemon) applyConfig(ctx context.Context, old, updated *config.Config) {
	if old == nil {
		old = d.config()
	}
	if d.overrides != nil {
		d.overrides(updated)
	}
	if old.Events.IncludeToken != updated.Events.IncludeToken {
		d.includeToken.Store(updated.Events.IncludeToken)
		d.audit.LogConfigChange(ctx, "events.include_token",
			fmt.Sprint(old.Events.IncludeToken), fmt.Sprint(updated.Events.IncludeToken))
	}
	if old.Reader != updated.Reader {
		d.audit.LogConfigChange(ctx, "reader", old.Reader.Source, updated.Reader.Source)
		d.session.Stop()
		if err := d.reader.Reconfigure(ctx, updated.Reader); err != nil {
			d.logger.Error("apply reader config", "error", err)
			d.audit.LogError(ctx, "apply reader config", err)
		}
		d.stats.ReaderConnected.SetBool(d.reader.ReaderConnected())
	}
	if old.Scan != updated.Scan || old.IPC.SocketPath != updated.IPC.SocketPath || old.DBus != updated.DBus {
		d.logger.Warn("scan, ipc and dbus settings take effect after restart")
	}

	d.cfgMu.Lock()
	d.cfg = updated
	d.cfgMu.Unlock()
	d.stats.ConfigReloads.Inc()
}

func (d *daemon) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// scanStarted is called by the IPC and D-Bus surfaces for every scan
// they start. Requests without a request ID get a generated one.
func (d *daemon) scanStarted(ctx context.Context, scan *capture.Scan, caller string) {
	if logging.RequestIDFromContext(ctx) == "" {
		ctx = logging.ContextWithRequestID(ctx, d.logger.NewRequestID())
	}
	d.scanCtx.Store(scan.ID, ctx)
	if _, done := scan.Outcome(); done {
		d.scanCtx.Delete(scan.ID)
	}

	d.stats.ScanStarted()
	d.logger.WithContext(ctx).Debug("scan started", "scan_id", scan.ID, "caller", caller)
	d.audit.LogScanStarted(ctx, scan.ID, scan.Timeout, caller)
	d.broadcast(ipc.EventScanStarted, ipc.ScanStartedEvent{
		ScanID:    scan.ID,
		TimeoutMS: scan.Timeout.Milliseconds(),
		Caller:    caller,
	})
}

func (d *daemon) scanFinished(o capture.Outcome) {
	d.stats.ScanFinished(o)
	ctx := context.Background()
	if v, ok := d.scanCtx.LoadAndDelete(o.ScanID); ok {
		ctx = v.(context.Context)
	}
	d.audit.LogScanFinished(ctx, o.ScanID, o.Kind.String(), o.Token, o.Elapsed)

	data := ipc.ScanFinishedEvent{
		ScanID:    o.ScanID,
		Outcome:   o.Kind,
		ElapsedMS: o.Elapsed.Milliseconds(),
	}
	if o.Token != "" {
		data.Fingerprint = logging.Fingerprint(o.Token)
		if d.includeToken.Load() {
			data.Token = o.Token
		}
	}
	d.broadcast(ipc.EventScanFinished, data)
}

func (d *daemon) broadcast(eventType ipc.EventType, data any) {
	if d.server == nil {
		return
	}
	ev, err := ipc.NewEvent(eventType, data)
	if err != nil {
		d.logger.Error("encode event", "type", eventType, "error", err)
		return
	}
	d.server.Broadcast(ev)
}

// Shutdown stops every component. It is safe to call more than once.
func (d *daemon) Shutdown(reason string) {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutting down", "reason", reason)
		if d.loader != nil {
			d.loader.Close()
		}
		if d.hotplug != nil {
			d.hotplug.Stop()
		}
		d.session.Stop()
		if d.bus != nil {
			d.bus.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		d.stopObserving()
		d.reader.Stop()
		d.wg.Wait()

		d.audit.LogShutdown(context.Background(), reason)
		d.audit.Close()
	})
}

// Run starts the daemon and blocks until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return err
	}
	d.crash.Go("stats", func() { d.logStats(ctx, time.Minute, d.logger.Logger) })
	<-ctx.Done()

	reason := "signal"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	cancel()
	d.Shutdown(reason)
	return nil
}

// logStats periodically logs hub routing counters at debug level.
func (d *daemon) logStats(ctx context.Context, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.hub.Stats()
			logger.Debug("hub stats",
				"published", stats.Published,
				"consumed", stats.Consumed,
				"observed", stats.Observed,
				"acquired", stats.Acquired,
				"scanning", d.session.IsScanning())
		}
	}
}
