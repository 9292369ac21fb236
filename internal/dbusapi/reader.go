// Package dbusapi exposes the capture session on D-Bus as
// org.cardwedge.Reader1.
package dbusapi

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
)

const (
	BusName    = "org.cardwedge.Reader"
	ObjectPath = dbus.ObjectPath("/org/cardwedge/Reader")
	Interface  = "org.cardwedge.Reader1"

	// MaxTimeout keeps a blocking Scan call under the 25 s default
	// method call timeout of most D-Bus clients.
	MaxTimeout = 20 * time.Second
)

// D-Bus error names returned by Scan.
const (
	ErrorScanActive  = Interface + ".Error.ScanActive"
	ErrorReaderBusy  = Interface + ".Error.ReaderBusy"
	ErrorInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorFailed      = "org.freedesktop.DBus.Error.Failed"
)

// ErrUnsupported is returned by Start where the service cannot run.
var ErrUnsupported = errors.New("dbus service not supported on this platform")

// ErrNameTaken is returned when another process owns BusName.
var ErrNameTaken = errors.New("dbus name already owned")

const introspectXML = `<node>
  <interface name="` + Interface + `">
    <method name="Scan">
      <arg name="timeout_ms" type="i" direction="in"/>
      <arg name="outcome" type="s" direction="out"/>
      <arg name="token" type="s" direction="out"/>
    </method>
    <method name="Stop"/>
    <method name="IsScanning">
      <arg name="scanning" type="b" direction="out"/>
    </method>
    <signal name="ScanFinished">
      <arg name="outcome" type="s"/>
    </signal>
  </interface>` + introspect.IntrospectDataString + `</node>`

// Config configures the D-Bus service.
type Config struct {
	Session        *capture.Session
	DefaultTimeout time.Duration
	SystemBus      bool
	Logger         *slog.Logger

	// OnScanStarted, if set, is called for every scan started over
	// D-Bus with the caller's unique bus name.
	OnScanStarted func(ctx context.Context, scan *capture.Scan, caller string)
}

// Reader is the object exported at ObjectPath. Its exported methods
// are the D-Bus methods of Interface.
type Reader struct {
	session        *capture.Session
	defaultTimeout time.Duration
	logger         *slog.Logger
	onScanStarted  func(ctx context.Context, scan *capture.Scan, caller string)

	mu       sync.Mutex
	byCaller map[string][]*capture.Scan
}

func newReader(cfg Config) *Reader {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = min(capture.DefaultTimeout, MaxTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{
		session:        cfg.Session,
		defaultTimeout: timeout,
		logger:         logger,
		onScanStarted:  cfg.OnScanStarted,
		byCaller:       make(map[string][]*capture.Scan),
	}
}

// Scan starts a scan and blocks until it resolves. It returns the
// outcome kind and, for "token", the token.
func (r *Reader) Scan(sender dbus.Sender, timeoutMs int32) (string, string, *dbus.Error) {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	switch {
	case timeoutMs < 0 || timeout > MaxTimeout:
		return "", "", dbus.NewError(ErrorInvalidArgs, []any{"timeout_ms out of range"})
	case timeoutMs == 0:
		timeout = r.defaultTimeout
	}

	scan, err := r.session.Start(nil, timeout)
	switch {
	case errors.Is(err, capture.ErrAlreadyScanning):
		return "", "", dbus.NewError(ErrorScanActive, []any{"a scan is already in progress"})
	case errors.Is(err, keystroke.ErrBusy):
		return "", "", dbus.NewError(ErrorReaderBusy, []any{"keystroke input is held by another consumer"})
	case err != nil:
		return "", "", dbus.MakeFailedError(err)
	}

	caller := string(sender)
	r.logger.Info("scan requested", "scan_id", scan.ID, "caller", caller, "timeout", timeout)
	if r.onScanStarted != nil {
		r.onScanStarted(context.Background(), scan, "dbus:"+caller)
	}

	r.track(caller, scan)
	defer r.untrack(caller, scan)

	<-scan.Done()
	o, _ := scan.Outcome()
	return o.Kind.String(), o.Token, nil
}

// Stop ends whatever scan is active.
func (r *Reader) Stop() *dbus.Error {
	r.session.Stop()
	return nil
}

// IsScanning reports whether a scan is active.
func (r *Reader) IsScanning() (bool, *dbus.Error) {
	return r.session.IsScanning(), nil
}

func (r *Reader) track(caller string, scan *capture.Scan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCaller[caller] = append(r.byCaller[caller], scan)
}

func (r *Reader) untrack(caller string, scan *capture.Scan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scans := slices.DeleteFunc(r.byCaller[caller], func(s *capture.Scan) bool { return s == scan })
	if len(scans) == 0 {
		delete(r.byCaller, caller)
		return
	}
	r.byCaller[caller] = scans
}

// dropCaller cancels the scans of a caller that left the bus.
func (r *Reader) dropCaller(name string) {
	r.mu.Lock()
	scans := r.byCaller[name]
	r.mu.Unlock()

	for _, scan := range scans {
		r.logger.Info("caller left bus, cancelling scan", "scan_id", scan.ID, "caller", name)
		scan.Cancel()
	}
}
