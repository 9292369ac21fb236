// Package config handles configuration loading, validation, and management for cardwedged.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Source kinds accepted in reader.source.
const (
	SourceEvdev     = "evdev"
	SourceTerminal  = "terminal"
	SourceSimulated = "simulated"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Reader selects where keystrokes come from.
	Reader ReaderConfig `toml:"reader" json:"reader" yaml:"reader"`

	// Scan configures the capture session.
	Scan ScanConfig `toml:"scan" json:"scan" yaml:"scan"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the Unix socket caller surface.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// DBus configuration for the session bus caller surface.
	DBus DBusConfig `toml:"dbus" json:"dbus" yaml:"dbus"`

	// Hotplug configures reader attach/detach detection.
	Hotplug HotplugConfig `toml:"hotplug" json:"hotplug" yaml:"hotplug"`

	// Events configures the IPC event stream.
	Events EventsConfig `toml:"events" json:"events" yaml:"events"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ReaderConfig selects the keystroke source.
type ReaderConfig struct {
	// Source is one of "evdev", "terminal" or "simulated".
	Source string `toml:"source" json:"source" yaml:"source"`

	// DevicePath is an explicit /dev/input node for the evdev source.
	DevicePath string `toml:"device_path" json:"device_path" yaml:"device_path"`

	// NameMatch selects the first keyboard whose name contains it.
	NameMatch string `toml:"name_match" json:"name_match" yaml:"name_match"`

	// Grab takes exclusive ownership of the device during a scan.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`

	// NumLock is the assumed NumLock state at startup.
	NumLock bool `toml:"numlock" json:"numlock" yaml:"numlock"`
}

// ScanConfig configures the capture session.
type ScanConfig struct {
	// DefaultTimeoutMs applies when a caller passes no timeout.
	DefaultTimeoutMs int `toml:"default_timeout_ms" json:"default_timeout_ms" yaml:"default_timeout_ms"`

	// Policy is "supersede" (default) or "reject".
	Policy string `toml:"policy" json:"policy" yaml:"policy"`

	// IdleWindowMs is the quiet period after which a partial buffer
	// is checked for overflow.
	IdleWindowMs int `toml:"idle_window_ms" json:"idle_window_ms" yaml:"idle_window_ms"`

	// MaxPending is the buffer length above which a stalled buffer is
	// discarded.
	MaxPending int `toml:"max_pending" json:"max_pending" yaml:"max_pending"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file rotates.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the scan audit trail. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives panic reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// IPCConfig holds Unix socket configuration.
type IPCConfig struct {
	// Enabled turns the socket server on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the listening socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal socket mode, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections caps concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the idle read timeout per connection.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// AllowedUIDs restricts peers by uid. Empty allows the daemon's own
	// uid and root.
	AllowedUIDs []int `toml:"allowed_uids" json:"allowed_uids" yaml:"allowed_uids"`
}

// DBusConfig holds D-Bus configuration.
type DBusConfig struct {
	// Enabled exports the reader on the session bus.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SystemBus uses the system bus instead of the session bus.
	SystemBus bool `toml:"system_bus" json:"system_bus" yaml:"system_bus"`
}

// HotplugConfig holds reader hotplug configuration.
type HotplugConfig struct {
	// Enabled watches /dev/input for the reader.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DebounceMs collapses bursts of device node events.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// EventsConfig holds IPC event stream configuration.
type EventsConfig struct {
	// IncludeToken puts decoded tokens in scan_finished events.
	IncludeToken bool `toml:"include_token" json:"include_token" yaml:"include_token"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	source := SourceEvdev
	if runtime.GOOS != "linux" {
		source = SourceTerminal
	}
	stateDir := logging.StateDir()

	return &Config{
		Version: Version,
		Reader: ReaderConfig{
			Source:  source,
			Grab:    true,
			NumLock: true,
		},
		Scan: ScanConfig{
			DefaultTimeoutMs: int(capture.DefaultTimeout / time.Millisecond),
			Policy:           "supersede",
			IdleWindowMs:     int(capture.IdleWindow / time.Millisecond),
			MaxPending:       capture.MaxPending,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(stateDir, "cardwedged.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
			AuditPath:  filepath.Join(stateDir, "audit.log"),
			CrashDir:   filepath.Join(stateDir, "crashes"),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     300,
		},
		DBus: DBusConfig{
			Enabled: false,
		},
		Hotplug: HotplugConfig{
			Enabled:    runtime.GOOS == "linux",
			DebounceMs: 250,
		},
	}
}

// defaultSocketPath returns $XDG_RUNTIME_DIR/cardwedge.sock, or a
// per-user path under the temp directory when no runtime dir exists.
func defaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "cardwedge.sock")
}

// Load reads the configuration from path. The format is chosen by file
// extension. A missing file yields defaults. Env overrides are applied
// but the result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		cfg, err = loadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditPath),
		c.Logging.CrashDir,
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	c.mu.RUnlock()

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with CARDWEDGE_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reader overrides
	if v := os.Getenv("CARDWEDGE_SOURCE"); v != "" {
		c.Reader.Source = v
	}
	if v := os.Getenv("CARDWEDGE_DEVICE"); v != "" {
		c.Reader.DevicePath = v
	}
	if v := os.Getenv("CARDWEDGE_DEVICE_NAME"); v != "" {
		c.Reader.NameMatch = v
	}
	if v, ok := envBool("CARDWEDGE_GRAB"); ok {
		c.Reader.Grab = v
	}

	// Scan overrides
	if v, ok := envInt("CARDWEDGE_SCAN_TIMEOUT_MS"); ok {
		c.Scan.DefaultTimeoutMs = v
	}
	if v := os.Getenv("CARDWEDGE_SCAN_POLICY"); v != "" {
		c.Scan.Policy = v
	}

	// Logging overrides
	if v := os.Getenv("CARDWEDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CARDWEDGE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CARDWEDGE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("CARDWEDGE_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	// D-Bus overrides
	if v, ok := envBool("CARDWEDGE_DBUS"); ok {
		c.DBus.Enabled = v
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Reader:  c.Reader,
		Scan:    c.Scan,
		Logging: c.Logging,
		IPC:     c.IPC,
		DBus:    c.DBus,
		Hotplug: c.Hotplug,
		Events:  c.Events,
	}
	if c.IPC.AllowedUIDs != nil {
		clone.IPC.AllowedUIDs = append([]int(nil), c.IPC.AllowedUIDs...)
	}
	return clone
}

// DefaultTimeout returns the scan timeout used when a caller passes none.
func (s ScanConfig) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutMs) * time.Millisecond
}

// IdleWindow returns the idle overflow window.
func (s ScanConfig) IdleWindow() time.Duration {
	return time.Duration(s.IdleWindowMs) * time.Millisecond
}

// SessionOptions converts the scan section into capture options.
func (s ScanConfig) SessionOptions() ([]capture.Option, error) {
	policy, err := capture.ParsePolicy(s.Policy)
	if err != nil {
		return nil, err
	}
	opts := []capture.Option{capture.WithPolicy(policy)}
	if s.IdleWindowMs > 0 {
		opts = append(opts, capture.WithIdleWindow(s.IdleWindow()))
	}
	if s.MaxPending > 0 {
		opts = append(opts, capture.WithMaxPending(s.MaxPending))
	}
	return opts, nil
}

// Evdev converts the reader section into an evdev source configuration.
func (r ReaderConfig) Evdev() keystroke.EvdevConfig {
	return keystroke.EvdevConfig{
		DevicePath: r.DevicePath,
		NameMatch:  r.NameMatch,
		Grab:       r.Grab,
		NumLock:    r.NumLock,
	}
}

// ToLogging converts the logging section into a logger configuration.
func (l LoggingConfig) ToLogging(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     l.Output,
		FilePath:   l.FilePath,
		MaxSize:    int64(l.MaxSizeMB),
		MaxAge:     l.MaxAgeDays,
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
		Component:  component,
	}, nil
}

// Audit returns the audit logger configuration, or nil when the audit
// trail is disabled.
func (l LoggingConfig) Audit(component string) *logging.AuditLoggerConfig {
	if l.AuditPath == "" {
		return nil
	}
	cfg := logging.DefaultAuditConfig()
	cfg.FilePath = l.AuditPath
	cfg.Component = component
	return cfg
}

// SocketMode parses the IPC permissions string.
func (i IPCConfig) SocketMode() os.FileMode {
	if i.Permissions == "" {
		return 0600
	}
	mode, err := strconv.ParseUint(i.Permissions, 8, 32)
	if err != nil {
		return 0600
	}
	return os.FileMode(mode)
}

// Timeout returns the per-connection idle timeout.
func (i IPCConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSec) * time.Second
}

// Debounce returns the hotplug debounce interval.
func (h HotplugConfig) Debounce() time.Duration {
	return time.Duration(h.DebounceMs) * time.Millisecond
}
