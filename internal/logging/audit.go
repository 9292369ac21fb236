package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditScanStarted    AuditEventType = "scan_started"
	AuditScanFinished   AuditEventType = "scan_finished"
	AuditReaderAttached AuditEventType = "reader_attached"
	AuditReaderDetached AuditEventType = "reader_detached"
	AuditConfigChange   AuditEventType = "config_change"
	AuditError          AuditEventType = "error"
	AuditStartup        AuditEventType = "startup"
	AuditShutdown       AuditEventType = "shutdown"
)

// AuditEvent is one line of the scan audit trail. Tokens never appear
// in it; Fingerprint identifies the card.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	Component   string         `json:"component"`
	ScanID      uint64         `json:"scan_id,omitempty"`
	Device      string         `json:"device,omitempty"`
	Client      string         `json:"client,omitempty"`
	Result      string         `json:"result,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	ElapsedMS   int64          `json:"elapsed_ms,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(StateDir(), "audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "cardwedged",
	}
}

// AuditLogger writes the scan audit trail as JSON lines.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	now     func() time.Time
	mu      sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(RotateOptions{
		Path:       cfg.FilePath,
		MaxSizeMB:  cfg.MaxSize,
		MaxAgeDays: cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		now:     time.Now,
	}, nil
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogScanStarted records a scan request.
func (a *AuditLogger) LogScanStarted(ctx context.Context, scanID uint64, timeout time.Duration, client string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditScanStarted,
		ScanID:    scanID,
		Client:    client,
		Details:   map[string]any{"timeout_ms": timeout.Milliseconds()},
	})
}

// LogScanFinished records how a scan ended. token is fingerprinted,
// never written.
func (a *AuditLogger) LogScanFinished(ctx context.Context, scanID uint64, result, token string, elapsed time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditScanFinished,
		ScanID:      scanID,
		Result:      result,
		Fingerprint: Fingerprint(token),
		ElapsedMS:   elapsed.Milliseconds(),
	})
}

// LogReaderAttached records a reader device appearing.
func (a *AuditLogger) LogReaderAttached(ctx context.Context, device string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditReaderAttached, Device: device})
}

// LogReaderDetached records a reader device disappearing.
func (a *AuditLogger) LogReaderDetached(ctx context.Context, device string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditReaderDetached, Device: device})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditConfigChange,
		Details: map[string]any{
			"setting":   setting,
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditError,
		Result:    "failure",
		Error:     err.Error(),
		Details:   map[string]any{"operation": operation},
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version, source string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditStartup,
		Details:   map[string]any{"version": version, "source": source},
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditShutdown,
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
