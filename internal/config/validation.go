package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cardwedge/internal/capture"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any error list.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// ValidateConfig performs comprehensive validation of the configuration.
// Warnings alone do not fail validation.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported config version %d (supported: 1..%d)", c.Version, Version),
		})
	}

	errs = append(errs, validateReader(&c.Reader)...)
	errs = append(errs, validateScan(&c.Scan)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateHotplug(&c.Hotplug)...)

	if !c.IPC.Enabled && !c.DBus.Enabled {
		errs = append(errs, ValidationError{
			Field:   "ipc.enabled",
			Message: "neither ipc nor dbus is enabled; no caller can start a scan",
		})
	}

	if !errs.HasErrors() {
		return nil
	}
	return errs
}

func validateReader(r *ReaderConfig) ValidationErrors {
	var errs ValidationErrors

	switch r.Source {
	case SourceEvdev, SourceTerminal, SourceSimulated:
	default:
		errs = append(errs, ValidationError{
			Field:   "reader.source",
			Message: fmt.Sprintf("invalid source: %q (valid: evdev, terminal, simulated)", r.Source),
		})
	}

	if r.DevicePath != "" && !strings.HasPrefix(r.DevicePath, "/dev/input/") {
		errs = append(errs, ValidationError{
			Field:   "reader.device_path",
			Message: fmt.Sprintf("%s is not under /dev/input", r.DevicePath),
		})
	}

	if r.Source != SourceEvdev && (r.DevicePath != "" || r.NameMatch != "") {
		errs = append(errs, ValidationError{
			Field:   "reader.device_path",
			Message: "device selection is ignored unless source is evdev",
		})
	}

	return errs
}

func validateScan(s *ScanConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DefaultTimeoutMs < 1 {
		errs = append(errs, *RangeError("scan.default_timeout_ms", 1, "∞"))
	}

	if _, err := capture.ParsePolicy(s.Policy); err != nil {
		errs = append(errs, ValidationError{
			Field:   "scan.policy",
			Message: fmt.Sprintf("invalid policy: %q (valid: supersede, reject)", s.Policy),
		})
	}

	if s.IdleWindowMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.idle_window_ms",
			Message: "idle window cannot be negative",
		})
	}

	if s.MaxPending < 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.max_pending",
			Message: "max pending cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, *RequiredFieldError("logging.file_path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

var octalMode = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	// Validate permissions format (Unix only)
	if i.Permissions != "" && !octalMode.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	for _, uid := range i.AllowedUIDs {
		if uid < 0 {
			errs = append(errs, ValidationError{
				Field:   "ipc.allowed_uids",
				Message: fmt.Sprintf("invalid uid %d", uid),
			})
		}
	}

	return errs
}

func validateHotplug(h *HotplugConfig) ValidationErrors {
	var errs ValidationErrors

	if h.Enabled && h.DebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "hotplug.debounce_ms",
			Message: "debounce cannot be negative",
		})
	}

	return errs
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"reader.device_path", // the node may appear once the reader is plugged in
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// Lint returns every validation issue, warnings included.
func Lint(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all ValidationErrors
	all = append(all, validateReader(&c.Reader)...)
	all = append(all, validateScan(&c.Scan)...)
	all = append(all, validateLogging(&c.Logging)...)
	all = append(all, validateIPC(&c.IPC)...)
	all = append(all, validateHotplug(&c.Hotplug)...)
	return all
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
