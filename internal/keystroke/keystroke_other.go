//go:build !linux

package keystroke

import "context"

// EvdevConfig selects the input device a reader is attached to.
type EvdevConfig struct {
	DevicePath string
	NameMatch  string
	Grab       bool
	NumLock    bool
}

// EvdevSource is unavailable outside Linux.
type EvdevSource struct {
	BaseSource
}

// NewEvdevSource creates a stub evdev source.
func NewEvdevSource(cfg EvdevConfig) *EvdevSource {
	return &EvdevSource{}
}

// ListDevices is unavailable outside Linux.
func ListDevices() ([]InputDevice, error) {
	return nil, ErrNotAvailable
}

// Name returns "evdev".
func (e *EvdevSource) Name() string { return "evdev" }

// Device returns an empty device.
func (e *EvdevSource) Device() InputDevice { return InputDevice{} }

// Available returns false on unsupported platforms.
func (e *EvdevSource) Available() (bool, string) {
	return false, "evdev input requires Linux"
}

// Start returns ErrNotAvailable.
func (e *EvdevSource) Start(ctx context.Context, sink Sink) error {
	return ErrNotAvailable
}

// Stop is a no-op.
func (e *EvdevSource) Stop() error { return nil }

// Done returns a closed channel.
func (e *EvdevSource) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Err returns nil.
func (e *EvdevSource) Err() error { return nil }

// Grab is a no-op.
func (e *EvdevSource) Grab() error { return nil }

// Ungrab is a no-op.
func (e *EvdevSource) Ungrab() error { return nil }
