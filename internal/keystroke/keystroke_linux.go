//go:build linux

package keystroke

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// eviocgrab is _IOW('E', 0x90, int).
const eviocgrab = 0x40044590

// EvdevConfig selects the input device a reader is attached to.
type EvdevConfig struct {
	// DevicePath is an explicit /dev/input node. Takes precedence over
	// NameMatch.
	DevicePath string

	// NameMatch selects the first keyboard whose name contains it.
	NameMatch string

	// Grab takes exclusive ownership of the device while a consumer
	// holds the hub, so reader keystrokes don't leak to the desktop.
	Grab bool

	// NumLock is the assumed initial NumLock state for keypad digits.
	NumLock bool
}

// EvdevSource reads key events from a Linux /dev/input/event* node.
type EvdevSource struct {
	BaseSource
	config EvdevConfig

	mu      sync.Mutex
	file    *os.File
	device  InputDevice
	grabbed bool
	cancel  context.CancelFunc
	done    chan struct{}
	readErr error
}

// NewEvdevSource creates an evdev source.
func NewEvdevSource(cfg EvdevConfig) *EvdevSource {
	return &EvdevSource{config: cfg}
}

// Name returns the source name including the device, once resolved.
func (e *EvdevSource) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device.Path() == "" {
		return "evdev"
	}
	return "evdev:" + e.device.Path()
}

// Device returns the device the source is (or was last) reading.
func (e *EvdevSource) Device() InputDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// ListDevices returns the input devices known to the kernel.
func ListDevices() ([]InputDevice, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	devices, err := ParseInputDevices(f)
	if err != nil {
		return nil, err
	}

	// by-id keyboard links, for readers whose capability bitmap is small.
	matches, _ := filepath.Glob("/dev/input/by-id/*-event-kbd")
	for _, link := range matches {
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		for i := range devices {
			if devices[i].Path() == target {
				devices[i].Keyboard = true
			}
		}
	}
	return devices, nil
}

func (e *EvdevSource) resolve() (InputDevice, error) {
	devices, err := ListDevices()
	if err != nil && e.config.DevicePath == "" {
		return InputDevice{}, fmt.Errorf("list input devices: %w", err)
	}
	dev, ok := SelectDevice(devices, e.config.DevicePath, e.config.NameMatch)
	if !ok {
		if e.config.NameMatch != "" {
			return InputDevice{}, fmt.Errorf("no keyboard device matching %q: %w", e.config.NameMatch, ErrNotAvailable)
		}
		return InputDevice{}, fmt.Errorf("no keyboard devices found: %w", ErrNotAvailable)
	}
	return dev, nil
}

// Available checks if the configured device can be opened.
func (e *EvdevSource) Available() (bool, string) {
	dev, err := e.resolve()
	if err != nil {
		return false, err.Error()
	}
	f, err := os.OpenFile(dev.Path(), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, "cannot read input devices (need to be in 'input' group or run as root)"
		}
		return false, fmt.Sprintf("cannot open %s: %v", dev.Path(), err)
	}
	f.Close()
	return true, fmt.Sprintf("found reader device: %s (%s)", dev.Path(), dev.Name)
}

// Start opens the device and begins reading events.
func (e *EvdevSource) Start(ctx context.Context, sink Sink) error {
	if e.IsRunning() {
		return ErrAlreadyRunning
	}

	dev, err := e.resolve()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dev.Path(), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("open %s: %w", dev.Path(), ErrPermissionDenied)
		}
		return fmt.Errorf("open %s: %w", dev.Path(), err)
	}

	if err := e.attach(sink); err != nil {
		f.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.file = f
	e.device = dev
	e.cancel = cancel
	e.grabbed = false
	e.done = make(chan struct{})
	e.readErr = nil
	done := e.done
	e.mu.Unlock()

	go e.readLoop(f, newEvdevTranslator(dev.Path(), e.config.NumLock), done)
	go func() {
		<-ctx.Done()
		// Closing the file unblocks the pending Read.
		f.Close()
	}()

	return nil
}

func (e *EvdevSource) readLoop(f *os.File, tr *evdevTranslator, done chan struct{}) {
	defer close(done)
	defer e.detach()

	buf := make([]byte, inputEventSize*64)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				e.mu.Lock()
				e.readErr = err
				e.mu.Unlock()
			}
			return
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			if ev, ok := tr.translate(decodeInputEvent(buf[off : off+inputEventSize])); ok {
				e.Emit(ev)
			}
		}
	}
}

// Done is closed when the read loop exits, either because Stop was
// called or because the device went away.
func (e *EvdevSource) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err returns the error that ended the last read loop, if any.
func (e *EvdevSource) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readErr
}

// Stop stops reading and releases the device.
func (e *EvdevSource) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	_ = e.Ungrab()
	cancel()
	<-done

	e.mu.Lock()
	e.file = nil
	e.mu.Unlock()
	return nil
}

// Grab takes exclusive ownership of the device. A no-op unless the
// source is configured to grab.
func (e *EvdevSource) Grab() error {
	return e.setGrab(true)
}

// Ungrab releases exclusive ownership of the device.
func (e *EvdevSource) Ungrab() error {
	return e.setGrab(false)
}

func (e *EvdevSource) setGrab(on bool) error {
	if !e.config.Grab {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil || e.grabbed == on {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	// SyscallConn keeps the descriptor non-blocking, unlike Fd.
	rc, err := e.file.SyscallConn()
	if err != nil {
		return fmt.Errorf("EVIOCGRAB %s: %w", e.device.Path(), err)
	}
	var ioctlErr error
	if err := rc.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetInt(int(fd), eviocgrab, v)
	}); err != nil {
		return fmt.Errorf("EVIOCGRAB %s: %w", e.device.Path(), err)
	}
	if ioctlErr != nil {
		return fmt.Errorf("EVIOCGRAB %s: %w", e.device.Path(), ioctlErr)
	}
	e.grabbed = on
	return nil
}
