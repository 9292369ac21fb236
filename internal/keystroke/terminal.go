package keystroke

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// controlKeys names the control bytes a terminal sends for keys the
// decoder understands.
var controlKeys = map[byte]string{
	8:   KeyBackspace, // Ctrl-H
	9:   KeyTab,
	10:  KeyEnter, // LF, sent by some readers instead of CR
	13:  KeyEnter, // CR
	27:  KeyEscape,
	127: KeyBackspace, // DEL
}

// csiKeys maps the final byte of simple CSI sequences.
var csiKeys = map[string]string{
	"A": KeyUp, "B": KeyDown, "C": KeyRight, "D": KeyLeft,
	"H": KeyHome, "F": KeyEnd,
	"2~": KeyInsert, "3~": KeyDelete, "5~": KeyPageUp, "6~": KeyPageDown,
}

// terminalDecoder converts a raw terminal byte stream into key names.
type terminalDecoder struct {
	pending []byte
}

// feed consumes chunk and returns the keys it completes. An ESC at the
// very end of a chunk is reported as Escape, since a reader never sends
// one and a human pressing Escape produces a lone byte.
func (d *terminalDecoder) feed(chunk []byte) []string {
	data := append(d.pending, chunk...)
	d.pending = nil

	var keys []string
	for i := 0; i < len(data); {
		b := data[i]

		if b == 27 {
			if i+1 >= len(data) {
				keys = append(keys, KeyEscape)
				i++
				continue
			}
			if data[i+1] != '[' && data[i+1] != 'O' {
				keys = append(keys, KeyEscape)
				i++
				continue
			}
			// CSI / SS3: parameters then a final byte in 0x40-0x7e.
			j := i + 2
			for j < len(data) && (data[j] < 0x40 || data[j] > 0x7e) {
				j++
			}
			if j >= len(data) {
				d.pending = append(d.pending, data[i:]...)
				break
			}
			seq := string(data[i+2 : j+1])
			if name, ok := csiKeys[seq]; ok {
				keys = append(keys, name)
			} else {
				keys = append(keys, "CSI"+seq)
			}
			i = j + 1
			continue
		}

		if name, ok := controlKeys[b]; ok {
			// Collapse CRLF into a single Enter.
			if b == 10 && i > 0 && data[i-1] == 13 {
				i++
				continue
			}
			keys = append(keys, name)
			i++
			continue
		}
		if b < 0x20 {
			keys = append(keys, fmt.Sprintf("^%c", b+'@'))
			i++
			continue
		}

		if !utf8.FullRune(data[i:]) {
			d.pending = append(d.pending, data[i:]...)
			break
		}
		r, size := utf8.DecodeRune(data[i:])
		if r != utf8.RuneError {
			keys = append(keys, string(r))
		}
		i += size
	}
	return keys
}

// TerminalSource reads keys from a terminal in raw mode. Useful when a
// reader is plugged into a machine without evdev access, or for manual
// testing with a keyboard.
type TerminalSource struct {
	BaseSource

	in     *os.File
	mu     sync.Mutex
	old    *term.State
	cancel context.CancelFunc
}

// NewTerminalSource reads from in (usually os.Stdin).
func NewTerminalSource(in *os.File) *TerminalSource {
	return &TerminalSource{in: in}
}

// Name returns "terminal".
func (t *TerminalSource) Name() string { return "terminal" }

// Available reports whether in is a terminal.
func (t *TerminalSource) Available() (bool, string) {
	if !term.IsTerminal(int(t.in.Fd())) {
		return false, "input is not a terminal"
	}
	return true, "terminal input on " + t.in.Name()
}

// Start puts the terminal in raw mode and begins reading.
func (t *TerminalSource) Start(ctx context.Context, sink Sink) error {
	fd := int(t.in.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("%s: %w", t.in.Name(), ErrNotAvailable)
	}
	if err := t.attach(sink); err != nil {
		return err
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		t.detach()
		return fmt.Errorf("enable raw mode: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.old = state
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(ctx)
	return nil
}

func (t *TerminalSource) readLoop(ctx context.Context) {
	var dec terminalDecoder
	buf := make([]byte, 256)
	for {
		n, err := t.in.Read(buf)
		if ctx.Err() != nil {
			return
		}
		for _, key := range dec.feed(buf[:n]) {
			t.Emit(KeyEvent{Key: key, Device: t.in.Name(), Time: time.Now()})
		}
		if err != nil {
			return
		}
	}
}

// Stop restores the terminal. A read already blocked on the terminal
// returns with the next key press.
func (t *TerminalSource) Stop() error {
	t.mu.Lock()
	cancel, old := t.cancel, t.old
	t.cancel, t.old = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	t.detach()
	if old != nil {
		if err := term.Restore(int(t.in.Fd()), old); err != nil {
			return fmt.Errorf("restore terminal: %w", err)
		}
	}
	return nil
}
