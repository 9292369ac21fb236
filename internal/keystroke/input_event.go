package keystroke

import (
	"time"
	"unicode/utf8"
)

// Named keys. Printable keys are identified by the character they
// produce; everything else uses one of these names.
const (
	KeyEnter     = "Enter"
	KeyKPEnter   = "KPEnter"
	KeyBackspace = "Backspace"
	KeyTab       = "Tab"
	KeyEscape    = "Escape"
	KeyDelete    = "Delete"
	KeyShift     = "Shift"
	KeyControl   = "Control"
	KeyAlt       = "Alt"
	KeyMeta      = "Meta"
	KeyCapsLock  = "CapsLock"
	KeyUp        = "ArrowUp"
	KeyDown      = "ArrowDown"
	KeyLeft      = "ArrowLeft"
	KeyRight     = "ArrowRight"
	KeyHome      = "Home"
	KeyEnd       = "End"
	KeyPageUp    = "PageUp"
	KeyPageDown  = "PageDown"
	KeyInsert    = "Insert"
)

// KeyEvent is a single key press as seen by the decoder.
type KeyEvent struct {
	// Key is one printable character or a named key such as "Enter".
	Key string `json:"key"`

	// Code is the raw device key code, 0 when the source has none.
	Code uint16 `json:"code,omitempty"`

	// Device identifies where the event came from.
	Device string `json:"device,omitempty"`

	// Repeat is set for autorepeat events.
	Repeat bool `json:"repeat,omitempty"`

	Time time.Time `json:"time"`
}

// InputType categorizes key events for the decoder.
type InputType int

const (
	InputTypeUnknown   InputType = iota
	InputTypeCharacter           // One printable character
	InputTypeBackspace           // Backspace
	InputTypeReturn              // Enter / keypad Enter
	InputTypeNamed               // Any other named key
)

// String returns the input type name.
func (t InputType) String() string {
	switch t {
	case InputTypeCharacter:
		return "character"
	case InputTypeBackspace:
		return "backspace"
	case InputTypeReturn:
		return "return"
	case InputTypeNamed:
		return "named"
	default:
		return "unknown"
	}
}

// Type classifies the event. A key whose identifier is exactly one
// rune is a character; Enter and Backspace have their own types;
// everything else is a named key.
func (e KeyEvent) Type() InputType {
	switch e.Key {
	case "":
		return InputTypeUnknown
	case KeyEnter, KeyKPEnter:
		return InputTypeReturn
	case KeyBackspace:
		return InputTypeBackspace
	}
	if utf8.RuneCountInString(e.Key) == 1 {
		r, _ := utf8.DecodeRuneInString(e.Key)
		if r == utf8.RuneError || r < 0x20 || r == 0x7f {
			return InputTypeUnknown
		}
		return InputTypeCharacter
	}
	return InputTypeNamed
}

// BurstDetector recognizes keyboard-wedge bursts in a keystroke stream.
// Readers type a whole card identifier with sub-100ms gaps; people
// don't sustain that for more than a few keys.
type BurstDetector struct {
	minBurstSize     int
	maxBurstInterval time.Duration

	lastCharTime   time.Time
	burstStartTime time.Time
	burstCharCount int
}

// NewBurstDetector creates a detector that reports a burst once
// minBurstSize characters arrive with gaps no longer than maxInterval.
func NewBurstDetector(minBurstSize int, maxInterval time.Duration) *BurstDetector {
	if minBurstSize <= 0 {
		minBurstSize = 6
	}
	if maxInterval <= 0 {
		maxInterval = 100 * time.Millisecond
	}
	return &BurstDetector{
		minBurstSize:     minBurstSize,
		maxBurstInterval: maxInterval,
	}
}

// OnCharacter processes a character at now and returns true if the
// current run of characters looks like a reader burst.
func (d *BurstDetector) OnCharacter(now time.Time) bool {
	if d.lastCharTime.IsZero() || now.Sub(d.lastCharTime) > d.maxBurstInterval {
		d.burstStartTime = now
		d.burstCharCount = 1
	} else {
		d.burstCharCount++
	}
	d.lastCharTime = now
	return d.burstCharCount >= d.minBurstSize
}

// BurstLength returns the number of characters in the current run.
func (d *BurstDetector) BurstLength() int {
	return d.burstCharCount
}

// Reset resets the detector state.
func (d *BurstDetector) Reset() {
	d.lastCharTime = time.Time{}
	d.burstStartTime = time.Time{}
	d.burstCharCount = 0
}
