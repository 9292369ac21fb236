package keystroke

import "unicode"

// Linux input key codes (linux/input-event-codes.h) the decoder cares
// about.
const (
	codeEsc        = 1
	codeBackspace  = 14
	codeTab        = 15
	codeEnter      = 28
	codeLeftCtrl   = 29
	codeLeftShift  = 42
	codeRightShift = 54
	codeLeftAlt    = 56
	codeCapsLock   = 58
	codeNumLock    = 69
	codeKPEnter    = 96
	codeRightCtrl  = 97
	codeRightAlt   = 100
	codeHome       = 102
	codeUp         = 103
	codePageUp     = 104
	codeLeft       = 105
	codeRight      = 106
	codeEnd        = 107
	codeDown       = 108
	codePageDown   = 109
	codeInsert     = 110
	codeDelete     = 111
	codeLeftMeta   = 125
	codeRightMeta  = 126
)

// usLayout maps key codes to the unshifted and shifted characters of a
// US keyboard. Wedge readers almost universally emulate this layout.
var usLayout = map[uint16][2]rune{
	2: {'1', '!'}, 3: {'2', '@'}, 4: {'3', '#'}, 5: {'4', '$'},
	6: {'5', '%'}, 7: {'6', '^'}, 8: {'7', '&'}, 9: {'8', '*'},
	10: {'9', '('}, 11: {'0', ')'}, 12: {'-', '_'}, 13: {'=', '+'},
	16: {'q', 'Q'}, 17: {'w', 'W'}, 18: {'e', 'E'}, 19: {'r', 'R'},
	20: {'t', 'T'}, 21: {'y', 'Y'}, 22: {'u', 'U'}, 23: {'i', 'I'},
	24: {'o', 'O'}, 25: {'p', 'P'}, 26: {'[', '{'}, 27: {']', '}'},
	30: {'a', 'A'}, 31: {'s', 'S'}, 32: {'d', 'D'}, 33: {'f', 'F'},
	34: {'g', 'G'}, 35: {'h', 'H'}, 36: {'j', 'J'}, 37: {'k', 'K'},
	38: {'l', 'L'}, 39: {';', ':'}, 40: {'\'', '"'}, 41: {'`', '~'},
	43: {'\\', '|'}, 44: {'z', 'Z'}, 45: {'x', 'X'}, 46: {'c', 'C'},
	47: {'v', 'V'}, 48: {'b', 'B'}, 49: {'n', 'N'}, 50: {'m', 'M'},
	51: {',', '<'}, 52: {'.', '>'}, 53: {'/', '?'}, 57: {' ', ' '},
}

// keypad maps keypad codes to characters when NumLock is on. Many
// readers send their digits from the keypad.
var keypad = map[uint16]rune{
	71: '7', 72: '8', 73: '9', 74: '-',
	75: '4', 76: '5', 77: '6', 78: '+',
	79: '1', 80: '2', 81: '3', 82: '0',
	83: '.', 55: '*', 98: '/',
}

var namedCodes = map[uint16]string{
	codeEsc:        KeyEscape,
	codeBackspace:  KeyBackspace,
	codeTab:        KeyTab,
	codeEnter:      KeyEnter,
	codeKPEnter:    KeyKPEnter,
	codeLeftCtrl:   KeyControl,
	codeRightCtrl:  KeyControl,
	codeLeftShift:  KeyShift,
	codeRightShift: KeyShift,
	codeLeftAlt:    KeyAlt,
	codeRightAlt:   KeyAlt,
	codeLeftMeta:   KeyMeta,
	codeRightMeta:  KeyMeta,
	codeCapsLock:   KeyCapsLock,
	codeNumLock:    "NumLock",
	codeHome:       KeyHome,
	codeUp:         KeyUp,
	codePageUp:     KeyPageUp,
	codeLeft:       KeyLeft,
	codeRight:      KeyRight,
	codeEnd:        KeyEnd,
	codeDown:       KeyDown,
	codePageDown:   KeyPageDown,
	codeInsert:     KeyInsert,
	codeDelete:     KeyDelete,
	59: "F1", 60: "F2", 61: "F3", 62: "F4", 63: "F5", 64: "F6",
	65: "F7", 66: "F8", 67: "F9", 68: "F10", 87: "F11", 88: "F12",
}

// Modifiers tracks modifier state across key events.
type Modifiers struct {
	LeftShift  bool
	RightShift bool
	CapsLock   bool
	NumLock    bool
}

// Shift reports whether either shift key is held.
func (m Modifiers) Shift() bool { return m.LeftShift || m.RightShift }

// Update applies a key event with the given evdev value (0 release,
// 1 press, 2 repeat) to the modifier state.
func (m *Modifiers) Update(code uint16, value int32) {
	switch code {
	case codeLeftShift:
		m.LeftShift = value != 0
	case codeRightShift:
		m.RightShift = value != 0
	case codeCapsLock:
		if value == 1 {
			m.CapsLock = !m.CapsLock
		}
	case codeNumLock:
		if value == 1 {
			m.NumLock = !m.NumLock
		}
	}
}

// KeyForCode translates a key code into a logical key identifier using
// the US layout. It returns "" for codes with no mapping.
func KeyForCode(code uint16, mods Modifiers) string {
	if pair, ok := usLayout[code]; ok {
		r := pair[0]
		if mods.Shift() {
			r = pair[1]
		}
		if mods.CapsLock && unicode.IsLetter(r) {
			if unicode.IsUpper(r) {
				r = unicode.ToLower(r)
			} else {
				r = unicode.ToUpper(r)
			}
		}
		return string(r)
	}
	if r, ok := keypad[code]; ok {
		// Keypad operators don't depend on NumLock.
		if mods.NumLock || r == '-' || r == '+' || r == '*' || r == '/' {
			return string(r)
		}
		return ""
	}
	return namedCodes[code]
}
