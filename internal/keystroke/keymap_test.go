package keystroke

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForCode(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		mods Modifiers
		want string
	}{
		{"letter", 30, Modifiers{}, "a"},
		{"shifted letter", 30, Modifiers{LeftShift: true}, "A"},
		{"caps letter", 30, Modifiers{CapsLock: true}, "A"},
		{"caps and shift", 30, Modifiers{CapsLock: true, RightShift: true}, "a"},
		{"caps digit", 2, Modifiers{CapsLock: true}, "1"},
		{"shifted digit", 2, Modifiers{LeftShift: true}, "!"},
		{"space", 57, Modifiers{}, " "},
		{"keypad digit numlock", 79, Modifiers{NumLock: true}, "1"},
		{"keypad digit no numlock", 79, Modifiers{}, ""},
		{"keypad minus", 74, Modifiers{}, "-"},
		{"enter", codeEnter, Modifiers{}, KeyEnter},
		{"keypad enter", codeKPEnter, Modifiers{}, KeyKPEnter},
		{"backspace", codeBackspace, Modifiers{}, KeyBackspace},
		{"shift", codeLeftShift, Modifiers{}, KeyShift},
		{"function key", 59, Modifiers{}, "F1"},
		{"unmapped", 240, Modifiers{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyForCode(tt.code, tt.mods))
		})
	}
}

func TestModifiersUpdate(t *testing.T) {
	var m Modifiers

	m.Update(codeLeftShift, keyPress)
	assert.True(t, m.Shift())
	m.Update(codeLeftShift, keyRepeat)
	assert.True(t, m.Shift())
	m.Update(codeLeftShift, keyRelease)
	assert.False(t, m.Shift())

	m.Update(codeCapsLock, keyPress)
	m.Update(codeCapsLock, keyRelease)
	assert.True(t, m.CapsLock)
	m.Update(codeCapsLock, keyPress)
	assert.False(t, m.CapsLock)

	m.Update(codeNumLock, keyPress)
	assert.True(t, m.NumLock)
}

func encodeInputEvent(sec, usec int64, typ, code uint16, value int32) []byte {
	buf := make([]byte, inputEventSize)
	if longSize == 8 {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(sec))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(usec))
	} else {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(sec))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(usec))
	}
	off := 2 * longSize
	binary.LittleEndian.PutUint16(buf[off:], typ)
	binary.LittleEndian.PutUint16(buf[off+2:], code)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(value))
	return buf
}

func TestDecodeInputEvent(t *testing.T) {
	raw := decodeInputEvent(encodeInputEvent(1700000000, 250000, evKey, 30, keyPress))

	assert.Equal(t, uint16(evKey), raw.Type)
	assert.Equal(t, uint16(30), raw.Code)
	assert.Equal(t, int32(keyPress), raw.Value)
	assert.Equal(t, time.Unix(1700000000, 250*int64(time.Millisecond)), raw.Time)
}

func TestEvdevTranslatorShiftSequence(t *testing.T) {
	tr := newEvdevTranslator("/dev/input/event7", false)

	events := []rawEvent{
		{Type: evKey, Code: codeLeftShift, Value: keyPress},
		{Type: evKey, Code: 30, Value: keyPress},
		{Type: evKey, Code: 30, Value: keyRelease},
		{Type: evKey, Code: codeLeftShift, Value: keyRelease},
		{Type: 0x04, Code: 4, Value: 458756}, // EV_MSC scan code
		{Type: evKey, Code: 48, Value: keyPress},
		{Type: evKey, Code: 48, Value: keyRepeat},
		{Type: evKey, Code: codeEnter, Value: keyPress},
		{Type: 0x00, Code: 0, Value: 0}, // EV_SYN
	}

	var got []KeyEvent
	for _, raw := range events {
		if ev, ok := tr.translate(raw); ok {
			got = append(got, ev)
		}
	}

	require.Len(t, got, 5)
	assert.Equal(t, KeyShift, got[0].Key)
	assert.Equal(t, "A", got[1].Key)
	assert.Equal(t, "b", got[2].Key)
	assert.False(t, got[2].Repeat)
	assert.Equal(t, "b", got[3].Key)
	assert.True(t, got[3].Repeat)
	assert.Equal(t, KeyEnter, got[4].Key)
	assert.Equal(t, "/dev/input/event7", got[4].Device)
	assert.Equal(t, uint16(codeEnter), got[4].Code)
}

func TestEvdevTranslatorKeypadDigits(t *testing.T) {
	on := newEvdevTranslator("kbd", true)
	ev, ok := on.translate(rawEvent{Type: evKey, Code: 82, Value: keyPress})
	require.True(t, ok)
	assert.Equal(t, "0", ev.Key)

	off := newEvdevTranslator("kbd", false)
	_, ok = off.translate(rawEvent{Type: evKey, Code: 82, Value: keyPress})
	assert.False(t, ok)
}
