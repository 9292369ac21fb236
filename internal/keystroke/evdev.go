package keystroke

import (
	"encoding/binary"
	"strconv"
	"time"
)

// Linux input_event layout: struct timeval followed by type, code and
// value. timeval is two C longs, which match Go's int on every Linux
// target.
const (
	longSize       = strconv.IntSize / 8
	inputEventSize = 2*longSize + 8

	evKey = 0x01

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

// rawEvent is a decoded input_event record.
type rawEvent struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

// decodeInputEvent decodes one little-endian input_event record. buf
// must hold at least inputEventSize bytes.
func decodeInputEvent(buf []byte) rawEvent {
	var sec, usec int64
	if longSize == 8 {
		sec = int64(binary.LittleEndian.Uint64(buf[0:8]))
		usec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	} else {
		sec = int64(int32(binary.LittleEndian.Uint32(buf[0:4])))
		usec = int64(int32(binary.LittleEndian.Uint32(buf[4:8])))
	}
	off := 2 * longSize
	return rawEvent{
		Time:  time.Unix(sec, usec*int64(time.Microsecond)),
		Type:  binary.LittleEndian.Uint16(buf[off : off+2]),
		Code:  binary.LittleEndian.Uint16(buf[off+2 : off+4]),
		Value: int32(binary.LittleEndian.Uint32(buf[off+4 : off+8])),
	}
}

// evdevTranslator turns raw key events into KeyEvents, tracking
// modifier state between calls.
type evdevTranslator struct {
	device string
	mods   Modifiers
}

func newEvdevTranslator(device string, numLock bool) *evdevTranslator {
	return &evdevTranslator{device: device, mods: Modifiers{NumLock: numLock}}
}

// translate returns the KeyEvent for a press or autorepeat. Releases,
// non-key events and unmapped codes return false.
func (t *evdevTranslator) translate(ev rawEvent) (KeyEvent, bool) {
	if ev.Type != evKey {
		return KeyEvent{}, false
	}
	t.mods.Update(ev.Code, ev.Value)
	if ev.Value != keyPress && ev.Value != keyRepeat {
		return KeyEvent{}, false
	}
	key := KeyForCode(ev.Code, t.mods)
	if key == "" {
		return KeyEvent{}, false
	}
	return KeyEvent{
		Key:    key,
		Code:   ev.Code,
		Device: t.device,
		Repeat: ev.Value == keyRepeat,
		Time:   ev.Time,
	}, true
}
