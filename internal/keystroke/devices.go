package keystroke

import (
	"bufio"
	"io"
	"math/bits"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// InputDevice describes one entry of /proc/bus/input/devices.
type InputDevice struct {
	Name      string `json:"name"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Bus       string `json:"bus,omitempty"`
	Phys      string `json:"phys,omitempty"`

	// Handler is the event node, e.g. "event3".
	Handler string `json:"handler"`

	// Node overrides the derived /dev/input path, for devices chosen by
	// explicit path such as /dev/input/by-id/*-event-kbd.
	Node string `json:"node,omitempty"`

	// Keyboard is set when the device has a kbd handler and advertises
	// at least minKeyboardKeys key codes.
	Keyboard bool `json:"keyboard"`
}

// Path returns the /dev/input node for the device.
func (d InputDevice) Path() string {
	if d.Node != "" {
		return d.Node
	}
	if d.Handler == "" {
		return ""
	}
	return filepath.Join("/dev/input", d.Handler)
}

var nameRe = regexp.MustCompile(`Name="([^"]*)"`)

// minKeyboardKeys separates keyboards from power buttons and mice, which
// also expose a handful of EV_KEY codes.
const minKeyboardKeys = 20

// countKeyBits counts the set bits of a space-separated hex bitmap.
func countKeyBits(bitmap string) int {
	n := 0
	for _, word := range strings.Fields(bitmap) {
		v, err := strconv.ParseUint(word, 16, 64)
		if err != nil {
			continue
		}
		n += bits.OnesCount64(v)
	}
	return n
}

// ParseInputDevices parses the /proc/bus/input/devices format.
func ParseInputDevices(r io.Reader) ([]InputDevice, error) {
	var devices []InputDevice
	var current InputDevice
	var kbdHandler bool
	var keyBits bool
	started := false

	flush := func() {
		if started && current.Handler != "" {
			current.Keyboard = kbdHandler && keyBits
			devices = append(devices, current)
		}
		current = InputDevice{}
		kbdHandler, keyBits, started = false, false, false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			flush()

		// I: Bus=0003 Vendor=ffff Product=0035 Version=0110
		case strings.HasPrefix(line, "I:"):
			started = true
			for _, part := range strings.Fields(line) {
				key, value, ok := strings.Cut(part, "=")
				if !ok {
					continue
				}
				switch key {
				case "Bus":
					current.Bus = value
				case "Vendor":
					if v, err := strconv.ParseUint(value, 16, 16); err == nil {
						current.VendorID = uint16(v)
					}
				case "Product":
					if v, err := strconv.ParseUint(value, 16, 16); err == nil {
						current.ProductID = uint16(v)
					}
				}
			}

		// N: Name="Sycreader RFID Technology Co., Ltd SYC ID&IC USB Reader"
		case strings.HasPrefix(line, "N:"):
			started = true
			if m := nameRe.FindStringSubmatch(line); len(m) > 1 {
				current.Name = m[1]
			}

		// P: Phys=usb-0000:00:14.0-2/input0
		case strings.HasPrefix(line, "P:"):
			current.Phys = strings.TrimPrefix(line, "P: Phys=")

		// H: Handlers=sysrq kbd leds event3
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if part == "kbd" {
					kbdHandler = true
				}
				if strings.HasPrefix(part, "event") {
					current.Handler = part
				}
			}

		// B: KEY=... (capability bitmap, dense for keyboards)
		case strings.HasPrefix(line, "B: KEY="):
			keyBits = countKeyBits(strings.TrimPrefix(line, "B: KEY=")) >= minKeyboardKeys
		}
	}
	flush()

	return devices, scanner.Err()
}

// SelectDevice picks the device a reader should be read from. An
// explicit path wins; otherwise the first keyboard whose name contains
// nameMatch (case-insensitive) is chosen. With neither set, the first
// keyboard is returned.
func SelectDevice(devices []InputDevice, path, nameMatch string) (InputDevice, bool) {
	if path != "" {
		for _, d := range devices {
			if d.Path() == path {
				return d, true
			}
		}
		return InputDevice{Name: filepath.Base(path), Node: path, Keyboard: true}, true
	}

	match := strings.ToLower(nameMatch)
	for _, d := range devices {
		if !d.Keyboard {
			continue
		}
		if match == "" || strings.Contains(strings.ToLower(d.Name), match) {
			return d, true
		}
	}
	return InputDevice{}, false
}
