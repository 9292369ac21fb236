package keystroke

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procDevices = `I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=LNXPWRBN/button/input0
S: Sysfs=/devices/LNXSYSTM:00/LNXPWRBN:00/input/input0
U: Uniq=
H: Handlers=kbd event0
B: PROP=0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0011 Vendor=0001 Product=0001 Version=ab41
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
H: Handlers=sysrq kbd leds event2
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe

I: Bus=0003 Vendor=ffff Product=0035 Version=0110
N: Name="Sycreader RFID Technology Co., Ltd SYC ID&IC USB Reader"
P: Phys=usb-0000:00:14.0-2/input0
H: Handlers=sysrq kbd leds event5
B: KEY=1000000000007 ff9f207ac14057ff febeffdfffefffff fffffffffffffffe

I: Bus=0003 Vendor=046d Product=c077 Version=0111
N: Name="Logitech USB Optical Mouse"
P: Phys=usb-0000:00:14.0-1/input0
H: Handlers=mouse0 event6
B: KEY=70000 0 0 0 0`

func TestParseInputDevices(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(procDevices))
	require.NoError(t, err)
	require.Len(t, devices, 4)

	assert.Equal(t, "Power Button", devices[0].Name)
	assert.False(t, devices[0].Keyboard, "power button has a tiny key bitmap")

	assert.True(t, devices[1].Keyboard)
	assert.Equal(t, "/dev/input/event2", devices[1].Path())

	reader := devices[2]
	assert.True(t, reader.Keyboard)
	assert.Equal(t, uint16(0xffff), reader.VendorID)
	assert.Equal(t, uint16(0x0035), reader.ProductID)
	assert.Equal(t, "0003", reader.Bus)
	assert.Equal(t, "usb-0000:00:14.0-2/input0", reader.Phys)
	assert.Equal(t, "event5", reader.Handler)

	assert.False(t, devices[3].Keyboard, "mouse has no kbd handler")
}

func TestParseInputDevicesEmpty(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestSelectDevice(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(procDevices))
	require.NoError(t, err)

	dev, ok := SelectDevice(devices, "", "rfid")
	require.True(t, ok)
	assert.Equal(t, "/dev/input/event5", dev.Path())

	dev, ok = SelectDevice(devices, "", "")
	require.True(t, ok)
	assert.Equal(t, "/dev/input/event2", dev.Path())

	_, ok = SelectDevice(devices, "", "barcode")
	assert.False(t, ok)

	dev, ok = SelectDevice(devices, "/dev/input/event5", "ignored")
	require.True(t, ok)
	assert.Contains(t, dev.Name, "Sycreader")

	byID := "/dev/input/by-id/usb-Sycreader_USB_Reader-event-kbd"
	dev, ok = SelectDevice(devices, byID, "")
	require.True(t, ok)
	assert.Equal(t, byID, dev.Path())
	assert.Equal(t, "usb-Sycreader_USB_Reader-event-kbd", dev.Name)
}
