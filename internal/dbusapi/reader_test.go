package dbusapi

import (
	"context"
	"encoding/xml"
	"log/slog"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
)

type harness struct {
	hub     *keystroke.Hub
	src     *keystroke.SimulatedSource
	session *capture.Session
	reader  *Reader
	callers chan string
}

func newHarness(t *testing.T, opts ...capture.Option) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	h := &harness{
		hub:     keystroke.NewHub(logger),
		src:     keystroke.NewSimulated(),
		callers: make(chan string, 4),
	}
	require.NoError(t, h.src.Start(context.Background(), h.hub.Publish))
	t.Cleanup(func() { h.src.Stop() })

	h.session = capture.New(h.hub, append([]capture.Option{capture.WithLogger(logger)}, opts...)...)
	h.reader = newReader(Config{
		Session:        h.session,
		DefaultTimeout: 5 * time.Second,
		OnScanStarted:  func(_ context.Context, _ *capture.Scan, caller string) { h.callers <- caller },
	})
	return h
}

type scanReply struct {
	outcome, token string
	err            *dbus.Error
}

func (h *harness) scanAsync(sender string, timeoutMs int32) <-chan scanReply {
	ch := make(chan scanReply, 1)
	go func() {
		outcome, token, err := h.reader.Scan(dbus.Sender(sender), timeoutMs)
		ch <- scanReply{outcome, token, err}
	}()
	return ch
}

func (h *harness) waitScanning(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.session.IsScanning, 2*time.Second, 5*time.Millisecond)
}

func wait(t *testing.T, ch <-chan scanReply) scanReply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Scan did not return")
		return scanReply{}
	}
}

func TestScanReturnsToken(t *testing.T) {
	h := newHarness(t)

	pending := h.scanAsync(":1.42", 0)
	h.waitScanning(t)
	assert.Equal(t, "dbus::1.42", <-h.callers)
	assert.Equal(t, 5*time.Second, h.session.Active().Timeout)

	h.src.Scan("0004512345")
	r := wait(t, pending)
	require.Nil(t, r.err)
	assert.Equal(t, "token", r.outcome)
	assert.Equal(t, "0004512345", r.token)
}

func TestScanTimesOut(t *testing.T) {
	h := newHarness(t)

	r := wait(t, h.scanAsync(":1.7", 30))
	require.Nil(t, r.err)
	assert.Equal(t, "timed_out", r.outcome)
	assert.Empty(t, r.token)
}

func TestStopAndIsScanning(t *testing.T) {
	h := newHarness(t)

	scanning, derr := h.reader.IsScanning()
	require.Nil(t, derr)
	assert.False(t, scanning)

	pending := h.scanAsync(":1.3", 5000)
	h.waitScanning(t)
	scanning, _ = h.reader.IsScanning()
	assert.True(t, scanning)

	require.Nil(t, h.reader.Stop())
	r := wait(t, pending)
	assert.Equal(t, "stopped", r.outcome)
}

func TestScanRejectsBadTimeout(t *testing.T) {
	h := newHarness(t)

	for _, ms := range []int32{-1, int32(MaxTimeout/time.Millisecond) + 1} {
		_, _, err := h.reader.Scan(":1.9", ms)
		require.NotNil(t, err, "timeout %d", ms)
		assert.Equal(t, ErrorInvalidArgs, err.Name)
	}
	assert.False(t, h.session.IsScanning())
}

func TestScanReportsActiveScanUnderRejectPolicy(t *testing.T) {
	h := newHarness(t, capture.WithPolicy(capture.RejectPolicy))

	pending := h.scanAsync(":1.1", 5000)
	h.waitScanning(t)

	_, _, err := h.reader.Scan(":1.2", 1000)
	require.NotNil(t, err)
	assert.Equal(t, ErrorScanActive, err.Name)

	h.src.Scan("1")
	assert.Equal(t, "token", wait(t, pending).outcome)
}

func TestScanReportsBusyHub(t *testing.T) {
	h := newHarness(t)
	sub, err := h.hub.Acquire(func(keystroke.KeyEvent) {})
	require.NoError(t, err)
	defer sub.Release()

	_, _, derr := h.reader.Scan(":1.1", 1000)
	require.NotNil(t, derr)
	assert.Equal(t, ErrorReaderBusy, derr.Name)
}

func TestDroppedCallerCancelsOwnScan(t *testing.T) {
	h := newHarness(t)

	pending := h.scanAsync(":1.5", 5000)
	h.waitScanning(t)

	h.reader.dropCaller(":1.6")
	assert.True(t, h.session.IsScanning())

	h.reader.dropCaller(":1.5")
	r := wait(t, pending)
	assert.Equal(t, "stopped", r.outcome)
	assert.False(t, h.session.IsScanning())

	h.reader.mu.Lock()
	defer h.reader.mu.Unlock()
	assert.Empty(t, h.reader.byCaller)
}

func TestIntrospectionDescribesInterface(t *testing.T) {
	var node introspect.Node
	require.NoError(t, xml.Unmarshal([]byte(introspectXML), &node))

	var iface *introspect.Interface
	for i := range node.Interfaces {
		if node.Interfaces[i].Name == Interface {
			iface = &node.Interfaces[i]
		}
	}
	require.NotNil(t, iface)

	var methods []string
	for _, m := range iface.Methods {
		methods = append(methods, m.Name)
	}
	assert.ElementsMatch(t, []string{"Scan", "Stop", "IsScanning"}, methods)
	require.Len(t, iface.Signals, 1)
	assert.Equal(t, "ScanFinished", iface.Signals[0].Name)
}
