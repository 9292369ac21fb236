package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
)

type fakeReader struct{}

func (fakeReader) SourceName() string    { return "simulated" }
func (fakeReader) ReaderConnected() bool { return true }

type testDaemon struct {
	hub      *keystroke.Hub
	src      *keystroke.SimulatedSource
	session  *capture.Session
	server   *Server
	socket   string
	outcomes chan capture.Outcome

	requestIDs chan string
}

// shortSocketPath keeps the path under the sun_path limit, which
// t.TempDir() can exceed on macOS.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "cw.sock")
}

func startDaemon(t *testing.T, opts ...capture.Option) *testDaemon {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	d := &testDaemon{
		hub:      keystroke.NewHub(logger),
		src:      keystroke.NewSimulated(),
		socket:   shortSocketPath(t),
		outcomes: make(chan capture.Outcome, 16),

		requestIDs: make(chan string, 16),
	}
	require.NoError(t, d.src.Start(context.Background(), d.hub.Publish))
	t.Cleanup(func() { d.src.Stop() })

	d.session = capture.New(d.hub, append([]capture.Option{capture.WithLogger(logger)}, opts...)...)

	handler := NewDaemonHandler(DaemonHandlerConfig{
		Session:        d.session,
		Hub:            d.hub,
		Reader:         fakeReader{},
		Version:        "test",
		DefaultTimeout: 5 * time.Second,
		OnScanStarted: func(ctx context.Context, scan *capture.Scan, caller string) {
			select {
			case d.requestIDs <- logging.RequestIDFromContext(ctx):
			default:
			}
			ev, err := NewEvent(EventScanStarted, ScanStartedEvent{
				ScanID:    scan.ID,
				TimeoutMS: scan.Timeout.Milliseconds(),
				Caller:    caller,
			})
			if err == nil {
				d.server.Broadcast(ev)
			}
		},
	})

	cfg := DefaultServerConfig(d.socket)
	cfg.Version = "test"
	server, err := NewServer(cfg, handler)
	require.NoError(t, err)
	d.server = server

	d.session.OnOutcome(func(o capture.Outcome) {
		select {
		case d.outcomes <- o:
		default:
		}
		ev, err := NewEvent(EventScanFinished, ScanFinishedEvent{
			ScanID:      o.ScanID,
			Outcome:     o.Kind,
			Fingerprint: fingerprintOf(o.Token),
			ElapsedMS:   o.Elapsed.Milliseconds(),
		})
		if err == nil {
			d.server.Broadcast(ev)
		}
	})

	require.NoError(t, server.Start())
	handler.AttachServer(server)
	t.Cleanup(func() { server.Stop() })
	return d
}

func fingerprintOf(token string) string {
	if token == "" {
		return ""
	}
	return logging.Fingerprint(token)
}

func (d *testDaemon) dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, DefaultClientConfig(d.socket))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (d *testDaemon) waitScanning(t *testing.T, want bool) {
	t.Helper()
	require.Eventually(t, func() bool { return d.session.IsScanning() == want },
		2*time.Second, 5*time.Millisecond)
}

func (d *testDaemon) nextOutcome(t *testing.T) capture.Outcome {
	t.Helper()
	select {
	case o := <-d.outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
		return capture.Outcome{}
	}
}

type scanResult struct {
	resp *ScanResponse
	err  error
}

func scanAsync(c *Client, ctx context.Context, timeout time.Duration) <-chan scanResult {
	ch := make(chan scanResult, 1)
	go func() {
		resp, err := c.Scan(ctx, timeout)
		ch <- scanResult{resp, err}
	}()
	return ch
}

func receive(t *testing.T, ch <-chan scanResult) scanResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("scan did not return")
		return scanResult{}
	}
}

func TestHandshake(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "test", c.ServerVersion())
	assert.NotEmpty(t, c.PeerID())
	require.NoError(t, c.Ping(context.Background()))
}

func TestScanCarriesRequestID(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	pending := scanAsync(c, context.Background(), time.Second)
	d.waitScanning(t, true)

	var id string
	select {
	case id = <-d.requestIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("scan start hook not called")
	}
	assert.Regexp(t, "^"+c.PeerID()+`-\d+$`, id)

	d.src.Scan("1")
	require.NoError(t, receive(t, pending).err)
}

func TestMetricsNotEnabled(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	_, err := c.Metrics(context.Background(), MetricsPrometheus)
	assert.True(t, IsRemoteCode(err, ErrInvalidRequest))
	assert.True(t, c.IsConnected())
}

func TestStatus(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.False(t, status.Scanning)
	assert.Equal(t, "simulated", status.Source)
	assert.True(t, status.ReaderConnected)
	assert.Equal(t, 1, status.Clients)
	assert.Zero(t, status.Hub.Acquired)

	pending := scanAsync(c, context.Background(), time.Second)
	d.waitScanning(t, true)
	d.src.Type("0045")

	require.Eventually(t, func() bool {
		s, err := c.Status(context.Background())
		return err == nil && s.Scanning && s.BufferLen == 4 && s.ScanID != 0
	}, 2*time.Second, 10*time.Millisecond)

	d.session.Stop()
	receive(t, pending)
}

func TestScanDeliversToken(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	pending := scanAsync(c, context.Background(), 5*time.Second)
	d.waitScanning(t, true)
	d.src.Scan("0004512345")

	r := receive(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, capture.OutcomeToken, r.resp.Outcome)
	assert.Equal(t, "0004512345", r.resp.Token)
	assert.NotZero(t, r.resp.ScanID)
	assert.False(t, d.session.IsScanning())
}

func TestScanTokenHelper(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	done := make(chan struct{})
	var token string
	var err error
	go func() {
		defer close(done)
		token, err = c.ScanToken(context.Background(), 0)
	}()
	d.waitScanning(t, true)
	assert.Equal(t, 5*time.Second, d.session.Active().Timeout)
	d.src.Scan("A1B2C3")
	<-done

	require.NoError(t, err)
	assert.Equal(t, "A1B2C3", token)
}

func TestScanTimesOut(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	r := receive(t, scanAsync(c, context.Background(), 50*time.Millisecond))
	require.NoError(t, r.err)
	assert.Equal(t, capture.OutcomeTimedOut, r.resp.Outcome)
	assert.Empty(t, r.resp.Token)
	assert.GreaterOrEqual(t, r.resp.ElapsedMS, int64(50))
}

func TestStop(t *testing.T) {
	d := startDaemon(t)
	scanner := d.dial(t)
	admin := d.dial(t)

	stopped, err := admin.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)

	pending := scanAsync(scanner, context.Background(), 5*time.Second)
	d.waitScanning(t, true)

	stopped, err = admin.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	r := receive(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, capture.OutcomeStopped, r.resp.Outcome)
}

func TestSecondScanSupersedesFirst(t *testing.T) {
	d := startDaemon(t)
	first := d.dial(t)
	second := d.dial(t)

	firstPending := scanAsync(first, context.Background(), 5*time.Second)
	d.waitScanning(t, true)
	firstID := d.session.Active().ID

	secondPending := scanAsync(second, context.Background(), 5*time.Second)
	require.Eventually(t, func() bool {
		scan := d.session.Active()
		return scan != nil && scan.ID != firstID
	}, 2*time.Second, 5*time.Millisecond)

	r := receive(t, firstPending)
	require.NoError(t, r.err)
	assert.Equal(t, capture.OutcomeSuperseded, r.resp.Outcome)

	d.src.Scan("77")
	r = receive(t, secondPending)
	require.NoError(t, r.err)
	assert.Equal(t, capture.OutcomeToken, r.resp.Outcome)
	assert.Equal(t, "77", r.resp.Token)
}

func TestRejectPolicyReportsActiveScan(t *testing.T) {
	d := startDaemon(t, capture.WithPolicy(capture.RejectPolicy))
	first := d.dial(t)
	second := d.dial(t)

	pending := scanAsync(first, context.Background(), 5*time.Second)
	d.waitScanning(t, true)

	_, err := second.Scan(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, IsRemoteCode(err, ErrScanActive))

	d.src.Scan("9")
	r := receive(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, "9", r.resp.Token)
}

func TestScanFailsWhenHubHeld(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	sub, err := d.hub.Acquire(func(keystroke.KeyEvent) {})
	require.NoError(t, err)
	defer sub.Release()

	_, err = c.Scan(context.Background(), time.Second)
	assert.True(t, IsRemoteCode(err, ErrReaderBusy))
	assert.False(t, d.session.IsScanning())
}

func TestContextCancelWithdrawsScan(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	ctx, cancel := context.WithCancel(context.Background())
	pending := scanAsync(c, ctx, 5*time.Second)
	d.waitScanning(t, true)

	cancel()
	r := receive(t, pending)
	assert.ErrorIs(t, r.err, context.Canceled)

	d.waitScanning(t, false)
	assert.Equal(t, capture.OutcomeStopped, d.nextOutcome(t).Kind)

	// The connection stays usable.
	require.NoError(t, c.Ping(context.Background()))
}

func TestDisconnectWithdrawsScan(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	pending := scanAsync(c, context.Background(), 5*time.Second)
	d.waitScanning(t, true)

	require.NoError(t, c.Close())
	r := receive(t, pending)
	assert.ErrorIs(t, r.err, ErrConnectionLost)

	d.waitScanning(t, false)
	assert.Equal(t, capture.OutcomeStopped, d.nextOutcome(t).Kind)
}

func TestDisconnectLeavesNewerScanAlone(t *testing.T) {
	d := startDaemon(t)
	first := d.dial(t)
	second := d.dial(t)

	firstPending := scanAsync(first, context.Background(), 5*time.Second)
	d.waitScanning(t, true)
	firstID := d.session.Active().ID

	secondPending := scanAsync(second, context.Background(), 5*time.Second)
	require.Eventually(t, func() bool {
		scan := d.session.Active()
		return scan != nil && scan.ID != firstID
	}, 2*time.Second, 5*time.Millisecond)
	receive(t, firstPending)

	require.NoError(t, first.Close())
	assert.Never(t, func() bool { return !d.session.IsScanning() }, 100*time.Millisecond, 10*time.Millisecond)

	d.src.Scan("42")
	r := receive(t, secondPending)
	require.NoError(t, r.err)
	assert.Equal(t, "42", r.resp.Token)
}

func TestSubscribeReceivesScanEvents(t *testing.T) {
	d := startDaemon(t)
	watcher := d.dial(t)
	scanner := d.dial(t)

	events := make(chan *Event, 8)
	subscribed, err := watcher.Subscribe(context.Background(), func(ev *Event) { events <- ev })
	require.NoError(t, err)
	assert.ElementsMatch(t, AllEvents, subscribed)

	pending := scanAsync(scanner, context.Background(), 5*time.Second)
	d.waitScanning(t, true)
	d.src.Scan("0004512345")
	receive(t, pending)

	next := func() *Event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return nil
		}
	}

	started := next()
	require.Equal(t, EventScanStarted, started.Type)
	var startedData ScanStartedEvent
	require.NoError(t, started.DecodeData(&startedData))
	assert.Equal(t, int64(5000), startedData.TimeoutMS)
	assert.Contains(t, startedData.Caller, "cardwedgectl")

	finished := next()
	require.Equal(t, EventScanFinished, finished.Type)
	var finishedData ScanFinishedEvent
	require.NoError(t, finished.DecodeData(&finishedData))
	assert.Equal(t, startedData.ScanID, finishedData.ScanID)
	assert.Equal(t, capture.OutcomeToken, finishedData.Outcome)
	assert.Empty(t, finishedData.Token)
	assert.Equal(t, logging.Fingerprint("0004512345"), finishedData.Fingerprint)
}

func TestSubscribeFiltersEvents(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	events := make(chan *Event, 8)
	subscribed, err := c.Subscribe(context.Background(), func(ev *Event) { events <- ev }, EventReaderDetached)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventReaderDetached}, subscribed)

	started, err := NewEvent(EventScanStarted, ScanStartedEvent{ScanID: 1})
	require.NoError(t, err)
	d.server.Broadcast(started)
	detached, err := NewEvent(EventReaderDetached, ReaderEvent{Device: "/dev/input/event3"})
	require.NoError(t, err)
	d.server.Broadcast(detached)

	select {
	case ev := <-events:
		assert.Equal(t, EventReaderDetached, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, c.Unsubscribe(context.Background()))
	d.server.Broadcast(detached)
	require.NoError(t, c.Ping(context.Background()))
	assert.Empty(t, events)
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	d := startDaemon(t)

	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, NewMessage(MsgScan, 1, []byte(`{"timeout_ms":-5}`)).Write(conn))
	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)
	assert.Equal(t, uint32(1), resp.Header.RequestID)

	var e ErrorResponse
	require.NoError(t, Decode(resp.Payload, &e))
	assert.Equal(t, ErrInvalidRequest, e.Code)
	assert.False(t, d.session.IsScanning())
}

func TestCancelUnknownRequest(t *testing.T) {
	d := startDaemon(t)

	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, NewMessage(MsgCancel, 2, []byte(`{"request_id":99}`)).Write(conn))
	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)

	var e ErrorResponse
	require.NoError(t, Decode(resp.Payload, &e))
	assert.Equal(t, ErrNoActiveScan, e.Code)
}

func TestDialWithoutDaemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, DefaultClientConfig(shortSocketPath(t)))
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestSecondServerRefusesLiveSocket(t *testing.T) {
	d := startDaemon(t)

	other, err := NewServer(DefaultServerConfig(d.socket), HandlerFunc(
		func(context.Context, *Peer, *Message) (*Message, error) { return nil, nil }))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Start(), ErrAddressInUse)

	// The first server keeps serving.
	c := d.dial(t)
	require.NoError(t, c.Ping(context.Background()))
}

func TestServerReplacesStaleSocket(t *testing.T) {
	path := shortSocketPath(t)
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())

	s, err := NewServer(DefaultServerConfig(path), HandlerFunc(
		func(context.Context, *Peer, *Message) (*Message, error) { return nil, nil }))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode().Type())
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestServerKeepsRegularFile(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0600))

	s, err := NewServer(DefaultServerConfig(path), nil)
	require.NoError(t, err)
	assert.ErrorContains(t, s.Start(), "not a socket")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestRejectsDisallowedUID(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("peer credentials unavailable")
	}
	path := shortSocketPath(t)
	cfg := DefaultServerConfig(path)
	cfg.AllowedUIDs = []int{os.Getuid() + 1}
	s, err := NewServer(cfg, HandlerFunc(
		func(context.Context, *Peer, *Message) (*Message, error) { return nil, nil }))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, DefaultClientConfig(path))
	require.Error(t, err)
	assert.Zero(t, s.PeerCount())
}

func TestServerStopDisconnectsClients(t *testing.T) {
	d := startDaemon(t)
	c := d.dial(t)

	pending := scanAsync(c, context.Background(), 5*time.Second)
	d.waitScanning(t, true)

	require.NoError(t, d.server.Stop())
	r := receive(t, pending)
	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, ErrConnectionLost))
	d.waitScanning(t, false)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after disconnect")
	}
	assert.False(t, c.IsConnected())

	_, err := os.Stat(d.socket)
	assert.True(t, os.IsNotExist(err))
}
