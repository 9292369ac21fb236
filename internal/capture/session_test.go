package capture

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardwedge/internal/clock"
	"cardwedge/internal/keystroke"
)

type harness struct {
	clock   *clock.FakeClock
	hub     *keystroke.Hub
	src     *keystroke.SimulatedSource
	session *Session
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock: clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		hub:   keystroke.NewHub(nil),
		src:   keystroke.NewSimulated(),
	}
	require.NoError(t, h.src.Start(context.Background(), h.hub.Publish))
	t.Cleanup(func() { h.src.Stop() })

	opts = append([]Option{
		WithClock(h.clock),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	h.session = New(h.hub, opts...)
	return h
}

// typeSpaced types text with gap between keys.
func (h *harness) typeSpaced(text string, gap time.Duration) {
	for _, r := range text {
		h.src.Type(string(r))
		h.clock.Advance(gap)
	}
}

type tokenRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (r *tokenRecorder) handle(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
}

func (r *tokenRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func TestScanDecodesToken(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	scan, err := h.session.Start(rec.handle, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, h.session.IsScanning())
	assert.True(t, h.hub.Busy())

	h.typeSpaced("ABCD", 10*time.Millisecond)
	assert.Equal(t, "ABCD", h.session.CurrentBuffer())
	h.src.Press(keystroke.KeyEnter)

	assert.Equal(t, []string{"ABCD"}, rec.get())
	assert.False(t, h.session.IsScanning())
	assert.False(t, h.hub.Busy())
	assert.Empty(t, h.session.CurrentBuffer())

	out, ok := scan.Outcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeToken, out.Kind)
	assert.Equal(t, "ABCD", out.Token)
	assert.Equal(t, scan.ID, out.ScanID)
	assert.Equal(t, 40*time.Millisecond, out.Elapsed)
	assert.True(t, out.OK())

	// Both timers are cancelled on completion.
	assert.Zero(t, h.clock.PendingCount())
}

func TestScanTrimsWhitespace(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)
	h.src.Scan("  04A1B2C3 \t")

	assert.Equal(t, []string{"04A1B2C3"}, rec.get())
}

func TestKeypadEnterTerminates(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)
	h.src.Type("123")
	h.src.Press(keystroke.KeyKPEnter)

	assert.Equal(t, []string{"123"}, rec.get())
}

func TestEnterOnEmptyBufferKeepsScanning(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	scan, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)

	h.src.Press(keystroke.KeyEnter)
	h.src.Press(keystroke.KeyEnter)

	assert.Empty(t, rec.get())
	assert.True(t, h.session.IsScanning())
	_, done := scan.Outcome()
	assert.False(t, done)

	h.src.Scan("77")
	assert.Equal(t, []string{"77"}, rec.get())
}

func TestEnterOnWhitespaceOnlyBufferEmitsEmptyToken(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	scan, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)

	h.src.Type("   ")
	h.src.Press(keystroke.KeyEnter)

	assert.Equal(t, []string{""}, rec.get())
	assert.False(t, h.session.IsScanning())
	assert.Equal(t, StateIdle, h.session.State())
	assert.Empty(t, h.session.CurrentBuffer())
	o, done := scan.Outcome()
	require.True(t, done)
	assert.Equal(t, OutcomeToken, o.Kind)
	assert.Empty(t, o.Token)
	assert.False(t, h.hub.Busy())
}

func TestBackspaceEditsBuffer(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)

	h.src.Press(keystroke.KeyBackspace) // empty buffer: no-op
	h.src.Type("AB\bC")
	assert.Equal(t, "AC", h.session.CurrentBuffer())
	h.src.Press(keystroke.KeyEnter)

	assert.Equal(t, []string{"AC"}, rec.get())
}

func TestNamedKeysAreIgnored(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)

	h.src.Press(keystroke.KeyShift)
	h.src.Type("a")
	h.src.Press("F1")
	h.src.Press(keystroke.KeyTab)
	h.src.Press(keystroke.KeyUp)
	h.src.Type("b")
	assert.Equal(t, "ab", h.session.CurrentBuffer())
}

func TestStartTwiceOnlySecondHandlerFires(t *testing.T) {
	h := newHarness(t)
	var first, second tokenRecorder

	scan1, err := h.session.Start(first.handle, 5*time.Second)
	require.NoError(t, err)
	h.src.Type("X")

	scan2, err := h.session.Start(second.handle, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, h.session.CurrentBuffer())

	h.src.Type("Y\n")

	assert.Empty(t, first.get())
	assert.Equal(t, []string{"Y"}, second.get())

	out1, ok := scan1.Outcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeSuperseded, out1.Kind)
	assert.Empty(t, out1.Token)

	out2, ok := scan2.Outcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeToken, out2.Kind)
	assert.NotEqual(t, scan1.ID, scan2.ID)
}

func TestSupersededDeadlineDoesNotFire(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(func(string) { t.Error("first handler invoked") }, 100*time.Millisecond)
	require.NoError(t, err)
	scan2, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)

	// The first scan's deadline has passed; the second is untouched.
	h.clock.Advance(500 * time.Millisecond)
	assert.True(t, h.session.IsScanning())
	_, done := scan2.Outcome()
	assert.False(t, done)

	h.clock.Advance(500 * time.Millisecond)
	assert.False(t, h.session.IsScanning())
	out, _ := scan2.Outcome()
	assert.Equal(t, OutcomeTimedOut, out.Kind)
}

func TestRejectPolicy(t *testing.T) {
	h := newHarness(t, WithPolicy(RejectPolicy))
	var rec tokenRecorder

	scan, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)
	h.src.Type("X")

	_, err = h.session.Start(func(string) { t.Error("rejected handler invoked") }, time.Second)
	assert.ErrorIs(t, err, ErrAlreadyScanning)

	assert.Equal(t, "X", h.session.CurrentBuffer())
	h.src.Type("Y\n")
	assert.Equal(t, []string{"XY"}, rec.get())
	out, _ := scan.Outcome()
	assert.Equal(t, OutcomeToken, out.Kind)
}

func TestStopResetsSession(t *testing.T) {
	h := newHarness(t)

	scan, err := h.session.Start(func(string) { t.Error("handler invoked after stop") }, time.Second)
	require.NoError(t, err)
	h.src.Type("PARTIAL")

	h.session.Stop()
	assert.False(t, h.session.IsScanning())
	assert.Empty(t, h.session.CurrentBuffer())
	assert.False(t, h.hub.Busy())
	assert.Equal(t, StateIdle, h.session.State())
	assert.Nil(t, h.session.Active())

	out, ok := scan.Outcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeStopped, out.Kind)

	// Late keys and timers do nothing.
	h.src.Type("\n")
	h.clock.Advance(2 * time.Second)
	assert.Zero(t, h.clock.PendingCount())

	// Stop while idle is a no-op.
	h.session.Stop()
	assert.False(t, h.session.IsScanning())
}

func TestScanTimesOut(t *testing.T) {
	h := newHarness(t)

	scan, err := h.session.Start(func(string) { t.Error("handler invoked on timeout") }, 200*time.Millisecond)
	require.NoError(t, err)
	h.src.Type("12")

	h.clock.Advance(199 * time.Millisecond)
	assert.True(t, h.session.IsScanning())

	h.clock.Advance(time.Millisecond)
	assert.False(t, h.session.IsScanning())
	assert.Empty(t, h.session.CurrentBuffer())
	assert.False(t, h.hub.Busy())

	out, ok := scan.Outcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeTimedOut, out.Kind)
	assert.Equal(t, 200*time.Millisecond, out.Elapsed)

	h.src.Type("\n")
	_, err = h.session.Start(nil, time.Second)
	require.NoError(t, err)
}

func TestOverflowClearsBufferButKeepsScanning(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, 10*time.Second)
	require.NoError(t, err)

	h.typeSpaced(strings.Repeat("9", MaxPending+1), 10*time.Millisecond)
	assert.Len(t, h.session.CurrentBuffer(), MaxPending+1)

	h.clock.Advance(IdleWindow)
	assert.Empty(t, h.session.CurrentBuffer())
	assert.True(t, h.session.IsScanning())

	h.src.Scan("CARD")
	assert.Equal(t, []string{"CARD"}, rec.get())
}

func TestBufferAtLimitSurvivesIdleWindow(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, 10*time.Second)
	require.NoError(t, err)

	payload := strings.Repeat("ab", MaxPending/2)
	h.typeSpaced(payload, 5*time.Millisecond)
	h.clock.Advance(time.Second)
	assert.Equal(t, payload, h.session.CurrentBuffer())

	h.src.Press(keystroke.KeyEnter)
	assert.Equal(t, []string{payload}, rec.get())
}

func TestCustomLimits(t *testing.T) {
	h := newHarness(t, WithMaxPending(4), WithIdleWindow(20*time.Millisecond))
	var rec tokenRecorder

	_, err := h.session.Start(rec.handle, time.Second)
	require.NoError(t, err)

	h.src.Type("12345")
	h.clock.Advance(20 * time.Millisecond)
	assert.Empty(t, h.session.CurrentBuffer())

	h.src.Scan("1234")
	assert.Equal(t, []string{"1234"}, rec.get())
}

func TestStartRejectsNonPositiveTimeout(t *testing.T) {
	h := newHarness(t)

	for _, d := range []time.Duration{0, -time.Second} {
		scan, err := h.session.Start(func(string) {}, d)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Nil(t, scan)
	}
	assert.False(t, h.session.IsScanning())
	assert.False(t, h.hub.Busy())
}

func TestStartFailsWhenHubHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	sub, err := h.hub.Acquire(func(keystroke.KeyEvent) {})
	require.NoError(t, err)
	defer sub.Release()

	_, err = h.session.Start(func(string) {}, time.Second)
	assert.ErrorIs(t, err, keystroke.ErrBusy)
	assert.False(t, h.session.IsScanning())
	assert.Zero(t, h.clock.PendingCount())
}

func TestKeysWhileIdleReachObservers(t *testing.T) {
	h := newHarness(t)
	var seen []string
	h.hub.Observe(func(ev keystroke.KeyEvent) { seen = append(seen, ev.Key) })

	h.src.Type("a")
	_, err := h.session.Start(func(string) {}, time.Second)
	require.NoError(t, err)
	h.src.Type("b\n")
	h.src.Type("c")

	assert.Equal(t, []string{"a", "c"}, seen)
}

func TestHandlerMayRestartScan(t *testing.T) {
	h := newHarness(t)
	var rec tokenRecorder

	var handler TokenHandler
	handler = func(token string) {
		rec.handle(token)
		if len(rec.get()) < 2 {
			_, err := h.session.Start(handler, time.Second)
			assert.NoError(t, err)
		}
	}

	_, err := h.session.Start(handler, time.Second)
	require.NoError(t, err)
	h.src.Scan("ONE")
	assert.True(t, h.session.IsScanning())
	h.src.Scan("TWO")

	assert.Equal(t, []string{"ONE", "TWO"}, rec.get())
	assert.False(t, h.session.IsScanning())
}

func TestCancelOnlyAffectsActiveScan(t *testing.T) {
	h := newHarness(t)

	scan1, err := h.session.Start(nil, time.Second)
	require.NoError(t, err)
	scan2, err := h.session.Start(nil, time.Second)
	require.NoError(t, err)

	scan1.Cancel()
	assert.True(t, h.session.IsScanning())
	assert.Same(t, scan2, h.session.Active())

	scan2.Cancel()
	assert.False(t, h.session.IsScanning())
	out, _ := scan2.Outcome()
	assert.Equal(t, OutcomeStopped, out.Kind)

	// Cancelling a resolved scan is harmless.
	scan2.Cancel()
}

func TestOutcomeObservers(t *testing.T) {
	h := newHarness(t)
	var kinds []OutcomeKind
	h.session.OnOutcome(func(o Outcome) { kinds = append(kinds, o.Kind) })

	_, err := h.session.Start(nil, time.Second)
	require.NoError(t, err)
	_, err = h.session.Start(nil, 100*time.Millisecond)
	require.NoError(t, err)
	h.clock.Advance(100 * time.Millisecond)

	_, err = h.session.Start(nil, time.Second)
	require.NoError(t, err)
	h.src.Scan("T")

	_, err = h.session.Start(nil, time.Second)
	require.NoError(t, err)
	h.session.Stop()

	assert.Equal(t, []OutcomeKind{OutcomeSuperseded, OutcomeTimedOut, OutcomeToken, OutcomeStopped}, kinds)
}

func TestScanWait(t *testing.T) {
	h := newHarness(t)
	scan, err := h.session.Start(nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = scan.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, h.session.IsScanning(), "a cancelled wait leaves the scan running")

	h.src.Scan("W")
	out, err := scan.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "W", out.Token)

	select {
	case <-scan.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestScanWithRealClock(t *testing.T) {
	hub := keystroke.NewHub(nil)
	src := keystroke.NewSimulated()
	require.NoError(t, src.Start(context.Background(), hub.Publish))
	defer src.Stop()

	session := New(hub, WithLogger(slog.New(slog.DiscardHandler)))
	scan, err := session.Start(nil, 5*time.Second)
	require.NoError(t, err)

	go src.Scan("0xDEADBEEF")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := scan.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xDEADBEEF", out.Token)
}

func TestConcurrentStartStop(t *testing.T) {
	hub := keystroke.NewHub(nil)
	src := keystroke.NewSimulated()
	require.NoError(t, src.Start(context.Background(), hub.Publish))
	defer src.Stop()
	session := New(hub, WithLogger(slog.New(slog.DiscardHandler)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				scan, err := session.Start(nil, time.Millisecond)
				if err == nil && j%3 == 0 {
					scan.Cancel()
				}
				src.Type("1\n")
				if j%5 == 0 {
					session.Stop()
				}
			}
		}()
	}
	wg.Wait()

	session.Stop()
	assert.False(t, session.IsScanning())
	assert.False(t, hub.Busy())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, RejectPolicy, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, SupersedePolicy, p)

	_, err = ParsePolicy("queue")
	assert.Error(t, err)
}

func TestOutcomeKindText(t *testing.T) {
	for _, k := range []OutcomeKind{OutcomeToken, OutcomeTimedOut, OutcomeSuperseded, OutcomeStopped} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back OutcomeKind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}
	var k OutcomeKind
	assert.Error(t, k.UnmarshalText([]byte("exploded")))
}
