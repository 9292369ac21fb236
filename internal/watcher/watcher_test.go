package watcher

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"cardwedge/internal/clock"
)

func newTestWatcher(t *testing.T, dirs ...string) (*Watcher, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Unix(1700000000, 0))
	w, err := New(Config{Dirs: dirs, Clock: fake})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	return w, fake
}

func expectEvent(t *testing.T, w *Watcher, kind Kind, path string) {
	t.Helper()
	select {
	case ev := <-w.Events():
		if ev.Kind != kind || ev.Path != path {
			t.Fatalf("got %s %s, want %s %s", ev.Kind, ev.Path, kind, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event for %s", kind, path)
	}
}

func expectNoEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %s %s", ev.Kind, ev.Path)
	default:
	}
}

// waitPending waits until fsnotify has delivered a change and armed a
// debounce timer.
func waitPending(t *testing.T, fake *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fake.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no change observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMatchEventNodes(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/dev/input/event3", true},
		{"/dev/input/mouse0", false},
		{"/dev/input/js0", false},
		{"/dev/input/by-id/usb-RFIDeas_pcProx-event-kbd", true},
		{"/dev/input/by-id/usb-Logitech_USB_Receiver-if01-event-mouse", false},
	}
	for _, tt := range tests {
		if got := MatchEventNodes(tt.path); got != tt.want {
			t.Errorf("MatchEventNodes(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestMatchDeviceFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	node := filepath.Join(dir, "event9")
	link := filepath.Join(dir, "reader-event-kbd")
	if err := os.WriteFile(node, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(node, link); err != nil {
		t.Fatal(err)
	}
	// t.TempDir may itself sit behind a symlink (macOS /var).
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		t.Fatal(err)
	}

	match := MatchDevice(link)
	if !match(link) || !match(resolved) {
		t.Error("expected link and its target to match")
	}
	if match(filepath.Join(dir, "event10")) {
		t.Error("unrelated node should not match")
	}

	if !MatchDevice("")("/dev/input/event0") {
		t.Error("empty device path should match any event node")
	}
}

func TestDebounceCollapsesFlap(t *testing.T) {
	w, fake := newTestWatcher(t, t.TempDir())
	path := "/dev/input/event4"

	w.observe(path, true)
	fake.Advance(100 * time.Millisecond)
	w.observe(path, false)
	fake.Advance(DefaultDebounce)
	expectNoEvent(t, w)

	w.observe(path, true)
	fake.Advance(DefaultDebounce - time.Millisecond)
	expectNoEvent(t, w)
	fake.Advance(time.Millisecond)
	expectEvent(t, w, Attached, path)

	// Re-enumeration: removed and recreated inside one window.
	w.observe(path, false)
	w.observe(path, true)
	fake.Advance(DefaultDebounce)
	expectNoEvent(t, w)

	if got := w.Present(); !slices.Equal(got, []string{path}) {
		t.Errorf("Present() = %v", got)
	}
}

func TestNonMatchingPathsIgnored(t *testing.T) {
	w, fake := newTestWatcher(t, t.TempDir())

	w.observe("/dev/input/mouse1", true)
	if fake.PendingCount() != 0 {
		t.Fatal("non-matching path armed a timer")
	}
	fake.Advance(DefaultDebounce)
	expectNoEvent(t, w)
}

func TestWatchDirectory(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "event0")
	if err := os.WriteFile(existing, nil, 0600); err != nil {
		t.Fatal(err)
	}

	w, fake := newTestWatcher(t, dir)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	if got := w.Present(); !slices.Equal(got, []string{existing}) {
		t.Fatalf("Present() = %v, want [%s]", got, existing)
	}

	reader := filepath.Join(dir, "event5")
	if err := os.WriteFile(reader, nil, 0600); err != nil {
		t.Fatal(err)
	}
	waitPending(t, fake)
	fake.Advance(DefaultDebounce)
	expectEvent(t, w, Attached, reader)

	if err := os.Remove(existing); err != nil {
		t.Fatal(err)
	}
	waitPending(t, fake)
	fake.Advance(DefaultDebounce)
	expectEvent(t, w, Detached, existing)

	if got := w.Present(); !slices.Equal(got, []string{reader}) {
		t.Errorf("Present() = %v, want [%s]", got, reader)
	}
}

func TestWatchLateSubdirectory(t *testing.T) {
	root := t.TempDir()
	byID := filepath.Join(root, "by-id")

	w, fake := newTestWatcher(t, root, byID)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	if err := os.Mkdir(byID, 0755); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(w.fsWatcher.WatchList(), byID) {
		if time.Now().After(deadline) {
			t.Fatal("by-id was not picked up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	link := filepath.Join(byID, "usb-reader-event-kbd")
	if err := os.WriteFile(link, nil, 0600); err != nil {
		t.Fatal(err)
	}
	waitPending(t, fake)
	fake.Advance(DefaultDebounce)
	expectEvent(t, w, Attached, link)
}

func TestStartRequiresADirectory(t *testing.T) {
	w, _ := newTestWatcher(t, filepath.Join(t.TempDir(), "missing"))
	if err := w.Start(); err == nil {
		w.Stop()
		t.Fatal("expected error when no directory exists")
	}
}

func TestStopClosesChannels(t *testing.T) {
	w, fake := newTestWatcher(t, t.TempDir())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.observe("/dev/input/event2", true)
	w.Stop()

	fake.Advance(DefaultDebounce)
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed")
	}
	if _, ok := <-w.Errors(); ok {
		t.Error("errors channel should be closed")
	}
}
