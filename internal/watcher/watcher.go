// Package watcher reports keyboard-wedge readers appearing and
// disappearing under /dev/input.
package watcher

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cardwedge/internal/clock"
)

// DefaultDebounce collapses the remove/create bursts udev produces
// while a USB device re-enumerates.
const DefaultDebounce = 250 * time.Millisecond

// DefaultDirs are the directories watched when Config.Dirs is empty.
var DefaultDirs = []string{"/dev/input", "/dev/input/by-id"}

// Kind says whether a device appeared or went away.
type Kind int

const (
	Attached Kind = iota
	Detached
)

func (k Kind) String() string {
	if k == Attached {
		return "attached"
	}
	return "detached"
}

// Event reports a settled change in device presence.
type Event struct {
	Kind      Kind
	Path      string
	Timestamp time.Time
}

// Matcher selects the device nodes a Watcher reports on.
type Matcher func(path string) bool

// MatchEventNodes accepts evdev nodes and the keyboard links in by-id.
func MatchEventNodes(path string) bool {
	base := filepath.Base(path)
	if filepath.Base(filepath.Dir(path)) == "by-id" {
		return strings.HasSuffix(base, "-event-kbd")
	}
	return strings.HasPrefix(base, "event")
}

// MatchDevice accepts devicePath and, if it is a symlink, the node it
// currently resolves to. An empty devicePath falls back to
// MatchEventNodes.
func MatchDevice(devicePath string) Matcher {
	if devicePath == "" {
		return MatchEventNodes
	}
	want := []string{filepath.Clean(devicePath)}
	if target, err := filepath.EvalSymlinks(devicePath); err == nil && target != want[0] {
		want = append(want, target)
	}
	return func(path string) bool {
		return slices.Contains(want, filepath.Clean(path))
	}
}

// Config configures a Watcher.
type Config struct {
	Dirs     []string
	Match    Matcher
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

type pendingChange struct {
	present bool
	gen     uint64
	timer   *clock.Timer
}

// Watcher monitors input directories for reader hotplug.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dirs      []string
	match     Matcher
	debounce  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingChange
	present map[string]bool
	gen     uint64
	stopped bool

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		dirs:      cfg.Dirs,
		match:     cfg.Match,
		debounce:  cfg.Debounce,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		pending:   make(map[string]*pendingChange),
		present:   make(map[string]bool),
		events:    make(chan Event, 16),
		errors:    make(chan error, 4),
		done:      make(chan struct{}),
	}
	if len(w.dirs) == 0 {
		w.dirs = DefaultDirs
	}
	if w.match == nil {
		w.match = MatchEventNodes
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w, nil
}

// Events returns the channel of settled presence changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start records the devices already present and begins watching.
// Directories that do not exist yet are skipped; at least one must
// exist.
func (w *Watcher) Start() error {
	watched := 0
	for _, dir := range w.dirs {
		if err := w.addDir(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				w.logger.Debug("watch dir missing", "dir", dir)
				continue
			}
			return err
		}
		watched++
	}
	if watched == 0 {
		return &os.PathError{Op: "watch", Path: strings.Join(w.dirs, ","), Err: os.ErrNotExist}
	}

	w.wg.Add(1)
	go w.eventLoop()
	return nil
}

// addDir watches dir and seeds the presence set from its entries.
func (w *Watcher) addDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if w.match(path) {
			w.present[path] = true
		}
	}
	return nil
}

// Stop shuts down the watcher and closes its channels. Pending changes
// are dropped.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	w.stopped = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	close(w.events)
	close(w.errors)
	w.mu.Unlock()
	return err
}

// Present returns the matching devices currently known to exist.
func (w *Watcher) Present() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.present))
	for path := range w.present {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// WatchedDirs returns the directories configured for watching.
func (w *Watcher) WatchedDirs() []string {
	return w.dirs
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		// by-id is created by udev when the first keyboard appears.
		if slices.Contains(w.dirs, event.Name) {
			if err := w.addDir(event.Name); err != nil {
				w.logger.Warn("watch new dir", "dir", event.Name, "error", err)
			}
			return
		}
		w.observe(event.Name, true)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.observe(event.Name, false)
	}
}

// observe records a raw presence change for path and (re)arms its
// debounce timer. Only the last change within the window is reported,
// and only if it differs from the last reported state.
func (w *Watcher) observe(path string, present bool) {
	if !w.match(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	w.gen++
	gen := w.gen
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
	}
	p := &pendingChange{present: present, gen: gen}
	w.pending[path] = p
	p.timer = w.clock.AfterFunc(w.debounce, func() { w.settle(path, gen) })
}

func (w *Watcher) settle(path string, gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[path]
	if !ok || p.gen != gen || w.stopped {
		return
	}
	delete(w.pending, path)

	if w.present[path] == p.present {
		return
	}
	if p.present {
		w.present[path] = true
	} else {
		delete(w.present, path)
	}

	ev := Event{Kind: Detached, Path: path, Timestamp: w.clock.Now()}
	if p.present {
		ev.Kind = Attached
	}
	w.logger.Info("reader "+ev.Kind.String(), "device", path)

	select {
	case w.events <- ev:
	default:
		w.logger.Warn("hotplug event dropped", "device", path, "kind", ev.Kind)
	}
}
