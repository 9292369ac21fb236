package keystroke

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned by Acquire while another consumer holds the hub.
var ErrBusy = errors.New("keystroke hub already acquired")

// Grabber gives a consumer kernel-level exclusive access to the
// underlying device, so reader keystrokes stop reaching other
// applications while a scan is in progress.
type Grabber interface {
	Grab() error
	Ungrab() error
}

// HubStats counts how the hub routed events.
type HubStats struct {
	Published uint64 `json:"published"`
	Consumed  uint64 `json:"consumed"`
	Observed  uint64 `json:"observed"`
	Acquired  uint64 `json:"acquired"`
}

// Hub is the process-wide keystroke publisher. Sources publish into it;
// at most one Subscription receives events exclusively, and only when
// nobody holds a Subscription are events passed to observers.
type Hub struct {
	mu        sync.Mutex
	owner     *Subscription
	observers map[int]func(KeyEvent)
	nextID    int
	grabber   Grabber
	stats     HubStats
	logger    *slog.Logger
}

// Subscription is exclusive ownership of the hub's event stream.
type Subscription struct {
	hub     *Hub
	handler func(KeyEvent)
	once    sync.Once
}

// NewHub creates a hub. A nil logger discards log output.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		observers: make(map[int]func(KeyEvent)),
		logger:    logger,
	}
}

// SetGrabber installs the device grabber used while the hub is held.
func (h *Hub) SetGrabber(g Grabber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.grabber = g
	if g != nil && h.owner != nil {
		if err := g.Grab(); err != nil {
			h.logger.Warn("grab input device", "error", err)
		}
	}
}

// Publish routes ev to the exclusive consumer or, if there is none,
// to every observer. It is the Sink sources should publish into.
func (h *Hub) Publish(ev KeyEvent) {
	h.mu.Lock()
	h.stats.Published++
	if h.owner != nil {
		h.stats.Consumed++
		handler := h.owner.handler
		h.mu.Unlock()
		handler(ev)
		return
	}
	observers := make([]func(KeyEvent), 0, len(h.observers))
	for _, fn := range h.observers {
		observers = append(observers, fn)
	}
	if len(observers) > 0 {
		h.stats.Observed++
	}
	h.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Acquire grants handler exclusive delivery of events until the
// returned Subscription is released.
func (h *Hub) Acquire(handler func(KeyEvent)) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("keystroke: nil handler")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.owner != nil {
		return nil, ErrBusy
	}
	sub := &Subscription{hub: h, handler: handler}
	h.owner = sub
	h.stats.Acquired++

	if h.grabber != nil {
		if err := h.grabber.Grab(); err != nil {
			h.logger.Warn("grab input device", "error", err)
		}
	}
	return sub, nil
}

// Release gives up exclusive delivery. Idempotent.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.owner != s {
			return
		}
		h.owner = nil
		if h.grabber != nil {
			if err := h.grabber.Ungrab(); err != nil {
				h.logger.Warn("release input device", "error", err)
			}
		}
	})
}

// Busy reports whether a subscription is held.
func (h *Hub) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner != nil
}

// Observe registers fn to see events nobody consumed. The returned
// function unregisters it.
func (h *Hub) Observe(fn func(KeyEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.observers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.observers, id)
	}
}

// Stats returns a snapshot of routing counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
