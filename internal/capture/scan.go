package capture

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OutcomeKind is how a scan ended.
type OutcomeKind int

const (
	// OutcomeToken: the reader sent a terminated, non-empty token.
	OutcomeToken OutcomeKind = iota
	// OutcomeTimedOut: the scan deadline passed without a token.
	OutcomeTimedOut
	// OutcomeSuperseded: another Start replaced this scan.
	OutcomeSuperseded
	// OutcomeStopped: Stop or Cancel ended the scan.
	OutcomeStopped
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeToken:      "token",
	OutcomeTimedOut:   "timed_out",
	OutcomeSuperseded: "superseded",
	OutcomeStopped:    "stopped",
}

// String returns the wire name of the outcome kind.
func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OutcomeKind) UnmarshalText(text []byte) error {
	for kind, name := range outcomeNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Outcome is the resolved result of a scan.
type Outcome struct {
	Kind    OutcomeKind   `json:"kind"`
	Token   string        `json:"token,omitempty"`
	ScanID  uint64        `json:"scan_id"`
	Elapsed time.Duration `json:"elapsed"`
	At      time.Time     `json:"at"`
}

// OK reports whether the outcome carries a token.
func (o Outcome) OK() bool { return o.Kind == OutcomeToken }

// Scan is the handle for one Start call. It resolves exactly once.
type Scan struct {
	ID        uint64
	StartedAt time.Time
	Timeout   time.Duration

	session *Session
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newScan(s *Session, id uint64, startedAt time.Time, timeout time.Duration) *Scan {
	return &Scan{
		ID:        id,
		StartedAt: startedAt,
		Timeout:   timeout,
		session:   s,
		done:      make(chan struct{}),
	}
}

// resolve records the outcome. Only the first call has any effect.
func (sc *Scan) resolve(o Outcome) bool {
	resolved := false
	sc.once.Do(func() {
		sc.outcome = o
		close(sc.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the scan resolves.
func (sc *Scan) Done() <-chan struct{} { return sc.done }

// Outcome returns the outcome and whether the scan has resolved.
func (sc *Scan) Outcome() (Outcome, bool) {
	select {
	case <-sc.done:
		return sc.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the scan resolves or ctx is done. A done context
// does not cancel the scan; call Cancel for that.
func (sc *Scan) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-sc.done:
		return sc.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel stops the session if this scan is still the active one. It
// never affects a scan that superseded this one.
func (sc *Scan) Cancel() {
	sc.session.cancel(sc)
}
