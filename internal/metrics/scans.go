package metrics

import (
	"io"
	"time"

	"cardwedge/internal/capture"
)

// ScanMetrics are the daemon's scan and reader series.
type ScanMetrics struct {
	registry *Registry

	ScanDuration    *Histogram
	ReaderConnected *Gauge
	ReaderAttached  *Counter
	ReaderDetached  *Counter
	ConfigReloads   *Counter
	ConfigRejected  *Counter

	started time.Time
	uptime  *Gauge
}

// outcomes lists every scan outcome so each series exists from startup.
var outcomes = []capture.OutcomeKind{
	capture.OutcomeToken,
	capture.OutcomeTimedOut,
	capture.OutcomeSuperseded,
	capture.OutcomeStopped,
}

// NewScanMetrics registers the scan series on registry. A nil registry
// gets a fresh one under the "cardwedge" namespace.
func NewScanMetrics(registry *Registry) *ScanMetrics {
	if registry == nil {
		registry = NewRegistry("cardwedge")
	}
	m := &ScanMetrics{
		registry: registry,
		ScanDuration: registry.Histogram("scan_duration_seconds",
			"Time from scan start to its outcome", nil, DurationBuckets),
		ReaderConnected: registry.Gauge("reader_connected",
			"Whether the keystroke source is delivering input", nil),
		ReaderAttached: registry.Counter("reader_attached_total",
			"Reader hotplug attach events handled", nil),
		ReaderDetached: registry.Counter("reader_detached_total",
			"Reader hotplug detach events handled", nil),
		ConfigReloads: registry.Counter("config_reloads_total",
			"Configuration reloads applied", nil),
		ConfigRejected: registry.Counter("config_reloads_rejected_total",
			"Configuration reloads rejected as invalid", nil),
		uptime: registry.Gauge("uptime_seconds",
			"Seconds since the daemon started", nil),
		started: time.Now(),
	}
	for _, kind := range outcomes {
		m.scans(kind)
	}
	registry.Counter("scans_started_total", "Scans started by any caller", nil)
	return m
}

// Registry returns the registry the series live on.
func (m *ScanMetrics) Registry() *Registry {
	// Uptime is computed on read.
	m.uptime.Set(int64(time.Since(m.started).Seconds()))
	return m.registry
}

func (m *ScanMetrics) scans(kind capture.OutcomeKind) *Counter {
	return m.registry.Counter("scans_total", "Scans finished, by outcome",
		Labels{"outcome": kind.String()})
}

// ScanStarted counts one started scan.
func (m *ScanMetrics) ScanStarted() {
	m.registry.Counter("scans_started_total", "Scans started by any caller", nil).Inc()
}

// ScanFinished counts an outcome and records its duration.
func (m *ScanMetrics) ScanFinished(o capture.Outcome) {
	m.scans(o.Kind).Inc()
	m.ScanDuration.ObserveDuration(o.Elapsed)
}

// Scans returns the number of scans that finished with kind.
func (m *ScanMetrics) Scans(kind capture.OutcomeKind) uint64 {
	return m.scans(kind).Value()
}

// WritePrometheus writes every series in the Prometheus text format.
func (m *ScanMetrics) WritePrometheus(w io.Writer) error {
	return m.Registry().WritePrometheus(w)
}

// WriteJSON writes every series as JSON.
func (m *ScanMetrics) WriteJSON(w io.Writer) error {
	return m.Registry().WriteJSON(w)
}
