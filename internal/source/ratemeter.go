package source

import "time"

// RateMeter is a simple windowed byte-rate counter: SPEC_FULL.md §4.3
// describes "the incoming/outgoing rate meters (windows 60s/9000s)"
// without mandating an algorithm, so this is a plain bucketed average
// rather than a true sliding window, matching the corpus's preference for
// straightforward stdlib-only counters over a metrics library (§1.1).
type RateMeter struct {
	window time.Duration

	windowStart time.Time
	windowBytes int64

	rate int64 // bytes/sec, updated once per window rollover
}

// NewRateMeter creates a meter averaging over window.
func NewRateMeter(window time.Duration) *RateMeter {
	return &RateMeter{window: window}
}

// Add records n bytes observed at now, rolling the window over and
// recomputing Rate when it has elapsed.
func (m *RateMeter) Add(now time.Time, n int64) {
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowBytes += n

	elapsed := now.Sub(m.windowStart)
	if elapsed >= m.window {
		secs := elapsed.Seconds()
		if secs > 0 {
			m.rate = int64(float64(m.windowBytes) / secs)
		}
		m.windowStart = now
		m.windowBytes = 0
	}
}

// Rate returns the most recently computed bytes/sec figure.
func (m *RateMeter) Rate() int64 { return m.rate }

// Dampen halves the rate, used when the last listener disconnects
// (SPEC_FULL.md §4.6 release_listener: "dampen the out-bitrate meter").
func (m *RateMeter) Dampen() { m.rate /= 2 }
