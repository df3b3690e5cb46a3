// Package telemetry keeps a rolling window of numeric readings parsed from
// peripheral payloads.
package telemetry

import (
	"strconv"
	"strings"
	"sync"
)

// DefaultWindow is the number of readings kept when none is configured.
const DefaultWindow = 16

// Series is a fixed-size window of the most recent readings.
// It is safe for concurrent use.
type Series struct {
	mu     sync.Mutex
	window int
	values []float64
}

// NewSeries creates a Series holding at most window readings.
// A window <= 0 uses DefaultWindow.
func NewSeries(window int) *Series {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Series{window: window, values: make([]float64, 0, window)}
}

// Add parses payload as a float and appends it, evicting the oldest
// reading when the window is full. Payloads that are not numbers are
// ignored and Add reports false.
func (s *Series) Add(payload string) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 32)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == s.window {
		copy(s.values, s.values[1:])
		s.values = s.values[:len(s.values)-1]
	}
	s.values = append(s.values, v)
	return true
}

// Values returns a copy of the readings, oldest first.
func (s *Series) Values() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// Len returns the number of readings held.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Latest returns the most recent reading.
func (s *Series) Latest() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0, false
	}
	return s.values[len(s.values)-1], true
}

// Range returns the smallest and largest readings in the window.
func (s *Series) Range() (lo, hi float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0, 0, false
	}
	lo, hi = s.values[0], s.values[0]
	for _, v := range s.values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, true
}

// Reset discards all readings.
func (s *Series) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = s.values[:0]
}
