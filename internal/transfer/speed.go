package transfer

import (
	"sync"
	"time"
)

// DefaultSpeedWindow is the trailing window used for speed averages.
const DefaultSpeedWindow = 5 * time.Second

type sample struct {
	at    time.Time
	total int64
}

// SpeedWindow averages throughput over a trailing time window.
type SpeedWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

func NewSpeedWindow(window time.Duration) *SpeedWindow {
	if window <= 0 {
		window = DefaultSpeedWindow
	}
	return &SpeedWindow{window: window}
}

// Add records the cumulative byte count at a point in time.
func (s *SpeedWindow) Add(at time.Time, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.samples); n > 0 && total < s.samples[n-1].total {
		// Counter went backwards (restart from zero); old samples are meaningless.
		s.samples = s.samples[:0]
	}
	s.samples = append(s.samples, sample{at: at, total: total})
	s.trim(at)
}

// trim keeps one sample at or before the window start as the baseline.
func (s *SpeedWindow) trim(now time.Time) {
	cutoff := now.Add(-s.window)
	drop := 0
	for drop+1 < len(s.samples) && !s.samples[drop+1].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		s.samples = append(s.samples[:0], s.samples[drop:]...)
	}
}

// Rate returns bytes per second over the window ending at now.
func (s *SpeedWindow) Rate(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trim(now)
	if len(s.samples) < 2 {
		return 0
	}
	first, last := s.samples[0], s.samples[len(s.samples)-1]
	elapsed := now.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.total-first.total) / elapsed
}

// Reset drops all samples.
func (s *SpeedWindow) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = s.samples[:0]
}
