package stream

import "time"

// DefaultRateWindow is the number of frame times the rolling rate covers
const DefaultRateWindow = 10

// RateWindow computes a rolling frames-per-second over the last N frames
type RateWindow struct {
	times []time.Time
	size  int
}

// NewRateWindow creates a window over the last size frames
func NewRateWindow(size int) *RateWindow {
	if size < 2 {
		size = DefaultRateWindow
	}
	return &RateWindow{size: size, times: make([]time.Time, 0, size)}
}

// Add records a frame time and returns the updated rate
func (w *RateWindow) Add(t time.Time) float64 {
	if len(w.times) == w.size {
		copy(w.times, w.times[1:])
		w.times = w.times[:w.size-1]
	}
	w.times = append(w.times, t)
	return w.Rate()
}

// Rate returns (n-1)/(newest-oldest) in frames per second, or 0 when fewer
// than two frames are held or no time has elapsed
func (w *RateWindow) Rate() float64 {
	n := len(w.times)
	if n < 2 {
		return 0
	}
	elapsed := w.times[n-1].Sub(w.times[0]).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n-1) / elapsed
}

// Reset clears recorded frame times
func (w *RateWindow) Reset() {
	w.times = w.times[:0]
}
