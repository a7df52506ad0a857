package stream

import (
	"math"
	"testing"
	"time"
)

func TestRateWindow(t *testing.T) {
	base := time.Unix(1000, 0)

	tests := []struct {
		name   string
		size   int
		frames int
		gap    time.Duration
		want   float64
	}{
		{"no frames", 10, 0, time.Second, 0},
		{"one frame", 10, 1, time.Second, 0},
		{"two frames one second apart", 10, 2, time.Second, 1},
		{"ten frames at 3fps", 10, 10, time.Second / 3, 3},
		{"window evicts old frames", 10, 40, 100 * time.Millisecond, 10},
		{"zero elapsed", 10, 5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewRateWindow(tt.size)
			var got float64
			for i := 0; i < tt.frames; i++ {
				got = w.Add(base.Add(time.Duration(i) * tt.gap))
			}
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("Rate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateWindowUsesOnlyLastN(t *testing.T) {
	w := NewRateWindow(10)
	base := time.Unix(0, 0)

	// 10 slow frames followed by 10 fast frames: only the fast ones count
	ts := base
	for i := 0; i < 10; i++ {
		w.Add(ts)
		ts = ts.Add(time.Second)
	}
	for i := 0; i < 10; i++ {
		ts = ts.Add(100 * time.Millisecond)
		w.Add(ts)
	}

	if got := w.Rate(); math.Abs(got-10) > 0.01 {
		t.Errorf("Rate() = %v, want 10", got)
	}

	w.Reset()
	if got := w.Rate(); got != 0 {
		t.Errorf("Rate() after Reset = %v, want 0", got)
	}
}
