// Package detect provides detection functions that turn a decoded frame into
// per-subject category scores.
package detect

import (
	"context"
	"math"

	"github.com/jack-at-someai/core/internal/types"
)

// Detector finds subjects in a payload.
// Implementations must be safe for use by one caller at a time and should
// honour ctx cancellation.
type Detector interface {
	Detect(ctx context.Context, payload types.Payload) ([]types.Detection, error)
}

// Func adapts a function to Detector
type Func func(ctx context.Context, payload types.Payload) ([]types.Detection, error)

// Detect implements Detector
func (f Func) Detect(ctx context.Context, payload types.Payload) ([]types.Detection, error) {
	return f(ctx, payload)
}

// Categories are the emotion categories the detectors report
var Categories = []string{"angry", "disgust", "fear", "happy", "neutral", "sad", "surprise"}

// primary returns the highest scoring category, ties broken alphabetically
func primary(scores map[string]float64) string {
	best, bestScore := "", math.Inf(-1)
	for c, s := range scores {
		if s > bestScore || (s == bestScore && c < best) {
			best, bestScore = c, s
		}
	}
	return best
}
