package observer

import "github.com/jack-at-someai/core/internal/types"

// DefaultWeights maps each category to its engagement contribution
var DefaultWeights = map[string]float64{
	"happy":    0.95,
	"surprise": 0.85,
	"neutral":  0.50,
	"sad":      0.25,
	"fear":     0.20,
	"angry":    0.15,
	"disgust":  0.10,
}

// unknownWeight applies to categories missing from the weight table
const unknownWeight = 0.5

// Engagement is the score-weighted mean of category weights, clamped to
// [0,1] and rounded to 3 decimals. No scores (or all zero) yields 0.5.
func Engagement(scores map[string]float64, weights map[string]float64) float64 {
	if weights == nil {
		weights = DefaultWeights
	}

	var weighted, total float64
	for category, score := range scores {
		w, ok := weights[category]
		if !ok {
			w = unknownWeight
		}
		weighted += score * w
		total += score
	}
	if total <= 0 {
		return 0.5
	}

	e := weighted / total
	if e < 0 {
		e = 0
	} else if e > 1 {
		e = 1
	}
	return types.Round(e, 3)
}
