package detect

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/jack-at-someai/core/internal/types"
)

// Simulated produces synthetic detections for running without a model.
//
// Every payload yields SubjectsPerSource subjects named "<source>-<n>".
// Each subject drifts between a dominant category and neutral, so scores
// vary smoothly from frame to frame.
type Simulated struct {
	SubjectsPerSource int

	mu       sync.Mutex
	rng      *rand.Rand
	dominant map[string]string
}

// NewSimulated creates a deterministic simulated detector
func NewSimulated(seed int64, subjectsPerSource int) *Simulated {
	if subjectsPerSource <= 0 {
		subjectsPerSource = 1
	}
	return &Simulated{
		SubjectsPerSource: subjectsPerSource,
		rng:               rand.New(rand.NewSource(seed)),
		dominant:          make(map[string]string),
	}
}

// Detect implements Detector
func (s *Simulated) Detect(ctx context.Context, payload types.Payload) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Detection, 0, s.SubjectsPerSource)
	for i := 1; i <= s.SubjectsPerSource; i++ {
		subject := fmt.Sprintf("%s-%d", payload.SourceID, i)

		// Occasionally switch mood; neutral is the most likely one
		dom, ok := s.dominant[subject]
		if !ok || s.rng.Float64() < 0.1 {
			dom = s.pickDominant()
			s.dominant[subject] = dom
		}

		scores := s.scores(dom)
		out = append(out, types.Detection{
			SubjectID:       subject,
			PrimaryCategory: primary(scores),
			CategoryScores:  scores,
			Confidence:      types.Round(0.5+s.rng.Float64()*0.49, 3),
			SourceID:        payload.SourceID,
			Timestamp:       payload.Timestamp,
		})
	}
	return out, nil
}

func (s *Simulated) pickDominant() string {
	if s.rng.Float64() < 0.5 {
		return "neutral"
	}
	return Categories[s.rng.Intn(len(Categories))]
}

// scores spreads a unit mass over all categories with most of it on dom
func (s *Simulated) scores(dom string) map[string]float64 {
	main := 0.5 + s.rng.Float64()*0.4
	rest := 1 - main

	weights := make([]float64, len(Categories))
	var total float64
	for i, c := range Categories {
		weights[i] = s.rng.Float64()
		if c != dom {
			total += weights[i]
		}
	}

	scores := make(map[string]float64, len(Categories))
	for i, c := range Categories {
		if c == dom {
			scores[c] = types.Round(main, 3)
			continue
		}
		scores[c] = types.Round(rest*weights[i]/total, 3)
	}
	return scores
}
