// Package protocol tracks a meeting against a declared schedule of phases
// and records how observed metrics diverge from each phase's expectations.
package protocol

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Phase is one step of the schedule
type Phase struct {
	ID          string             `json:"id"`
	Label       string             `json:"label"`
	Description string             `json:"description,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Expected    map[string]float64 `json:"expected"`
}

// Schedule is the ordered, immutable list of phases for a run
type Schedule struct {
	Name   string  `json:"name"`
	Phases []Phase `json:"phases"`
}

// TotalDuration returns the sum of all phase durations
func (s *Schedule) TotalDuration() time.Duration {
	var total time.Duration
	for _, p := range s.Phases {
		total += p.Duration
	}
	return total
}

// scheduleDoc is the on-disk format. YAML and JSON are both accepted.
//
// Durations may be given as duration_minutes or duration_seconds. Expected
// values may be given as an expected map or as expected_<metric> keys.
type scheduleDoc struct {
	Name   string     `yaml:"name"`
	Phases []phaseDoc `yaml:"phases"`
}

type phaseDoc struct {
	ID              string                 `yaml:"id"`
	Label           string                 `yaml:"label"`
	Description     string                 `yaml:"description"`
	DurationMinutes float64                `yaml:"duration_minutes"`
	DurationSeconds float64                `yaml:"duration_seconds"`
	Expected        map[string]float64     `yaml:"expected"`
	Extra           map[string]interface{} `yaml:",inline"`
}

const expectedPrefix = "expected_"

// LoadSchedule reads and parses a schedule file
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule parses and validates a schedule document
func ParseSchedule(data []byte) (*Schedule, error) {
	var doc scheduleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}

	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("schedule has no phases")
	}

	s := &Schedule{Name: doc.Name, Phases: make([]Phase, 0, len(doc.Phases))}
	seen := make(map[string]bool, len(doc.Phases))

	for i, pd := range doc.Phases {
		if pd.ID == "" {
			return nil, fmt.Errorf("phase %d: id is required", i)
		}
		if seen[pd.ID] {
			return nil, fmt.Errorf("phase %d: duplicate id %q", i, pd.ID)
		}
		seen[pd.ID] = true

		duration := time.Duration(pd.DurationSeconds * float64(time.Second))
		if pd.DurationMinutes > 0 {
			duration = time.Duration(pd.DurationMinutes * float64(time.Minute))
		}
		if duration <= 0 {
			return nil, fmt.Errorf("phase %q: duration must be > 0", pd.ID)
		}

		expected := make(map[string]float64, len(pd.Expected))
		for k, v := range pd.Expected {
			expected[strings.ToLower(k)] = v
		}
		for k, raw := range pd.Extra {
			if !strings.HasPrefix(k, expectedPrefix) {
				continue
			}
			v, ok := toFloat(raw)
			if !ok {
				return nil, fmt.Errorf("phase %q: %s must be a number", pd.ID, k)
			}
			expected[strings.ToLower(strings.TrimPrefix(k, expectedPrefix))] = v
		}

		label := pd.Label
		if label == "" {
			label = pd.ID
		}

		s.Phases = append(s.Phases, Phase{
			ID:          pd.ID,
			Label:       label,
			Description: pd.Description,
			Duration:    duration,
			Expected:    expected,
		})
	}

	return s, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
