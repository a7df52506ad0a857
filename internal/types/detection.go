package types

import "time"

// Detection is a single subject found in a payload by the detector
type Detection struct {
	SubjectID       string             `json:"subject_id" msgpack:"subject_id"`
	PrimaryCategory string             `json:"primary_category" msgpack:"primary_category"`
	CategoryScores  map[string]float64 `json:"category_scores" msgpack:"category_scores"`
	Confidence      float64            `json:"confidence" msgpack:"confidence"`
	SourceID        string             `json:"source_id" msgpack:"-"`
	Timestamp       time.Time          `json:"timestamp" msgpack:"-"`
}
