package types

import (
	"image"
	"time"
)

// Payload is the latest fully decoded frame held for a source
type Payload struct {
	// SourceID identifies the camera that produced the frame
	SourceID string
	// Seq is the per-source monotonic frame number
	Seq uint64
	// Timestamp is when the frame was decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Image is the decoded frame
	Image image.Image
	// Data contains the raw JPEG bytes the frame was decoded from
	Data []byte
	// TraceID is a unique identifier for following a frame through detection
	TraceID string
}

// SourceHealth reports the connection state of a single source
type SourceHealth struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	State        string    `json:"state"`
	Connected    bool      `json:"connected"`
	Rate         float64   `json:"rate"`
	LastUpdate   time.Time `json:"last_update"`
	Frames       uint64    `json:"frames"`
	DecodeErrors uint64    `json:"decode_errors"`
	Reconnects   uint32    `json:"reconnects"`
	LastError    string    `json:"last_error,omitempty"`
}
