package types

import "strings"

const (
	// NodeTypePerson is the node type assigned to detected subjects
	NodeTypePerson = "Person"
	// RelationCoAttending links two subjects seen in the same frame
	RelationCoAttending = "CO_ATTENDING"
	// MetricEngagement is the per-subject composite score
	MetricEngagement = "ENGAGEMENT"
	// MetricAvgEngagement is the room-level mean of subject scores
	MetricAvgEngagement = "AVG_ENGAGEMENT"
	// RoomNode is the node carrying room-level aggregates
	RoomNode = "ROOM"

	signalPrefix = "EMOTION:"
)

// SignalLabel builds the label for a category, e.g. "happy" -> "EMOTION:HAPPY"
func SignalLabel(category string) string {
	return signalPrefix + strings.ToUpper(category)
}

// CategoryFromLabel reverses SignalLabel. Labels without the prefix are
// returned lower-cased as-is.
func CategoryFromLabel(label string) string {
	return strings.ToLower(strings.TrimPrefix(label, signalPrefix))
}
