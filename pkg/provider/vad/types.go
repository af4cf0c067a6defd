package vad

import (
	"fmt"
	"time"
)

// EdgeType enumerates speech edges.
type EdgeType int

const (
	// SpeechStarted indicates the first loud frame after silence.
	SpeechStarted EdgeType = iota

	// SpeechStopped indicates the hangover elapsed with no further loud frame.
	SpeechStopped
)

// String returns the human-readable name of the edge type.
func (t EdgeType) String() string {
	switch t {
	case SpeechStarted:
		return "STARTED"
	case SpeechStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("EdgeType(%d)", int(t))
	}
}

// Edge is a single speech transition emitted by a [Tracker].
type Edge struct {
	// Type is the transition.
	Type EdgeType

	// Energy is the reading that caused the edge. Zero for SpeechStopped.
	Energy float64

	// At is the time the edge was detected.
	At time.Time
}
