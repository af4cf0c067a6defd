// Package vad implements energy-threshold voice activity detection with a
// hangover timer.
//
// A [Tracker] turns a stream of PCM frames into speech edges. SpeechStarted is
// reported on the first frame whose RMS energy exceeds the threshold.
// SpeechStopped is reported by [Tracker.Check] once the hangover has elapsed
// since the last loud frame, so short pauses inside a sentence do not end the
// utterance.
//
// The tracker never reads the wall clock; callers pass the current time. This
// lets the owner drive the deadline from a timer and lets tests control time.
// A Tracker is not safe for concurrent use and is meant to be owned by a single
// event loop.
package vad

import (
	"fmt"
	"time"

	"github.com/MrWong99/vibepm/pkg/audio"
)

const (
	// DefaultThreshold is the RMS level above which a frame counts as speech.
	DefaultThreshold = 0.01

	// DefaultHangover is how long the tracker stays in speech after the last
	// loud frame.
	DefaultHangover = 1500 * time.Millisecond
)

// Config holds the tracker parameters. Zero fields take the defaults.
type Config struct {
	// Threshold is the activation level in (0, 1).
	Threshold float64

	// Hangover is the silence grace period.
	Hangover time.Duration
}

// Tracker is a stateful speech edge detector.
type Tracker struct {
	threshold float64
	hangover  time.Duration

	speaking bool
	deadline time.Time
}

// NewTracker validates cfg and returns a tracker in the silent state.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Hangover == 0 {
		cfg.Hangover = DefaultHangover
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("vad: threshold %g must be in (0, 1)", cfg.Threshold)
	}
	if cfg.Hangover < 0 {
		return nil, fmt.Errorf("vad: hangover %s must be positive", cfg.Hangover)
	}
	return &Tracker{threshold: cfg.Threshold, hangover: cfg.Hangover}, nil
}

// Observe measures frame and returns a SpeechStarted edge when it is the first
// loud frame of an utterance. Every loud frame re-arms the silence deadline.
// Observe never reports SpeechStopped.
func (t *Tracker) Observe(frame []byte, now time.Time) (Edge, bool) {
	return t.ObserveEnergy(audio.Energy(frame), now)
}

// ObserveEnergy is Observe for a precomputed energy reading.
func (t *Tracker) ObserveEnergy(energy float64, now time.Time) (Edge, bool) {
	if energy <= t.threshold {
		return Edge{}, false
	}
	t.deadline = now.Add(t.hangover)
	if t.speaking {
		return Edge{}, false
	}
	t.speaking = true
	return Edge{Type: SpeechStarted, Energy: energy, At: now}, true
}

// Check reports SpeechStopped when the tracker is in speech and the silence
// deadline is at or before now.
func (t *Tracker) Check(now time.Time) (Edge, bool) {
	if !t.speaking || now.Before(t.deadline) {
		return Edge{}, false
	}
	t.speaking = false
	t.deadline = time.Time{}
	return Edge{Type: SpeechStopped, At: now}, true
}

// Deadline returns the pending silence deadline. ok is false when the tracker
// is silent and no deadline is armed.
func (t *Tracker) Deadline() (deadline time.Time, ok bool) {
	if !t.speaking {
		return time.Time{}, false
	}
	return t.deadline, true
}

// Speaking reports whether the tracker is inside an utterance.
func (t *Tracker) Speaking() bool { return t.speaking }

// Threshold returns the activation level.
func (t *Tracker) Threshold() float64 { return t.threshold }

// Hangover returns the silence grace period.
func (t *Tracker) Hangover() time.Duration { return t.hangover }

// Reset returns the tracker to the silent state without emitting an edge.
func (t *Tracker) Reset() {
	t.speaking = false
	t.deadline = time.Time{}
}
