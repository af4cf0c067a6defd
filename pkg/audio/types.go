// Package audio defines the PCM frame type that flows from the microphone to
// the speech channels and the energy measurement used for voice activity
// detection.
//
// All audio in a session is 16-bit signed little-endian PCM. The sample rate
// and channel count are fixed for the lifetime of a session.
package audio

import "time"

// DefaultSampleRate is the capture and playback rate used by a session. It
// matches the pcm_16000 output format requested from the speech service.
const DefaultSampleRate = 16000

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the session format: 16 kHz, one channel.
var Mono16k = Format{SampleRate: DefaultSampleRate, Channels: 1}

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are treated as immutable once handed to a consumer.
type AudioFrame struct {
	// PCM audio data (int16 little-endian).
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Frames with an unknown
// format report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Sink consumes synthesized speech. Interrupt must drop any queued audio
// immediately; it is the target of barge-in.
type Sink interface {
	Play(pcm []byte) error
	Interrupt()
}
