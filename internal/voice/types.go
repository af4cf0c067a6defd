// Package voice implements the duplex speech channel: one persistent websocket
// to the ElevenLabs streaming API, used either to listen (speech-to-text) or
// to speak (text-to-speech).
//
// Both roles share a single [Channel] implementation. The role decides the
// connection URL, the handshake frame sent on open, which outbound payloads
// are accepted, and how inbound frames are decoded into [Event] values.
//
// A Channel only accepts sends while it is Open. Sends in any other state fail
// with [ErrNotOpen]. The channel never reconnects by itself; failures after
// open are reported as an [EventClosed] and the owner decides what to do.
package voice

import (
	"errors"
	"fmt"
)

// Role selects the direction of a channel.
type Role int

const (
	// RoleListen streams microphone audio in and receives transcripts.
	RoleListen Role = iota

	// RoleSpeak streams reply text in and receives synthesized audio.
	RoleSpeak
)

// String returns the role name used in logs and errors.
func (r Role) String() string {
	switch r {
	case RoleListen:
		return "listen"
	case RoleSpeak:
		return "speak"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the lifecycle position of a channel's connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateFailed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EventKind classifies inbound events.
type EventKind int

const (
	// EventTranscript carries a partial or final transcript (listen role).
	EventTranscript EventKind = iota

	// EventAudio carries decoded synthesized audio (speak role).
	EventAudio

	// EventFinal marks the end of a synthesized utterance (speak role).
	EventFinal

	// EventProtocolError reports an inbound frame that could not be decoded
	// or that carried a service error. Err is a *ProtocolError.
	EventProtocolError

	// EventClosed is the last event on a channel. Err is nil when the remote
	// end closed normally and set when the connection failed.
	EventClosed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventAudio:
		return "audio"
	case EventFinal:
		return "final"
	case EventProtocolError:
		return "protocol_error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a typed inbound message.
type Event struct {
	Kind EventKind

	// Text and IsFinal are set for EventTranscript.
	Text    string
	IsFinal bool

	// Audio is raw PCM for EventAudio.
	Audio []byte

	// Err is set for EventProtocolError and for a failed EventClosed.
	Err error
}

// ErrNotOpen is returned by Send when the channel is not in the Open state.
var ErrNotOpen = errors.New("voice: channel not open")

// ProtocolError describes an inbound frame the channel could not accept.
type ProtocolError struct {
	Role  Role
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("voice: %s: bad inbound frame: %v", e.Role, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
