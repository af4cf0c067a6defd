package turn

import "fmt"

// State is the turn-taking position of a session. Exactly one state is active
// at a time.
type State int32

const (
	// Idle: nobody is speaking and no reply is pending.
	Idle State = iota

	// Listening: the user is speaking.
	Listening

	// Thinking: the user stopped; a reply is being requested or awaited.
	Thinking

	// Speaking: reply fragments are being synthesized.
	Speaking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
