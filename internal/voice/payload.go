package voice

import (
	"encoding/json"

	"github.com/coder/websocket"
)

// Payload is an outbound unit accepted by [Channel.Send]. The set of payloads
// is closed: [Audio] and [EndOfAudio] for the listen role, [TextAppend],
// [Flush] and [EndOfStream] for the speak role.
type Payload interface {
	role() Role
	encode() (websocket.MessageType, []byte, error)
}

// Audio is a chunk of raw 16-bit PCM sent as a binary frame.
type Audio []byte

// EndOfAudio tells the transcriber no more audio follows for this utterance.
type EndOfAudio struct{}

// TextAppend appends reply text to the synthesis stream.
type TextAppend string

// Flush forces synthesis of buffered text without ending the stream.
type Flush struct{}

// EndOfStream ends the synthesis stream. The service closes the connection
// after the remaining audio has been sent.
type EndOfStream struct{}

func (Audio) role() Role       { return RoleListen }
func (EndOfAudio) role() Role  { return RoleListen }
func (TextAppend) role() Role  { return RoleSpeak }
func (Flush) role() Role       { return RoleSpeak }
func (EndOfStream) role() Role { return RoleSpeak }

func (a Audio) encode() (websocket.MessageType, []byte, error) {
	return websocket.MessageBinary, a, nil
}

func (EndOfAudio) encode() (websocket.MessageType, []byte, error) {
	return textFrame(controlMessage{Type: "end_of_audio"})
}

func (t TextAppend) encode() (websocket.MessageType, []byte, error) {
	return textFrame(textMessage{Text: string(t), TryTriggerGeneration: true})
}

func (Flush) encode() (websocket.MessageType, []byte, error) {
	return textFrame(textMessage{Text: " ", Flush: true})
}

func (EndOfStream) encode() (websocket.MessageType, []byte, error) {
	return textFrame(endMessage{Text: ""})
}

func textFrame(v any) (websocket.MessageType, []byte, error) {
	b, err := json.Marshal(v)
	return websocket.MessageText, b, err
}
