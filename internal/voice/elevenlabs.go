package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	defaultBaseURL      = "wss://api.elevenlabs.io"
	defaultListenModel  = "scribe_v1"
	defaultSpeakModel   = "eleven_turbo_v2_5"
	defaultOutputFormat = "pcm_16000"
	defaultDialTimeout  = 10 * time.Second

	listenPath = "/v1/speech-to-text/stream"
	speakPath  = "/v1/text-to-speech/%s/stream-input"
)

// Option is a functional option for configuring a [Dialer].
type Option func(*Dialer)

// WithBaseURL overrides the websocket origin (scheme and host). Used by tests
// to point the dialer at a local server.
func WithBaseURL(base string) Option {
	return func(d *Dialer) { d.baseURL = base }
}

// WithVoice sets the ElevenLabs voice ID used by speak channels.
func WithVoice(voiceID string) Option {
	return func(d *Dialer) { d.voiceID = voiceID }
}

// WithListenModel sets the speech-to-text model (e.g. "scribe_v1").
func WithListenModel(model string) Option {
	return func(d *Dialer) { d.listenModel = model }
}

// WithSpeakModel sets the text-to-speech model (e.g. "eleven_turbo_v2_5").
func WithSpeakModel(model string) Option {
	return func(d *Dialer) { d.speakModel = model }
}

// WithOutputFormat sets the synthesized audio format (e.g. "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(d *Dialer) { d.outputFormat = format }
}

// WithVoiceSettings sets the stability and similarity boost sent in the
// speak handshake.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(d *Dialer) {
		d.settings = voiceSettings{Stability: stability, SimilarityBoost: similarityBoost}
	}
}

// WithDialTimeout bounds the dial and handshake of a single Connect.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.dialTimeout = timeout }
}

// Dialer opens ElevenLabs channels. It is immutable after New and safe for
// concurrent use.
type Dialer struct {
	apiKey       string
	baseURL      string
	voiceID      string
	listenModel  string
	speakModel   string
	outputFormat string
	settings     voiceSettings
	dialTimeout  time.Duration
}

// NewDialer creates a Dialer. apiKey must be non-empty.
func NewDialer(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("voice: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		listenModel:  defaultListenModel,
		speakModel:   defaultSpeakModel,
		outputFormat: defaultOutputFormat,
		settings:     voiceSettings{Stability: 0.5, SimilarityBoost: 0.8},
		dialTimeout:  defaultDialTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Listen opens a listen-role channel.
func (d *Dialer) Listen(ctx context.Context) (*Channel, error) {
	return d.Connect(ctx, RoleListen)
}

// Speak opens a speak-role channel.
func (d *Dialer) Speak(ctx context.Context) (*Channel, error) {
	return d.Connect(ctx, RoleSpeak)
}

// Connect dials the endpoint for role and sends the role's handshake. It
// returns once the handshake has been written; ctx bounds only the attempt.
func (d *Dialer) Connect(ctx context.Context, role Role) (*Channel, error) {
	u, err := d.buildURL(role)
	if err != nil {
		return nil, fmt.Errorf("voice: %s: build URL: %w", role, err)
	}
	hs, err := d.handshake(role)
	if err != nil {
		return nil, fmt.Errorf("voice: %s: handshake: %w", role, err)
	}
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}
	return connect(ctx, role, u, hs)
}

// buildURL constructs the websocket URL for role.
func (d *Dialer) buildURL(role Role) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	switch role {
	case RoleListen:
		u.Path = listenPath
		q.Set("model_id", d.listenModel)
	case RoleSpeak:
		if d.voiceID == "" {
			return "", errors.New("voice ID must not be empty")
		}
		u.Path = fmt.Sprintf(speakPath, url.PathEscape(d.voiceID))
		q.Set("model_id", d.speakModel)
		if d.outputFormat != "" {
			q.Set("output_format", d.outputFormat)
		}
	default:
		return "", fmt.Errorf("unknown role %s", role)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake returns the first frame sent after the connection opens.
func (d *Dialer) handshake(role Role) ([]byte, error) {
	switch role {
	case RoleListen:
		return json.Marshal(listenHandshake{XiAPIKey: d.apiKey})
	case RoleSpeak:
		vs := d.settings
		return json.Marshal(speakHandshake{
			Text:          " ", // the stream-input API rejects an empty first text
			VoiceSettings: &vs,
			XiAPIKey:      d.apiKey,
		})
	default:
		return nil, fmt.Errorf("unknown role %s", role)
	}
}

// ---- wire types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type listenHandshake struct {
	XiAPIKey string `json:"xi_api_key"`
}

type speakHandshake struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	Flush                bool   `json:"flush,omitempty"`
}

// endMessage always serialises its text, even when empty.
type endMessage struct {
	Text string `json:"text"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// transcriptMessage is an inbound speech-to-text frame.
type transcriptMessage struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error,omitempty"`
}

// audioMessage is an inbound text-to-speech frame.
type audioMessage struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// parseListenFrame decodes one inbound listen frame. Frames that carry no
// transcript text and no error yield no events.
func parseListenFrame(data []byte) ([]Event, error) {
	var msg transcriptMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Error != "" {
		return nil, fmt.Errorf("service error: %s", msg.Error)
	}
	if msg.Text == "" {
		return nil, nil
	}
	return []Event{{Kind: EventTranscript, Text: msg.Text, IsFinal: msg.IsFinal}}, nil
}

// parseSpeakFrame decodes one inbound speak frame into an audio event, a final
// event, or both (in that order).
func parseSpeakFrame(data []byte) ([]Event, error) {
	var msg audioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Error != "" {
		return nil, fmt.Errorf("service error: %s", msg.Error)
	}
	var events []Event
	if msg.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		events = append(events, Event{Kind: EventAudio, Audio: pcm})
	}
	if msg.IsFinal {
		events = append(events, Event{Kind: EventFinal})
	}
	if len(events) == 0 && msg.Message != "" {
		return nil, fmt.Errorf("service message: %s", msg.Message)
	}
	return events, nil
}
