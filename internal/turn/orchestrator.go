// Package turn implements the session state machine that sequences listening,
// reply generation and speech playback, including barge-in.
//
// An [Orchestrator] owns one listen channel, one speak channel and one
// [vad.Tracker]. All session state is owned by the goroutine running
// [Orchestrator.Run]; the public input methods only enqueue work for it, so
// no session state is ever touched from two goroutines.
//
// Transitions:
//
//	any       --speech started-->  Listening  (interrupt first if Speaking)
//	Listening --speech stopped-->  Thinking   (buffered finals are submitted)
//	Thinking  --final transcript-> Thinking   (text submitted to the replier)
//	Thinking  --first fragment-->  Speaking
//	Speaking  --reply exhausted--> Speaking   (end-of-stream sent once)
//	Speaking  --speak final-->     Idle
//
// Barge-in cancels the reply context so the producer stops, drops the reply
// stream so no later fragment of that reply is forwarded, and ignores the
// interrupted stream's output on that speak channel.
//
// A channel lost after Open is reported through OnDegraded and, when a dialer
// for its role is set, replaced in the background.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vibepm/internal/interview"
	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/internal/voice"
	"github.com/MrWong99/vibepm/pkg/audio"
	"github.com/MrWong99/vibepm/pkg/provider/vad"
)

// SpeechChannel is the subset of [voice.Channel] the orchestrator uses.
type SpeechChannel interface {
	Send(ctx context.Context, p voice.Payload) error
	Events() <-chan voice.Event
	Close() error
}

// Replier produces a reply for one user turn. The returned channel must be
// closed by the producer when the reply is complete or ctx is cancelled.
type Replier interface {
	StreamReply(ctx context.Context, text string) (<-chan interview.Fragment, error)
}

// Dialer opens a fresh speech channel. The speech service closes a speak
// channel after each end-of-stream, and a lost listen channel is replaced the
// same way.
type Dialer func(ctx context.Context) (SpeechChannel, error)

// ErrChannelClosed is reported through OnDegraded when the remote end closes a
// listen channel without an error.
var ErrChannelClosed = errors.New("turn: speech channel closed by remote")

// Hooks are the orchestrator's outbound notifications. All are optional and
// are called from the Run goroutine, so they must not block.
type Hooks struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)

	// OnInterrupt is called exactly once per barge-in, before anything else
	// happens for it. Playback must stop queued audio.
	OnInterrupt func()

	// OnTranscript receives partial and final user transcripts.
	OnTranscript func(text string, final bool)

	// OnReply receives each reply fragment as it is forwarded for synthesis.
	OnReply func(text string)

	// OnAudio receives synthesized audio for the current reply.
	OnAudio func(pcm []byte)

	// OnDegraded reports a lost speech channel or a failed re-dial.
	OnDegraded func(role voice.Role, err error)

	// OnRestored reports that a channel previously reported through
	// OnDegraded was replaced by a working one.
	OnRestored func(role voice.Role)

	// OnError reports reply and protocol errors that did not end the session.
	OnError func(err error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks sets the notification callbacks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithClock overrides time.Now for the tracker.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSpeakDialer enables re-dialing the speak channel after it closes.
func WithSpeakDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.speakDialer = d }
}

// WithListenDialer enables replacing the listen channel after it is lost.
func WithListenDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.listenDialer = d }
}

// WithEndOfAudioOnStop sends an end-of-audio marker on the listen channel
// whenever the user stops speaking, prompting the transcriber to finalize.
func WithEndOfAudioOnStop(enabled bool) Option {
	return func(o *Orchestrator) { o.endOfAudioOnStop = enabled }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator is the turn-taking state machine of one session.
type Orchestrator struct {
	listen           SpeechChannel
	tracker          *vad.Tracker
	replier          Replier
	hooks            Hooks
	now              func() time.Time
	speakDialer      Dialer
	listenDialer     Dialer
	endOfAudioOnStop bool
	metrics          *observe.Metrics

	audioIn chan audio.AudioFrame
	textIn  chan string
	speakIn chan string

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	// Everything below is owned by the Run goroutine.
	speak        SpeechChannel
	speakEvents  <-chan voice.Event
	listenEvents <-chan voice.Event
	dialing      bool
	dialed       chan dialResult

	listenDialing bool
	listenDialed  chan dialResult

	// speakLost and listenLost are set between OnDegraded and OnRestored.
	speakLost  bool
	listenLost bool

	timer *time.Timer

	pending    []string // final transcripts not yet submitted
	utterances []string // scripted utterances waiting for Idle

	reply       <-chan interview.Fragment
	cancelReply context.CancelFunc
	submittedAt time.Time
	forwarded   int
	exhausted   bool
	endSent     bool
	outbox      []voice.Payload // speak payloads waiting for a channel

	// streamOpen is set once reply text reached the current speak channel and
	// cleared when that synthesis stream ends. speakSpent marks a channel that
	// already received an end-of-stream and must be replaced before reuse.
	streamOpen bool
	speakSpent bool

	// staleOn is the speak channel whose interrupted synthesis stream is still
	// producing; its audio and final events are ignored.
	staleOn SpeechChannel
}

type dialResult struct {
	ch  SpeechChannel
	err error
}

// New creates an Orchestrator in the Idle state. The orchestrator takes
// ownership of listen and speak and closes them when Run returns. speak may be
// nil when a speak dialer is configured.
func New(listen, speak SpeechChannel, tracker *vad.Tracker, replier Replier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		listen:  listen,
		speak:   speak,
		tracker: tracker,
		replier: replier,
		now:     time.Now,
		audioIn: make(chan audio.AudioFrame, 64),
		textIn:  make(chan string, 8),
		speakIn: make(chan string, 8),
		done:    make(chan struct{}),
		dialed:  make(chan dialResult, 1),

		listenDialed: make(chan dialResult, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if listen != nil {
		o.listenEvents = listen.Events()
	}
	if speak != nil {
		o.speakEvents = speak.Events()
	}
	return o
}

// State returns a snapshot of the current state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// PushAudio hands a microphone frame to the session. The frame is forwarded to
// the listen channel and measured for voice activity.
func (o *Orchestrator) PushAudio(f audio.AudioFrame) {
	select {
	case o.audioIn <- f:
	case <-o.done:
	}
}

// SubmitText submits a typed user turn. It behaves like a final transcript
// arriving after the user stopped speaking; an ongoing reply is interrupted.
func (o *Orchestrator) SubmitText(text string) {
	select {
	case o.textIn <- text:
	case <-o.done:
	}
}

// Speak speaks text without a user turn, entering Speaking directly. If a
// reply is in progress the utterance is spoken once the session is Idle.
func (o *Orchestrator) Speak(text string) {
	select {
	case o.speakIn <- text:
	case <-o.done:
	}
}

// Wait blocks until Run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run processes session events until ctx is cancelled. It may only be called
// once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("turn: Run called twice")
	}
	o.wg.Add(1)
	defer o.wg.Done()
	defer o.shutdown()

	o.timer = time.NewTimer(time.Hour)
	o.timer.Stop()
	defer o.timer.Stop()

	if o.speak == nil {
		o.redial(ctx)
	}

	for {
		var replyCh <-chan interview.Fragment
		if o.reply != nil && (o.State() == Thinking || o.State() == Speaking) {
			replyCh = o.reply
		}

		select {
		case <-ctx.Done():
			return nil

		case f := <-o.audioIn:
			o.handleAudio(ctx, f)

		case <-o.timer.C:
			o.checkSilence(ctx)

		case ev, ok := <-o.listenEvents:
			if !ok {
				// Event stream ended without EventClosed.
				ev = voice.Event{Kind: voice.EventClosed}
			}
			o.handleListenEvent(ctx, ev)

		case ev, ok := <-o.speakEvents:
			if !ok {
				o.speakEvents = nil
				continue
			}
			o.handleSpeakEvent(ctx, ev)

		case frag, ok := <-replyCh:
			if !ok {
				o.replyExhausted(ctx)
				continue
			}
			o.handleFragment(ctx, frag)

		case text := <-o.textIn:
			o.handleText(ctx, text)

		case text := <-o.speakIn:
			o.handleSpeak(ctx, text)

		case res := <-o.dialed:
			o.handleDialed(ctx, res)

		case res := <-o.listenDialed:
			o.handleListenDialed(res)
		}
	}
}

// ---- inputs ----

func (o *Orchestrator) handleAudio(ctx context.Context, f audio.AudioFrame) {
	if o.listen != nil && o.listenEvents != nil {
		if err := o.listen.Send(ctx, voice.Audio(f.Data)); err != nil && !errors.Is(err, voice.ErrNotOpen) {
			slog.Debug("turn: forward audio failed", "err", err)
		}
	}
	now := o.now()
	if edge, ok := o.tracker.Observe(f.Data, now); ok {
		o.speechStarted(ctx, edge)
	}
	if deadline, ok := o.tracker.Deadline(); ok {
		o.timer.Reset(max(deadline.Sub(now), 0))
	}
}

func (o *Orchestrator) checkSilence(ctx context.Context) {
	now := o.now()
	if _, ok := o.tracker.Check(now); ok {
		o.speechStopped(ctx)
		return
	}
	if deadline, ok := o.tracker.Deadline(); ok {
		o.timer.Reset(max(deadline.Sub(now), 0))
	}
}

func (o *Orchestrator) handleText(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if o.hooks.OnTranscript != nil {
		o.hooks.OnTranscript(text, true)
	}
	if o.State() == Speaking || o.reply != nil {
		o.interrupt(ctx)
	}
	o.setState(ctx, Thinking)
	o.pending = append(o.pending, text)
	o.submitPending(ctx)
}

func (o *Orchestrator) handleSpeak(ctx context.Context, text string) {
	if o.reply != nil || o.State() != Idle {
		o.utterances = append(o.utterances, text)
		return
	}
	o.startUtterance(ctx, text)
}

// startUtterance seeds Speaking with a single-fragment reply.
func (o *Orchestrator) startUtterance(ctx context.Context, text string) {
	ch := make(chan interview.Fragment, 1)
	ch <- interview.Fragment{Text: text}
	close(ch)
	o.beginReply(ch, func() {})
	o.setState(ctx, Speaking)
}

// ---- speech edges ----

func (o *Orchestrator) speechStarted(ctx context.Context, edge vad.Edge) {
	slog.Debug("turn: speech started", "energy", edge.Energy)
	if o.State() == Speaking || o.reply != nil {
		o.interrupt(ctx)
	}
	o.setState(ctx, Listening)
}

func (o *Orchestrator) speechStopped(ctx context.Context) {
	if o.State() != Listening {
		return
	}
	o.setState(ctx, Thinking)
	if o.endOfAudioOnStop && o.listen != nil && o.listenEvents != nil {
		if err := o.listen.Send(ctx, voice.EndOfAudio{}); err != nil {
			slog.Debug("turn: send end of audio failed", "err", err)
		}
	}
	o.submitPending(ctx)
}

// interrupt abandons the current reply. Only a reply that has reached the
// speak channel triggers the interrupt hook.
func (o *Orchestrator) interrupt(ctx context.Context) {
	if o.State() == Speaking {
		if o.hooks.OnInterrupt != nil {
			o.hooks.OnInterrupt()
		}
		o.metrics.RecordBargeIn(ctx)
		slog.Info("turn: barge-in", "forwarded", o.forwarded)
		if o.speak != nil && o.streamOpen {
			if !o.endSent {
				// Terminate the abandoned synthesis stream so its text is not
				// spoken at the start of the next reply.
				if err := o.speak.Send(ctx, voice.EndOfStream{}); err != nil {
					o.reportError(err)
				}
				o.speakSpent = true
			}
			o.staleOn = o.speak
		}
	}
	o.endReply()
}

// ---- transcripts ----

func (o *Orchestrator) handleListenEvent(ctx context.Context, ev voice.Event) {
	switch ev.Kind {
	case voice.EventTranscript:
		if o.hooks.OnTranscript != nil {
			o.hooks.OnTranscript(ev.Text, ev.IsFinal)
		}
		if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
			return
		}
		o.pending = append(o.pending, strings.TrimSpace(ev.Text))
		if o.State() == Thinking && o.reply == nil {
			o.submitPending(ctx)
		}
	case voice.EventProtocolError:
		o.reportError(ev.Err)
	case voice.EventClosed:
		o.dropListen()
		err := ev.Err
		if err == nil {
			err = ErrChannelClosed
		}
		o.degraded(voice.RoleListen, err)
		o.redialListen(ctx)
	}
}

// submitPending sends buffered finals to the replier when Thinking with no
// reply in flight.
func (o *Orchestrator) submitPending(ctx context.Context) {
	if o.State() != Thinking || o.reply != nil || len(o.pending) == 0 {
		return
	}
	text := strings.Join(o.pending, " ")
	o.pending = nil

	replyCtx, cancel := context.WithCancel(ctx)
	ch, err := o.replier.StreamReply(replyCtx, text)
	if err != nil {
		cancel()
		o.reportError(err)
		o.setState(ctx, Idle)
		return
	}
	o.beginReply(ch, cancel)
}

// ---- reply stream ----

func (o *Orchestrator) beginReply(ch <-chan interview.Fragment, cancel context.CancelFunc) {
	o.reply = ch
	o.cancelReply = cancel
	o.submittedAt = o.now()
	o.forwarded = 0
	o.exhausted = false
	o.endSent = false
}

func (o *Orchestrator) endReply() {
	if o.cancelReply != nil {
		o.cancelReply()
	}
	o.reply = nil
	o.cancelReply = nil
	o.exhausted = false
	o.endSent = false
	o.outbox = nil
}

func (o *Orchestrator) handleFragment(ctx context.Context, frag interview.Fragment) {
	if frag.Err != nil {
		o.reportError(frag.Err)
		return
	}
	if strings.TrimSpace(frag.Text) == "" {
		return
	}
	if o.State() == Thinking {
		o.metrics.RecordTurnLatency(ctx, o.now().Sub(o.submittedAt))
		o.setState(ctx, Speaking)
	}
	o.forwarded++
	o.metrics.ReplyFragments.Add(ctx, 1)
	if o.hooks.OnReply != nil {
		o.hooks.OnReply(frag.Text)
	}
	o.sendSpeak(ctx, voice.TextAppend(frag.Text))
}

func (o *Orchestrator) replyExhausted(ctx context.Context) {
	o.exhausted = true
	o.reply = nil
	if o.State() == Thinking {
		// Nothing to say.
		o.endReply()
		o.setState(ctx, Idle)
		o.afterIdle(ctx)
		return
	}
	if !o.endSent {
		o.endSent = true
		o.sendSpeak(ctx, voice.EndOfStream{})
	}
	if o.speak == nil && !o.dialing {
		// No synthesis: the final event will never come.
		o.finishSpeaking(ctx)
	}
}

// sendSpeak forwards p, queueing it while a speak channel is being dialed.
func (o *Orchestrator) sendSpeak(ctx context.Context, p voice.Payload) {
	if o.speak != nil && o.speakSpent && o.speakDialer != nil {
		o.dropSpeak()
		o.redial(ctx)
	}
	if o.speak == nil {
		if o.dialing {
			o.outbox = append(o.outbox, p)
		}
		return
	}
	if err := o.speak.Send(ctx, p); err != nil {
		if errors.Is(err, voice.ErrNotOpen) && o.speakDialer != nil {
			o.dropSpeak()
			o.outbox = append(o.outbox, p)
			o.redial(ctx)
			return
		}
		o.reportError(err)
		return
	}
	switch p.(type) {
	case voice.TextAppend:
		o.streamOpen = true
		if o.staleOn == o.speak {
			// A spent channel is only reused without a dialer; the new stream
			// owns its output from here on.
			o.staleOn = nil
		}
	case voice.EndOfStream:
		o.speakSpent = true
	}
}

func (o *Orchestrator) handleSpeakEvent(ctx context.Context, ev voice.Event) {
	switch ev.Kind {
	case voice.EventAudio:
		if o.State() == Speaking && !o.isStale() && o.hooks.OnAudio != nil {
			o.hooks.OnAudio(ev.Audio)
		}
	case voice.EventFinal:
		o.streamOpen = false
		if o.isStale() {
			o.staleOn = nil
			return
		}
		if o.State() == Speaking && o.endSent {
			o.finishSpeaking(ctx)
		}
	case voice.EventProtocolError:
		o.reportError(ev.Err)
	case voice.EventClosed:
		o.dropSpeak()
		if ev.Err != nil {
			o.degraded(voice.RoleSpeak, ev.Err)
		}
		if o.State() == Speaking && (o.endSent || o.speakDialer == nil) {
			// Closed without a final event: the utterance is over either way.
			// Without a dialer the rest of the reply has nowhere to go.
			o.finishSpeaking(ctx)
		}
		o.redial(ctx)
	}
}

func (o *Orchestrator) finishSpeaking(ctx context.Context) {
	o.endReply()
	o.setState(ctx, Idle)
	o.afterIdle(ctx)
}

// afterIdle starts the next queued utterance.
func (o *Orchestrator) afterIdle(ctx context.Context) {
	if len(o.utterances) > 0 {
		next := o.utterances[0]
		o.utterances = o.utterances[1:]
		o.startUtterance(ctx, next)
	}
}

// ---- speak channel lifecycle ----

func (o *Orchestrator) dropSpeak() {
	if o.speak != nil {
		_ = o.speak.Close()
	}
	o.speak = nil
	o.speakEvents = nil
	o.streamOpen = false
	o.speakSpent = false
	o.staleOn = nil
}

func (o *Orchestrator) isStale() bool {
	return o.staleOn != nil && o.staleOn == o.speak
}

func (o *Orchestrator) dropListen() {
	if o.listen != nil {
		_ = o.listen.Close()
	}
	o.listen = nil
	o.listenEvents = nil
}

func (o *Orchestrator) redialListen(ctx context.Context) {
	if o.listenDialing || o.listenDialer == nil {
		return
	}
	o.listenDialing = true
	go dialInto(ctx, o.listenDialer, o.listenDialed)
}

func (o *Orchestrator) handleListenDialed(res dialResult) {
	o.listenDialing = false
	if res.err != nil {
		o.degraded(voice.RoleListen, fmt.Errorf("turn: re-dial listen: %w", res.err))
		return
	}
	o.listen = res.ch
	o.listenEvents = res.ch.Events()
	o.restored(voice.RoleListen)
}

func (o *Orchestrator) redial(ctx context.Context) {
	if o.dialing || o.speakDialer == nil {
		return
	}
	o.dialing = true
	go dialInto(ctx, o.speakDialer, o.dialed)
}

// dialInto delivers the result of dial to out, or closes the channel if Run
// has already returned.
func dialInto(ctx context.Context, dial Dialer, out chan<- dialResult) {
	ch, err := dial(ctx)
	select {
	case out <- dialResult{ch: ch, err: err}:
	case <-ctx.Done():
		if ch != nil {
			_ = ch.Close()
		}
	}
}

func (o *Orchestrator) handleDialed(ctx context.Context, res dialResult) {
	o.dialing = false
	if res.err != nil {
		o.degraded(voice.RoleSpeak, fmt.Errorf("turn: re-dial speak: %w", res.err))
		o.outbox = nil
		if o.State() == Speaking && o.exhausted {
			o.finishSpeaking(ctx)
		}
		return
	}
	o.speak = res.ch
	o.speakEvents = res.ch.Events()
	o.restored(voice.RoleSpeak)
	queued := o.outbox
	o.outbox = nil
	for _, p := range queued {
		o.sendSpeak(ctx, p)
	}
}

// ---- helpers ----

func (o *Orchestrator) setState(ctx context.Context, to State) {
	from := State(o.state.Swap(int32(to)))
	if from == to {
		return
	}
	slog.Debug("turn: state change", "from", from, "to", to)
	o.metrics.RecordTransition(ctx, from.String(), to.String())
	if o.hooks.OnStateChange != nil {
		o.hooks.OnStateChange(from, to)
	}
}

func (o *Orchestrator) degraded(role voice.Role, err error) {
	slog.Warn("turn: speech channel lost", "role", role, "err", err)
	o.metrics.RecordChannelError(context.Background(), role.String(), "closed")
	if role == voice.RoleListen {
		o.listenLost = true
	} else {
		o.speakLost = true
	}
	if o.hooks.OnDegraded != nil {
		o.hooks.OnDegraded(role, err)
	}
}

// restored clears a reported degradation of role.
func (o *Orchestrator) restored(role voice.Role) {
	lost := &o.speakLost
	if role == voice.RoleListen {
		lost = &o.listenLost
	}
	if !*lost {
		return
	}
	*lost = false
	slog.Info("turn: speech channel restored", "role", role)
	if o.hooks.OnRestored != nil {
		o.hooks.OnRestored(role)
	}
}

func (o *Orchestrator) reportError(err error) {
	slog.Warn("turn: error", "err", err)
	if o.hooks.OnError != nil {
		o.hooks.OnError(err)
	}
}

func (o *Orchestrator) shutdown() {
	close(o.done)
	o.endReply()
	o.dropListen()
	o.dropSpeak()
}
