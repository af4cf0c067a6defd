package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vibepm/internal/config"
	"github.com/MrWong99/vibepm/internal/discovery"
	"github.com/MrWong99/vibepm/internal/health"
	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/internal/turn"
	"github.com/MrWong99/vibepm/internal/voice"
	"github.com/MrWong99/vibepm/pkg/audio"
	"github.com/MrWong99/vibepm/pkg/audio/device"
	"github.com/MrWong99/vibepm/pkg/provider/vad"
)

func voiceOptions(cfg config.VoiceConfig) []voice.Option {
	opts := []voice.Option{voice.WithVoice(cfg.VoiceID)}
	if cfg.BaseURL != "" {
		opts = append(opts, voice.WithBaseURL(cfg.BaseURL))
	}
	if cfg.ListenModel != "" {
		opts = append(opts, voice.WithListenModel(cfg.ListenModel))
	}
	if cfg.SpeakModel != "" {
		opts = append(opts, voice.WithSpeakModel(cfg.SpeakModel))
	}
	if cfg.OutputFormat != "" {
		opts = append(opts, voice.WithOutputFormat(cfg.OutputFormat))
	}
	if cfg.Stability != 0 || cfg.SimilarityBoost != 0 {
		opts = append(opts, voice.WithVoiceSettings(cfg.Stability, cfg.SimilarityBoost))
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, voice.WithDialTimeout(cfg.DialTimeout))
	}
	return opts
}

// redialer adapts a backoff dial of role to a turn.Dialer.
func redialer(rc *voice.Reconnector, role voice.Role, dial voice.DialFunc) turn.Dialer {
	return func(ctx context.Context) (turn.SpeechChannel, error) {
		ch, err := rc.Dial(ctx, role, dial)
		if err != nil {
			// Keep the interface nil rather than holding a typed nil.
			return nil, err
		}
		return ch, nil
	}
}

// runVoice connects the speech channels and the local audio device and runs
// the turn orchestrator until ctx is done.
func runVoice(ctx context.Context, cfg *config.Config, con *console, sess *discovery.Session, ann *announcer, speech *health.Flag, m *observe.Metrics) error {
	dialer, err := voice.NewDialer(cfg.Voice.APIKey, voiceOptions(cfg.Voice)...)
	if err != nil {
		return err
	}
	rc := voice.NewReconnector(voice.ReconnectorConfig{
		MaxRetries: cfg.Voice.Reconnect.MaxRetries,
		Backoff:    cfg.Voice.Reconnect.Backoff,
		MaxBackoff: cfg.Voice.Reconnect.MaxBackoff,
	})

	tracker, err := vad.NewTracker(vad.Config{Threshold: cfg.VAD.Threshold, Hangover: cfg.VAD.Hangover})
	if err != nil {
		return err
	}

	// Synthesized audio arrives in the configured output format and is
	// resampled to the device rate.
	outFormat := audio.Mono16k
	if cfg.Voice.OutputFormat != "" {
		if outFormat, err = audio.ParsePCMFormat(cfg.Voice.OutputFormat); err != nil {
			return err
		}
	}
	resampler, err := audio.NewResampler(outFormat.SampleRate, audio.DefaultSampleRate)
	if err != nil {
		return err
	}

	dev, err := device.Open(device.Config{
		FrameDuration: cfg.Audio.FrameDuration,
		PlaybackQueue: cfg.Audio.PlaybackQueue,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("audio device close error", "err", err)
		}
	}()

	listen, err := rc.Dial(ctx, voice.RoleListen, dialer.Listen)
	if err != nil {
		return fmt.Errorf("listen channel: %w", err)
	}
	orch := turn.New(listen, nil, tracker, sess,
		turn.WithSpeakDialer(redialer(rc, voice.RoleSpeak, dialer.Speak)),
		turn.WithListenDialer(redialer(rc, voice.RoleListen, dialer.Listen)),
		turn.WithEndOfAudioOnStop(cfg.Voice.EndOfAudioOnStop),
		turn.WithMetrics(m),
		turn.WithHooks(turn.Hooks{
			OnStateChange: func(from, to turn.State) {
				slog.Debug("turn state", "from", from, "to", to)
			},
			OnInterrupt: func() {
				dev.Interrupt()
				resampler.Reset()
			},
			OnTranscript: func(text string, final bool) {
				if final {
					con.user(text)
				}
			},
			OnReply: con.assistant,
			OnAudio: func(pcm []byte) {
				if err := dev.Play(resampler.Resample(pcm)); err != nil {
					slog.Debug("playback dropped", "err", err)
				}
			},
			OnDegraded: func(role voice.Role, err error) {
				slog.Warn("speech channel lost", "role", role, "err", err)
				if role == voice.RoleListen {
					speech.Set(fmt.Errorf("listen channel: %w", err))
					con.notice("speech recognition is unavailable, reconnecting; press Ctrl+C to save and quit")
				}
			},
			OnRestored: func(role voice.Role) {
				if role == voice.RoleListen {
					speech.Set(nil)
					con.notice("speech recognition is back")
				}
			},
			OnError: func(err error) {
				slog.Warn("turn error", "err", err)
			},
		}),
	)
	ann.set(orch.Speak)

	frames, err := dev.Capture(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		for f := range frames {
			orch.PushAudio(f)
		}
		return nil
	})

	orch.Speak(sess.Greeting())
	slog.Info("listening, press Ctrl+C to save and quit")

	err = g.Wait()
	orch.Wait()
	return err
}
