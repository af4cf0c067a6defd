// Package device connects the local microphone and speaker through PortAudio.
//
// A Device owns two blocking PortAudio streams: an input stream read by the
// capture goroutine and an output stream written by the playback goroutine.
// Playback is queued so the producer never blocks on the sound card, and
// Interrupt discards everything that has been queued but not yet written.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vibepm/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// Config controls the device streams.
type Config struct {
	// Format is the capture and playback format. Zero value means 16 kHz mono.
	Format audio.Format

	// FrameDuration is the length of each captured frame. Default 20ms.
	FrameDuration time.Duration

	// PlaybackQueue is the number of PCM chunks buffered for playback. Default 256.
	PlaybackQueue int
}

type chunk struct {
	pcm []byte
	gen uint64
}

// Device is a PortAudio microphone + speaker pair. It implements [audio.Sink].
type Device struct {
	format    audio.Format
	frameSize int

	in    *portaudio.Stream
	inBuf []int16

	out    *portaudio.Stream
	outBuf []int16

	playback chan chunk
	gen      atomic.Uint64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ audio.Sink = (*Device)(nil)

// Open initialises PortAudio and opens the default input and output devices.
// The caller must call Close to release them.
func Open(cfg Config) (*Device, error) {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Mono16k
	}
	if cfg.Format.Channels != 1 {
		return nil, fmt.Errorf("device: only mono audio is supported, got %d channels", cfg.Format.Channels)
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.PlaybackQueue <= 0 {
		cfg.PlaybackQueue = 256
	}
	frameSize := int(int64(cfg.Format.SampleRate) * int64(cfg.FrameDuration) / int64(time.Second))

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialise portaudio: %w", err)
	}

	d := &Device{
		format:    cfg.Format,
		frameSize: frameSize,
		inBuf:     make([]int16, frameSize),
		outBuf:    make([]int16, frameSize),
		playback:  make(chan chunk, cfg.PlaybackQueue),
		done:      make(chan struct{}),
	}

	var err error
	d.in, err = portaudio.OpenDefaultStream(1, 0, float64(cfg.Format.SampleRate), frameSize, d.inBuf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("device: open input stream: %w", err)
	}
	d.out, err = portaudio.OpenDefaultStream(0, 1, float64(cfg.Format.SampleRate), frameSize, d.outBuf)
	if err != nil {
		_ = d.in.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("device: open output stream: %w", err)
	}
	if err := d.out.Start(); err != nil {
		_ = d.in.Close()
		_ = d.out.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("device: start output stream: %w", err)
	}

	d.wg.Add(1)
	go d.playLoop()
	return d, nil
}

// Capture starts the microphone and returns a channel of captured frames. The
// channel is closed when ctx is cancelled, the device is closed, or a read
// fails.
func (d *Device) Capture(ctx context.Context) (<-chan audio.AudioFrame, error) {
	if err := d.in.Start(); err != nil {
		return nil, fmt.Errorf("device: start input stream: %w", err)
	}
	frames := make(chan audio.AudioFrame, 64)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(frames)
		var ts time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			default:
			}
			if err := d.in.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					slog.Debug("device: input overflowed")
					continue
				}
				slog.Warn("device: read failed, stopping capture", "err", err)
				return
			}
			f := audio.AudioFrame{
				Data:       encodePCM(d.inBuf),
				SampleRate: d.format.SampleRate,
				Channels:   d.format.Channels,
				Timestamp:  ts,
			}
			ts += f.Duration()
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			case <-d.done:
				return
			}
		}
	}()
	return frames, nil
}

// Play queues pcm for playback. It never blocks on the sound card; when the
// queue is full the call blocks until space frees up or the device closes.
func (d *Device) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	c := chunk{pcm: pcm, gen: d.gen.Load()}
	select {
	case d.playback <- c:
		return nil
	case <-d.done:
		return errors.New("device: closed")
	}
}

// Interrupt drops all queued playback. Audio queued after Interrupt returns
// plays normally.
func (d *Device) Interrupt() {
	d.gen.Add(1)
	for {
		select {
		case <-d.playback:
		default:
			return
		}
	}
}

// Close stops both streams and terminates PortAudio. Safe to call more than once.
func (d *Device) Close() error {
	var errs []error
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
		for _, s := range []*portaudio.Stream{d.in, d.out} {
			_ = s.Stop()
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (d *Device) playLoop() {
	defer d.wg.Done()
	var pending []byte
	for {
		select {
		case <-d.done:
			return
		case c := <-d.playback:
			if c.gen != d.gen.Load() {
				pending = pending[:0]
				continue
			}
			pending = append(pending, c.pcm...)
			frameBytes := 2 * d.frameSize
			for len(pending) >= frameBytes {
				if c.gen != d.gen.Load() {
					pending = pending[:0]
					break
				}
				decodePCM(pending[:frameBytes], d.outBuf)
				if err := d.out.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
					slog.Warn("device: write failed", "err", err)
				}
				pending = pending[frameBytes:]
			}
			// Keep the remainder for the next chunk of the same utterance.
			pending = append([]byte(nil), pending...)
		}
	}
}

// encodePCM converts samples to little-endian bytes.
func encodePCM(samples []int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

// decodePCM fills dst from little-endian bytes and zero-pads any shortfall.
// It returns the number of samples decoded.
func decodePCM(pcm []byte, dst []int16) int {
	n := min(len(pcm)/2, len(dst))
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	clear(dst[n:])
	return n
}
