package audio

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ParsePCMFormat returns the format of a speech service output format name
// such as "pcm_24000". Only raw mono PCM formats are playable.
func ParsePCMFormat(name string) (Format, error) {
	rate, ok := strings.CutPrefix(name, "pcm_")
	if !ok {
		return Format{}, fmt.Errorf("audio: output format %q is not raw PCM", name)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return Format{}, fmt.Errorf("audio: output format %q has no valid sample rate", name)
	}
	return Format{SampleRate: n, Channels: 1}, nil
}

// Resampler converts a stream of 16-bit mono PCM chunks from one sample rate
// to another by linear interpolation. Interpolation continues across chunk
// boundaries and a chunk split inside a sample is completed by the next one,
// so the output does not depend on how the input was chunked.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	step float64 // input samples per output sample

	odd    []byte
	last   int16
	primed bool
	pos    float64 // next output position; 0 is last when primed
}

// NewResampler creates a resampler from srcRate to dstRate. Equal rates only
// realign split samples.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	return &Resampler{step: float64(srcRate) / float64(dstRate), odd: make([]byte, 0, 1)}, nil
}

// Resample consumes pcm and returns the output produced so far. The final
// input sample is held back until more input arrives.
func (r *Resampler) Resample(pcm []byte) []byte {
	data := pcm
	if len(r.odd) > 0 {
		data = append(append([]byte(nil), r.odd...), pcm...)
		r.odd = r.odd[:0]
	}
	if len(data)%2 == 1 {
		r.odd = append(r.odd, data[len(data)-1])
		data = data[:len(data)-1]
	}
	if r.step == 1 {
		return data
	}

	n := len(data) / 2
	s := make([]int16, 0, n+1)
	if r.primed {
		s = append(s, r.last)
	}
	for i := range n {
		s = append(s, int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	if len(s) == 0 {
		return nil
	}

	var out []byte
	end := float64(len(s) - 1)
	for r.pos < end {
		i := int(r.pos)
		frac := r.pos - float64(i)
		v := int16(float64(s[i])*(1-frac) + float64(s[i+1])*frac)
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
		r.pos += r.step
	}
	r.pos -= end
	r.last = s[len(s)-1]
	r.primed = true
	return out
}

// Reset drops all carried state, for example when playback is interrupted.
func (r *Resampler) Reset() {
	r.odd = r.odd[:0]
	r.last = 0
	r.primed = false
	r.pos = 0
}
