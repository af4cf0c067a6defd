package audio

import (
	"encoding/binary"
	"math"
)

// Energy returns the root-mean-square amplitude of pcm normalised to [0, 1].
//
// pcm is interpreted as 16-bit signed little-endian samples. Each sample is
// divided by 32768 before squaring. A trailing odd byte is ignored; input with
// no complete sample yields 0.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		return 1
	}
	return rms
}
