package audio_test

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/vibepm/pkg/audio"
)

func samplesOf(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func TestParsePCMFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{name: "pcm_16000", want: 16000},
		{name: "pcm_24000", want: 24000},
		{name: "mp3_44100_128", wantErr: true},
		{name: "pcm_", wantErr: true},
		{name: "pcm_-1", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := audio.ParsePCMFormat(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (f.SampleRate != tt.want || f.Channels != 1) {
				t.Errorf("format = %+v, want %d Hz mono", f, tt.want)
			}
		})
	}
}

func TestNewResampler_InvalidRates(t *testing.T) {
	t.Parallel()
	if _, err := audio.NewResampler(0, 16000); err == nil {
		t.Error("expected error for zero source rate")
	}
	if _, err := audio.NewResampler(16000, -1); err == nil {
		t.Error("expected error for negative target rate")
	}
}

func TestResampler_Downsample(t *testing.T) {
	t.Parallel()

	ramp := pcmOf(0, 100, 200, 300, 400, 500, 600)
	want := []int16{0, 150, 300, 450}

	whole, err := audio.NewResampler(24000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if got := samplesOf(whole.Resample(ramp)); !slices.Equal(got, want) {
		t.Errorf("whole = %v, want %v", got, want)
	}

	// Split inside the fourth sample.
	chunked, _ := audio.NewResampler(24000, 16000)
	var out []byte
	out = append(out, chunked.Resample(ramp[:7])...)
	out = append(out, chunked.Resample(ramp[7:])...)
	if got := samplesOf(out); !slices.Equal(got, want) {
		t.Errorf("chunked = %v, want %v", got, want)
	}
}

func TestResampler_Upsample(t *testing.T) {
	t.Parallel()

	r, _ := audio.NewResampler(8000, 16000)
	got := samplesOf(r.Resample(pcmOf(0, 100, 200)))
	if want := []int16{0, 50, 100, 150}; !slices.Equal(got, want) {
		t.Errorf("upsampled = %v, want %v", got, want)
	}
	got = samplesOf(r.Resample(pcmOf(300)))
	if want := []int16{200, 250}; !slices.Equal(got, want) {
		t.Errorf("continued = %v, want %v", got, want)
	}
}

func TestResampler_SameRateRealigns(t *testing.T) {
	t.Parallel()

	r, _ := audio.NewResampler(16000, 16000)
	if got := r.Resample([]byte{1, 2, 3}); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("first = %v, want [1 2]", got)
	}
	if got := r.Resample([]byte{4}); !bytes.Equal(got, []byte{3, 4}) {
		t.Errorf("second = %v, want [3 4]", got)
	}
}

func TestResampler_Reset(t *testing.T) {
	t.Parallel()

	r, _ := audio.NewResampler(8000, 16000)
	r.Resample(pcmOf(1000, 2000))
	r.Reset()
	got := samplesOf(r.Resample(pcmOf(0, 100)))
	if want := []int16{0, 50}; !slices.Equal(got, want) {
		t.Errorf("after reset = %v, want %v", got, want)
	}
}
