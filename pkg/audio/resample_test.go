package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// pcmSine builds n samples of a sine wave at the given frequency and rate.
func pcmSine(n int, freq float64, rate int) []byte {
	out := make([]byte, n*2)
	for i := range n {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestResample16k_Passthrough(t *testing.T) {
	in := pcmSine(160, 440, 16000)
	out := Resample16k("s1", in, 16000)
	if &out[0] != &in[0] {
		t.Error("16 kHz input should be returned without copying")
	}
}

func TestResample16k_EmptyInput(t *testing.T) {
	out := Resample16k("s1", nil, 48000)
	if len(out) != 0 {
		t.Errorf("empty input produced %d bytes", len(out))
	}
}

func TestResample16k_OutOfRangeRateIsPassthrough(t *testing.T) {
	in := pcmSine(100, 440, 7999)
	for _, rate := range []int{7999, 48001, 0, -1} {
		out := Resample16k("s1", in, rate)
		if !bytes.Equal(out, in) {
			t.Errorf("rate %d: out-of-range input must pass through unchanged", rate)
		}
	}
}

func TestResample_LengthRatio(t *testing.T) {
	cases := []struct {
		srcRate, samples int
	}{
		{48000, 4800}, // 100 ms
		{44100, 4410},
		{24000, 2400},
		{8000, 800},
		{11025, 1103},
	}
	for _, tc := range cases {
		in := pcmSine(tc.samples, 300, tc.srcRate)
		out := Resample(in, tc.srcRate, TargetRate)

		want := int(int64(tc.samples) * TargetRate / int64(tc.srcRate))
		gotSamples := len(out) / 2
		if gotSamples < want-1 || gotSamples > want+1 {
			t.Errorf("srcRate %d: got %d samples, want %d±1", tc.srcRate, gotSamples, want)
		}
		if len(out)%2 != 0 {
			t.Errorf("srcRate %d: odd output byte count %d", tc.srcRate, len(out))
		}
	}
}

func TestResample_Upsample(t *testing.T) {
	in := pcmSine(1600, 200, 16000)
	out := Resample(in, 16000, 48000)
	if len(out)/2 != 4800 {
		t.Errorf("upsample 16k→48k of 1600 samples: got %d, want 4800", len(out)/2)
	}
}

func TestResample_ClampsExtremes(t *testing.T) {
	// Alternating full-scale samples; interpolation must stay in int16 range.
	in := make([]byte, 8)
	maxSample, minSample := int16(32767), int16(-32768)
	binary.LittleEndian.PutUint16(in[0:], uint16(maxSample))
	binary.LittleEndian.PutUint16(in[2:], uint16(minSample))
	binary.LittleEndian.PutUint16(in[4:], uint16(maxSample))
	binary.LittleEndian.PutUint16(in[6:], uint16(minSample))

	out := Resample(in, 48000, 16000)
	for i := 0; i+1 < len(out); i += 2 {
		v := int16(binary.LittleEndian.Uint16(out[i:]))
		if v > 32767 || v < -32768 {
			t.Fatalf("sample %d out of range: %d", i/2, v)
		}
	}
}

func TestResample_SingleSampleInput(t *testing.T) {
	in := []byte{0x01} // less than one full sample
	out := Resample(in, 48000, 16000)
	if !bytes.Equal(out, in) {
		t.Error("sub-sample input must be returned unchanged")
	}
}

func TestValidRate(t *testing.T) {
	for rate, want := range map[int]bool{
		7999:  false,
		8000:  true,
		16000: true,
		48000: true,
		48001: false,
	} {
		if got := ValidRate(rate); got != want {
			t.Errorf("ValidRate(%d) = %v, want %v", rate, got, want)
		}
	}
}
