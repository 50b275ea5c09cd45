// Package audio provides PCM sample-rate conversion for the voice pipeline.
//
// All audio flowing through voxgate is little-endian 16-bit mono PCM. Clients
// may send anything between 8 and 48 kHz; STT providers want a fixed 16 kHz,
// so the gateway normalises inbound audio with [Resample16k] before forwarding
// and upsamples synthesized audio back to the client's rate with [Resample].
//
// Linear interpolation without a low-pass filter is used deliberately: it
// converts a 100 ms chunk in well under 2 ms and is speech-grade, which is all
// the recognisers need.
package audio

import "log/slog"

const (
	// TargetRate is the system-wide STT input sample rate in Hz.
	TargetRate = 16000

	// MinRate and MaxRate bound the client-declared sample rates accepted by
	// the pipeline.
	MinRate = 8000
	MaxRate = 48000
)

// ValidRate reports whether rate is within the accepted [MinRate, MaxRate]
// range.
func ValidRate(rate int) bool {
	return rate >= MinRate && rate <= MaxRate
}

// Resample16k converts 16-bit mono PCM from srcRate down (or up) to the fixed
// 16 kHz target. The sessionID is used only for logging.
//
// Contract:
//   - srcRate outside [MinRate, MaxRate] returns pcm unchanged and logs an
//     error; STT providers tolerate off-rate input, so degrading gracefully
//     beats dropping audio.
//   - srcRate == TargetRate returns the input slice itself (no copy).
//   - Empty input yields empty output.
func Resample16k(sessionID string, pcm []byte, srcRate int) []byte {
	if !ValidRate(srcRate) {
		slog.Error("resample: source rate out of range, passing through",
			"session_id", sessionID,
			"src_rate", srcRate,
		)
		return pcm
	}
	return Resample(pcm, srcRate, TargetRate)
}

// Resample converts 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate (or either rate is non-positive, or
// the input holds fewer than one sample), the input slice is returned
// unchanged. Interpolated samples are clamped to the int16 range before
// narrowing.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := float64(s0)*(1-frac) + float64(s1)*frac
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
