// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a streaming synthesis service. The central abstraction
// is StreamHandle: a long-lived synthesis connection that accepts text
// fragments and emits PCM audio chunks as the backend produces them. One
// StreamHandle serves one client session for its whole lifetime; individual
// utterances are delimited by Chunk.Final.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voxgate-io/voxgate/pkg/types"
)

// StreamConfig describes the voice and audio format for a new synthesis stream.
type StreamConfig struct {
	// VoiceID selects the provider-specific voice.
	VoiceID string

	// Language is the BCP-47 language tag, for providers that need it.
	Language string

	// Speed is the speaking-rate multiplier. Zero means provider default (1.0).
	Speed float64

	// SampleRate is the requested output sample rate in Hz. Zero means the
	// provider's native rate; the caller resamples if needed.
	SampleRate int

	// Encoding is the requested output encoding (e.g. "pcm_16000"). Empty uses
	// the provider default.
	Encoding string
}

// Chunk is one piece of synthesized audio.
type Chunk struct {
	// Audio is raw PCM at SampleRate.
	Audio []byte

	// SampleRate is the rate of Audio in Hz.
	SampleRate int

	// Final marks the last chunk of the current utterance. A Final chunk may
	// carry empty Audio.
	Final bool
}

// StreamHandle is an open synthesis connection.
//
// Callers must call Close when the stream is no longer needed. All methods are
// safe for concurrent use.
type StreamHandle interface {
	// Synthesize submits a text fragment for synthesis. Audio for the fragment
	// arrives on Chunks, terminated by a Chunk with Final set. Calling
	// Synthesize after Close returns an error.
	Synthesize(text string) error

	// Chunks returns a read-only channel emitting audio as the provider
	// produces it. The channel is closed when the upstream connection ends for
	// any reason; callers use the closure as the disconnect signal.
	Chunks() <-chan Chunk

	// Ping sends a low-cost liveness message so idle connections are not
	// reaped by the provider. Implementations without an idle timeout may
	// no-op.
	Ping() error

	// Close terminates the stream and releases all resources. Close is
	// idempotent.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// OpenStream opens a new synthesis stream for the given voice.
	//
	// Connection-level failures are reported as *provider.StatusError where a
	// status code is available.
	OpenStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// ListVoices returns the voices available to the configured credentials.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
