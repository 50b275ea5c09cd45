// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits a stream of
// Transcript values: low-latency interim hypotheses and authoritative
// finals, distinguished by the IsFinal flag.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/voxgate-io/voxgate/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The voxgate pipeline always
	// feeds 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// Model selects a provider-specific recognition model. Empty uses the
	// provider default.
	Model string

	// InterimResults requests low-latency non-final hypotheses.
	InterimResults bool

	// EndpointingMs is the provider-side silence threshold in milliseconds
	// after which an utterance is finalised. Zero uses the provider default.
	EndpointingMs int
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and network connections inside the implementation. All
// methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio for transcription. The
	// chunk must match the SampleRate agreed in StreamConfig. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting Transcript values as the
	// provider produces them. The channel is closed when the upstream
	// connection ends for any reason; callers use the closure as the
	// disconnect signal.
	Results() <-chan types.Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Close is idempotent.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open simultaneously (one per client connection).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Connection-level failures are reported as *provider.StatusError where a
	// status code is available, so callers can distinguish fatal
	// (auth/not-found) from retryable (rate-limit/5xx) failures.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
