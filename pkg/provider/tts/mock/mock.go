// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to script stream-open failures and to verify the StreamConfig
// passed by callers. Use Stream to feed controlled audio chunks and inspect
// the text fragments that were submitted.
//
// Example:
//
//	st := &mock.Stream{ChunksCh: make(chan tts.Chunk, 4)}
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.OpenStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/voxgate-io/voxgate/pkg/provider/tts"
	"github.com/voxgate-io/voxgate/pkg/types"
)

// OpenStreamCall records a single invocation of Provider.OpenStream.
type OpenStreamCall struct {
	// Ctx is the context passed to OpenStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to OpenStream.
	Cfg tts.StreamConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the StreamHandle returned by OpenStream. If nil, OpenStream
	// returns a new default Stream with a buffered chunks channel.
	Stream tts.StreamHandle

	// OpenStreamErrs is a queue of errors consumed one per OpenStream call. A
	// nil entry means that call succeeds. Once the queue is exhausted,
	// OpenStreamErr applies.
	OpenStreamErrs []error

	// OpenStreamErr, if non-nil, is returned by every OpenStream call not
	// covered by OpenStreamErrs.
	OpenStreamErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// OpenStreamCalls records every call to OpenStream.
	OpenStreamCalls []OpenStreamCall

	// Streams records every Stream handed out by OpenStream, in order.
	Streams []*Stream
}

// OpenStream records the call and returns the scripted stream or error.
func (p *Provider) OpenStream(ctx context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, OpenStreamCall{Ctx: ctx, Cfg: cfg})

	if len(p.OpenStreamErrs) > 0 {
		err := p.OpenStreamErrs[0]
		p.OpenStreamErrs = p.OpenStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.OpenStreamErr != nil {
		return nil, p.OpenStreamErr
	}

	if p.Stream != nil {
		return p.Stream, nil
	}
	st := &Stream{ChunksCh: make(chan tts.Chunk, 64)}
	p.Streams = append(p.Streams, st)
	return st, nil
}

// ListVoices records nothing and returns the configured result.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// OpenStreamCallCount returns the number of OpenStream calls. Thread-safe.
func (p *Provider) OpenStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = nil
	p.Streams = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Stream is a mock implementation of tts.StreamHandle.
// Callers should send Chunk values on ChunksCh and close it to simulate the
// upstream connection ending.
type Stream struct {
	mu sync.Mutex

	// ChunksCh is the channel returned by Chunks(). Callers own this channel.
	ChunksCh chan tts.Chunk

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// PingErr, if non-nil, is returned by every Ping call.
	PingErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SynthesizeCalls records the text of every Synthesize call in order.
	SynthesizeCalls []string

	// PingCallCount is the number of times Ping was called.
	PingCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Synthesize records the call and returns SynthesizeErr.
func (s *Stream) Synthesize(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, text)
	return s.SynthesizeErr
}

// Chunks returns ChunksCh.
func (s *Stream) Chunks() <-chan tts.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ChunksCh
}

// Ping records the call and returns PingErr.
func (s *Stream) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCallCount++
	return s.PingErr
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// EmitAudio sends an audio chunk on ChunksCh. Convenience for tests.
func (s *Stream) EmitAudio(pcm []byte, sampleRate int) {
	s.ChunksCh <- tts.Chunk{Audio: pcm, SampleRate: sampleRate}
}

// EmitFinal sends the end-of-utterance marker on ChunksCh.
func (s *Stream) EmitFinal() {
	s.ChunksCh <- tts.Chunk{Final: true}
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (s *Stream) SynthesizeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// PingCount returns the number of Ping calls. Thread-safe.
func (s *Stream) PingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingCallCount
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Stream implements tts.StreamHandle at compile time.
var _ tts.StreamHandle = (*Stream)(nil)
