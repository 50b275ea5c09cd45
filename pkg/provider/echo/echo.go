// Package echo provides loopback STT and TTS providers for development and
// demos without external services.
//
// The two halves share a Loopback recorder: the STT half captures every audio
// chunk it receives, and the TTS half replays the most recent capture as its
// "synthesized" audio. Wiring both halves into a pipeline turns the gateway
// into an audio mirror, which exercises the full frame and engine path with
// zero provider credentials.
package echo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/pkg/provider/stt"
	"github.com/voxgate-io/voxgate/pkg/provider/tts"
	"github.com/voxgate-io/voxgate/pkg/types"
)

// replayChunkBytes is 100ms of 16 kHz 16-bit mono PCM.
const replayChunkBytes = 3200

// Loopback is the shared capture buffer between the STT and TTS halves.
type Loopback struct {
	mu   sync.Mutex
	last []byte
}

// NewLoopback creates an empty Loopback and its two provider halves.
func NewLoopback() (*Loopback, *STT, *TTS) {
	l := &Loopback{}
	return l, &STT{loop: l}, &TTS{loop: l}
}

// store replaces the most recent capture.
func (l *Loopback) store(pcm []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = make([]byte, len(pcm))
	copy(l.last, pcm)
}

// capture returns a copy of the most recent capture.
func (l *Loopback) capture() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, len(l.last))
	copy(out, l.last)
	return out
}

// ---- STT half ----

// STT implements stt.Provider by recording audio instead of transcribing it.
type STT struct {
	loop *Loopback
}

// StartStream opens a capture session.
func (p *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return &sttSession{
		loop:    p.loop,
		results: make(chan types.Transcript, 4),
		done:    make(chan struct{}),
	}, nil
}

type sttSession struct {
	loop    *Loopback
	results chan types.Transcript
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	captured []byte
}

// SendAudio appends the chunk to the session's capture.
func (s *sttSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("echo: session is closed")
	default:
	}
	s.mu.Lock()
	s.captured = append(s.captured, chunk...)
	s.mu.Unlock()
	return nil
}

// Results returns the transcript channel. A single final transcript describing
// the capture is emitted at Close.
func (s *sttSession) Results() <-chan types.Transcript { return s.results }

// Close publishes the capture to the shared Loopback and emits one final
// transcript so the downstream pipeline has something to respond to.
func (s *sttSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		captured := s.captured
		s.captured = nil
		s.mu.Unlock()

		s.loop.store(captured)
		s.results <- types.Transcript{
			Text:       fmt.Sprintf("(echo: captured %d bytes of audio)", len(captured)),
			IsFinal:    true,
			Confidence: 1,
			Timestamp:  time.Now(),
		}
		close(s.results)
	})
	return nil
}

// Ensure STT implements stt.Provider at compile time.
var _ stt.Provider = (*STT)(nil)

// ---- TTS half ----

// TTS implements tts.Provider by replaying the most recent capture.
type TTS struct {
	loop *Loopback
}

// OpenStream opens a replay stream. cfg is accepted but ignored; replayed
// audio keeps whatever rate it was captured at, reported as 16000.
func (p *TTS) OpenStream(ctx context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	return &ttsStream{
		loop:   p.loop,
		chunks: make(chan tts.Chunk, 64),
		done:   make(chan struct{}),
	}, nil
}

// ListVoices returns the single built-in loopback voice.
func (p *TTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return []types.VoiceProfile{
		{ID: "echo", Name: "Echo", Provider: "echo"},
	}, nil
}

type ttsStream struct {
	loop   *Loopback
	chunks chan tts.Chunk
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Synthesize ignores the text and replays the shared capture in 100ms chunks,
// terminated by a Final marker.
func (s *ttsStream) Synthesize(text string) error {
	select {
	case <-s.done:
		return errors.New("echo: stream is closed")
	default:
	}
	pcm := s.loop.capture()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for len(pcm) > 0 {
			n := min(len(pcm), replayChunkBytes)
			select {
			case s.chunks <- tts.Chunk{Audio: pcm[:n], SampleRate: 16000}:
			case <-s.done:
				return
			}
			pcm = pcm[n:]
		}
		select {
		case s.chunks <- tts.Chunk{SampleRate: 16000, Final: true}:
		case <-s.done:
		}
	}()
	return nil
}

// Chunks returns the replay channel.
func (s *ttsStream) Chunks() <-chan tts.Chunk { return s.chunks }

// Ping is a no-op; there is no upstream connection to keep alive.
func (s *ttsStream) Ping() error { return nil }

// Close stops any in-flight replay and closes the chunk channel.
func (s *ttsStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.chunks)
	})
	return nil
}

// Ensure TTS implements tts.Provider at compile time.
var _ tts.Provider = (*TTS)(nil)
