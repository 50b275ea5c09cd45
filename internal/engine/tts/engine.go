// Package tts drives per-session speech synthesis: it owns the provider
// stream lifecycle, runs the utterance state machine, keeps idle connections
// alive, and delivers synthesized audio to the client as response frames.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/internal/observe"
	"github.com/voxgate-io/voxgate/internal/resilience"
	"github.com/voxgate-io/voxgate/internal/wire"
	"github.com/voxgate-io/voxgate/pkg/audio"
	ttsprovider "github.com/voxgate-io/voxgate/pkg/provider/tts"
)

const (
	// maxTextChars caps one synthesis request. Longer text is truncated, not
	// rejected, so a runaway language model cannot stall the pipeline.
	maxTextChars = 5_000

	// maxQueuedBytes bounds text waiting for synthesis while the provider
	// stream is down or busy.
	maxQueuedBytes = 1 << 20 // 1 MiB

	// completedHold is how long an utterance lingers in Completed before the
	// session returns to Idle and the next queued utterance dispatches.
	completedHold = 500 * time.Millisecond
)

// State is the per-session synthesis state.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateStreaming
	StateCompleted
	StateError
	StateCancelled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("tts: session not found")

	// ErrEmptyText is returned when a synthesis request carries no text.
	ErrEmptyText = errors.New("tts: empty text")

	// ErrBufferOverflow is returned when the pending-text queue would exceed
	// its byte cap.
	ErrBufferOverflow = errors.New("tts: synthesis buffer overflow")

	// ErrTooManySessions is returned by Create when the concurrent-session
	// cap is reached.
	ErrTooManySessions = errors.New("tts: session limit reached")
)

// Sink delivers outbound frames to the client connection. Implementations
// must not block indefinitely.
type Sink interface {
	Send(f wire.Frame) error
}

// Config tunes the engine.
type Config struct {
	// VoiceID, Language and Speed select the provider voice.
	VoiceID  string
	Language string
	Speed    float64

	// KeepaliveInterval is how often an idle stream is pinged so the provider
	// does not reap it. Zero defaults to 8s.
	KeepaliveInterval time.Duration

	// ConnectTimeout bounds each individual stream-open attempt.
	ConnectTimeout time.Duration

	// SynthesisTimeout bounds one utterance from dispatch to its final chunk.
	// A stuck utterance is failed so queued ones still run. Zero disables the
	// watchdog.
	SynthesisTimeout time.Duration

	// MaxSessions caps open synthesis streams across all sessions. Zero means
	// unlimited.
	MaxSessions int

	// OnError, when set, is invoked when a session's stream fails permanently.
	OnError func(sessionID string, err error)
}

// utterance is one queued or in-flight synthesis request.
type utterance struct {
	id      string
	eventID string
	text    string
	started time.Time

	// announced is set once response.start has been emitted. It survives a
	// reconnect resubmission so the resumed utterance does not start twice.
	announced bool
}

// Engine manages one provider stream per session.
type Engine struct {
	provider ttsprovider.Provider
	cfg      Config
	metrics  *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id         string
	sink       Sink
	clientRate int
	cfg        ttsprovider.StreamConfig

	mu           sync.Mutex
	stream       ttsprovider.StreamHandle
	state        State
	disconnected bool
	closed       bool

	queue       []utterance
	queuedBytes int
	current     *utterance

	keepaliveStop chan struct{}
}

// New creates an Engine on top of p.
func New(p ttsprovider.Provider, cfg Config, metrics *observe.Metrics) *Engine {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 8 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{
		provider: p,
		cfg:      cfg,
		metrics:  metrics,
		sessions: make(map[string]*session),
	}
}

// Create opens a synthesis stream for sessionID and binds it to sink.
// Synthesized audio is resampled to clientRate before delivery.
func (e *Engine) Create(ctx context.Context, sessionID string, sink Sink, clientRate int) error {
	if e.cfg.MaxSessions > 0 {
		e.mu.Lock()
		_, exists := e.sessions[sessionID]
		atCap := !exists && len(e.sessions) >= e.cfg.MaxSessions
		e.mu.Unlock()
		if atCap {
			return ErrTooManySessions
		}
	}

	streamCfg := ttsprovider.StreamConfig{
		VoiceID:  e.cfg.VoiceID,
		Language: e.cfg.Language,
		Speed:    e.cfg.Speed,
	}

	stream, err := e.open(ctx, sessionID, streamCfg, resilience.ConnectSchedule)
	if err != nil {
		return err
	}

	s := &session{
		id:            sessionID,
		sink:          sink,
		clientRate:    clientRate,
		cfg:           streamCfg,
		stream:        stream,
		state:         StateIdle,
		keepaliveStop: make(chan struct{}),
	}

	e.mu.Lock()
	if old := e.sessions[sessionID]; old != nil {
		e.mu.Unlock()
		e.End(sessionID)
		e.mu.Lock()
	}
	e.sessions[sessionID] = s
	e.mu.Unlock()

	go e.readLoop(s, stream)
	go e.keepaliveLoop(s)
	return nil
}

// open dials the provider following the given schedule.
func (e *Engine) open(ctx context.Context, sessionID string, cfg ttsprovider.StreamConfig, schedule resilience.Schedule) (ttsprovider.StreamHandle, error) {
	var stream ttsprovider.StreamHandle
	err := schedule.RetryNotify(ctx,
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
			defer cancel()
			var err error
			stream, err = e.provider.OpenStream(attemptCtx, cfg)
			return err
		},
		func(attempt int, err error) {
			slog.Warn("tts connect retry",
				"session_id", sessionID,
				"attempt", attempt,
				"error", err,
				"class", resilience.Classify(err).String(),
			)
			e.metrics.RecordReconnection(ctx, "tts", "retry")
		},
	)
	if err != nil {
		e.metrics.RecordProviderError(context.Background(), "tts", resilience.Classify(err).String())
		return nil, fmt.Errorf("tts: open stream for session %s: %w", sessionID, err)
	}
	return stream, nil
}

// Speak queues text for synthesis. Empty or whitespace-only text is rejected;
// text beyond the per-request cap is truncated. utteranceID and eventID ride
// on the emitted response frames.
func (e *Engine) Speak(sessionID, utteranceID, eventID, text string) error {
	s := e.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if runes := []rune(text); len(runes) > maxTextChars {
		slog.Warn("tts text truncated",
			"session_id", sessionID,
			"utterance_id", utteranceID,
			"length", len(runes),
			"cap", maxTextChars,
		)
		text = string(runes[:maxTextChars])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("tts: session %s is closed", sessionID)
	}
	if s.state == StateError {
		return fmt.Errorf("tts: session %s stream is down", sessionID)
	}
	if s.queuedBytes+len(text) > maxQueuedBytes {
		return ErrBufferOverflow
	}

	s.queue = append(s.queue, utterance{id: utteranceID, eventID: eventID, text: text})
	s.queuedBytes += len(text)
	e.dispatchLocked(s)
	return nil
}

// dispatchLocked submits the next queued utterance when the session is idle
// and the stream is up. Caller holds s.mu.
func (e *Engine) dispatchLocked(s *session) {
	if s.state != StateIdle || s.disconnected || s.current != nil || len(s.queue) == 0 {
		return
	}
	u := s.queue[0]
	s.queue = s.queue[1:]
	s.queuedBytes -= len(u.text)
	u.started = time.Now()
	s.current = &u
	s.state = StateGenerating
	stream := s.stream

	if e.cfg.SynthesisTimeout > 0 {
		watched := u
		time.AfterFunc(e.cfg.SynthesisTimeout, func() {
			s.mu.Lock()
			stuck := s.current != nil && s.current.id == watched.id &&
				(s.state == StateGenerating || s.state == StateStreaming)
			s.mu.Unlock()
			if !stuck {
				return
			}
			slog.Warn("tts synthesis timed out",
				"session_id", s.id, "utterance_id", watched.id,
				"timeout", e.cfg.SynthesisTimeout)
			e.metrics.RecordProviderError(context.Background(), "tts", "timeout")
			e.failUtterance(s, watched, errors.New("synthesis timed out"))
		})
	}

	// Synthesize can block on the provider socket; run it off the lock.
	go func() {
		if err := stream.Synthesize(u.text); err != nil {
			slog.Error("tts synthesize failed",
				"session_id", s.id, "utterance_id", u.id, "error", err)
			e.metrics.RecordProviderError(context.Background(), "tts", resilience.Classify(err).String())
			e.failUtterance(s, u, err)
		}
	}()
}

// failUtterance reports a synthesis failure to the client and returns the
// session to Idle so queued utterances still run.
func (e *Engine) failUtterance(s *session, u utterance, err error) {
	s.mu.Lock()
	if s.current != nil && s.current.id == u.id {
		s.current = nil
		if s.state == StateGenerating || s.state == StateStreaming {
			s.state = StateIdle
		}
		e.dispatchLocked(s)
	}
	sink := s.sink
	s.mu.Unlock()

	e.send(sink, wire.Error(wire.CodeTTSError, wire.EventAudioEnd, u.eventID, s.id,
		"speech synthesis failed: "+err.Error()))
}

// readLoop consumes audio chunks until the provider stream ends, then decides
// between reconnection and shutdown.
func (e *Engine) readLoop(s *session, stream ttsprovider.StreamHandle) {
	for chunk := range stream.Chunks() {
		e.handleChunk(s, chunk)
	}

	s.mu.Lock()
	current := s.stream == stream
	closed := s.closed
	reconnecting := s.disconnected
	s.mu.Unlock()

	// A reconnect already owned elsewhere (failed keepalive) must not be
	// started a second time here.
	if !current || closed || reconnecting {
		return
	}
	e.reconnect(s)
}

// handleChunk advances the utterance state machine for one provider chunk.
func (e *Engine) handleChunk(s *session, chunk ttsprovider.Chunk) {
	s.mu.Lock()
	state := s.state
	u := s.current
	sink := s.sink
	clientRate := s.clientRate

	if u == nil {
		// Late audio after a completed or failed utterance. Drop it.
		s.mu.Unlock()
		return
	}

	if state == StateCancelled {
		// Drain silently until the provider marks the end of the cancelled
		// utterance, then resume.
		if chunk.Final {
			s.current = nil
			s.state = StateIdle
			e.dispatchLocked(s)
		}
		s.mu.Unlock()
		return
	}

	if state == StateGenerating {
		s.state = StateStreaming
		announce := !u.announced
		u.announced = true
		s.mu.Unlock()
		if announce {
			e.send(sink, wire.ResponseStart(u.eventID, s.id, u.id, time.Now().UnixMilli()))
		}
		s.mu.Lock()
		if s.state == StateCancelled {
			// Cancelled while the start frame was in flight.
			if chunk.Final {
				s.current = nil
				s.state = StateIdle
				e.dispatchLocked(s)
			}
			s.mu.Unlock()
			return
		}
	}

	if chunk.Final {
		s.state = StateCompleted
		s.current = nil
		s.mu.Unlock()

		e.send(sink, wire.ResponseComplete(u.eventID, s.id, u.id))
		e.metrics.TTSDuration.Record(context.Background(), time.Since(u.started).Seconds())

		// Hold Completed briefly so the client can observe the terminal state
		// before the next utterance starts.
		time.AfterFunc(completedHold, func() {
			s.mu.Lock()
			if s.state == StateCompleted {
				s.state = StateIdle
				e.dispatchLocked(s)
			}
			s.mu.Unlock()
		})
		return
	}
	s.mu.Unlock()

	if len(chunk.Audio) == 0 {
		return
	}
	pcm := chunk.Audio
	rate := chunk.SampleRate
	if clientRate > 0 && rate > 0 && rate != clientRate {
		pcm = audio.Resample(pcm, rate, clientRate)
		rate = clientRate
	}
	e.send(sink, wire.ResponseChunk(u.eventID, s.id, u.id, pcm, rate))
	e.metrics.RecordAudioBytes(context.Background(), "out", len(pcm))
}

// reconnect re-opens the provider stream after an unrequested drop. The
// in-flight utterance, if any, is resubmitted; queued text is preserved.
func (e *Engine) reconnect(s *session) {
	s.mu.Lock()
	s.disconnected = true
	cfg := s.cfg
	s.mu.Unlock()

	slog.Warn("tts stream dropped, reconnecting", "session_id", s.id)

	stream, err := e.open(context.Background(), s.id, cfg, resilience.SynthReconnectSchedule)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.disconnected = false
		u := s.current
		s.current = nil
		s.queue = nil
		s.queuedBytes = 0
		sink := s.sink
		s.mu.Unlock()

		e.metrics.RecordReconnection(context.Background(), "tts", "failed")
		if u != nil {
			e.send(sink, wire.Error(wire.CodeTTSError, wire.EventAudioEnd, u.eventID, s.id,
				"speech synthesis connection lost"))
		}
		if e.cfg.OnError != nil {
			e.cfg.OnError(s.id, err)
		}
		return
	}

	s.mu.Lock()
	s.stream = stream
	s.disconnected = false
	// Resubmit the interrupted utterance from the top. If its start frame
	// already went out, the replayed chunks continue the same utterance
	// without a second response.start.
	if u := s.current; u != nil {
		s.current = nil
		s.queue = append([]utterance{{id: u.id, eventID: u.eventID, text: u.text, announced: u.announced}}, s.queue...)
		s.queuedBytes += len(u.text)
	}
	if s.state == StateGenerating || s.state == StateStreaming {
		s.state = StateIdle
	}
	e.dispatchLocked(s)
	s.mu.Unlock()

	e.metrics.RecordReconnection(context.Background(), "tts", "success")
	go e.readLoop(s, stream)
}

// Cancel aborts the in-flight utterance and drops everything queued behind
// it. Without an utterance actively generating or streaming it is a no-op.
// It returns the cancelled utterance's ID and synthesis event ID, and whether
// anything was cancelled.
func (e *Engine) Cancel(sessionID string) (utteranceID, eventID string, cancelled bool) {
	s := e.lookup(sessionID)
	if s == nil {
		return "", "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || (s.state != StateGenerating && s.state != StateStreaming) {
		return "", "", false
	}
	s.queue = nil
	s.queuedBytes = 0
	s.state = StateCancelled
	return s.current.id, s.current.eventID, true
}

// StateOf returns the session's synthesis state.
func (e *Engine) StateOf(sessionID string) (State, bool) {
	s := e.lookup(sessionID)
	if s == nil {
		return StateIdle, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// keepaliveLoop pings the stream while the session sits idle so the provider
// does not close it between turns.
func (e *Engine) keepaliveLoop(s *session) {
	ticker := time.NewTicker(e.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := s.state == StateIdle && !s.disconnected && !s.closed
		stream := s.stream
		s.mu.Unlock()

		if !idle {
			continue
		}
		if err := stream.Ping(); err != nil {
			slog.Warn("tts keepalive failed, reconnecting", "session_id", s.id, "error", err)
			s.mu.Lock()
			stale := s.closed || s.disconnected || s.stream != stream
			if !stale {
				s.disconnected = true
			}
			s.mu.Unlock()
			if stale {
				continue
			}
			_ = stream.Close()
			e.reconnect(s)
		}
	}
}

// End tears down the session and its provider stream. Ending an unknown
// session is a no-op.
func (e *Engine) End(sessionID string) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	stream := s.stream
	s.queue = nil
	s.queuedBytes = 0
	s.current = nil
	s.mu.Unlock()

	close(s.keepaliveStop)
	if stream != nil {
		_ = stream.Close()
	}
}

// Len returns the number of live sessions. Used by readiness checks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// lookup returns the session for sessionID, or nil if unknown.
func (e *Engine) lookup(sessionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

// send delivers a frame to the sink, logging delivery failures. A sink error
// means the client connection is going away; the teardown path handles it.
func (e *Engine) send(sink Sink, f wire.Frame) {
	if sink == nil {
		return
	}
	if err := sink.Send(f); err != nil {
		slog.Debug("tts frame delivery failed", "event_type", f.EventType, "error", err)
		return
	}
	e.metrics.RecordFrameOut(context.Background(), f.EventType)
}
