// Package stt drives per-session speech-to-text streams: it owns the provider
// connection lifecycle, forwards audio, survives mid-stream disconnects, and
// assembles transcripts.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/internal/config"
	"github.com/voxgate-io/voxgate/internal/observe"
	"github.com/voxgate-io/voxgate/internal/resilience"
	sttprovider "github.com/voxgate-io/voxgate/pkg/provider/stt"
	"github.com/voxgate-io/voxgate/pkg/types"
)

const (
	// maxTranscriptChars caps the per-session transcript. Overflow behaviour
	// is selected by Config.Overflow.
	maxTranscriptChars = 50_000

	// pendingChunkCap bounds audio queued while a provider stream is being
	// re-established. At 100ms per chunk this is ~25s of speech; beyond that
	// the oldest audio is dropped.
	pendingChunkCap = 256

	// maxSegments bounds the per-session record of recognition results.
	// Oldest segments are evicted first.
	maxSegments = 100

	// finalizeQuiet is how long the result stream must stay silent before a
	// finalize snapshot is taken. Matches the provider-side endpointing
	// threshold so a final triggered by end of speech is not missed.
	finalizeQuiet = 300 * time.Millisecond

	// finalizeMaxWait bounds one finalize drain regardless of provider
	// chatter.
	finalizeMaxWait = 2 * time.Second
)

// ErrSessionNotFound is returned for operations on unknown session IDs.
var ErrSessionNotFound = errors.New("stt: session not found")

// ErrTranscriptFull is returned when the transcript cap is reached and the
// overflow policy is reject.
var ErrTranscriptFull = errors.New("stt: transcript limit reached")

// Config tunes the engine.
type Config struct {
	// Language and Model are passed through to the provider.
	Language string
	Model    string

	// ConnectTimeout bounds each individual connection attempt.
	ConnectTimeout time.Duration

	// InactivityTimeout closes the provider stream when no audio has been
	// forwarded for this long. The next audio.start opens a fresh stream.
	// Zero disables the watchdog.
	InactivityTimeout time.Duration

	// EndpointingMs is the provider-side silence threshold after which an
	// utterance is finalised. Zero defaults to 300.
	EndpointingMs int

	// Overflow selects transcript cap behaviour.
	Overflow config.OverflowPolicy

	// OnTranscript, when set, is invoked for every transcript (interim and
	// final) as it arrives. Called from the engine's reader goroutine; must
	// not block.
	OnTranscript func(sessionID string, t types.Transcript)

	// OnError, when set, is invoked when a session fails permanently (failed
	// reconnection, fatal provider error).
	OnError func(sessionID string, err error)
}

// Engine manages one provider stream per session.
type Engine struct {
	provider sttprovider.Provider
	cfg      Config
	metrics  *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the engine's per-session state.
type session struct {
	id  string
	cfg sttprovider.StreamConfig

	mu           sync.Mutex
	handle       sttprovider.SessionHandle
	reconnecting bool
	closed       bool
	pending      [][]byte // audio queued while reconnecting

	finals   []string
	partial  string
	segments []types.Transcript // bounded; oldest evicted
	history  strings.Builder    // finals across all turns, capped
	rejected bool               // overflow hit under the reject policy

	lastAudio  time.Time
	lastResult time.Time
	watchStop  chan struct{}
}

// New creates an Engine on top of p.
func New(p sttprovider.Provider, cfg Config, metrics *observe.Metrics) *Engine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.EndpointingMs <= 0 {
		cfg.EndpointingMs = 300
	}
	if cfg.Overflow == "" {
		cfg.Overflow = config.OverflowTrim
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

// Create opens a provider stream for sessionID. Connection attempts follow
// the fixed connect schedule; auth and not-found rejections abort immediately.
// When the session already has a live stream with the same configuration the
// stream is kept and only the turn accumulators reset; a dead or mismatched
// stream is replaced.
func (e *Engine) Create(ctx context.Context, sessionID string, sampleRate int) error {
	streamCfg := sttprovider.StreamConfig{
		SampleRate:     sampleRate,
		Language:       e.cfg.Language,
		Model:          e.cfg.Model,
		InterimResults: true,
		EndpointingMs:  e.cfg.EndpointingMs,
	}

	if s := e.lookup(sessionID); s != nil {
		s.mu.Lock()
		if !s.closed && s.handle != nil && s.cfg == streamCfg {
			s.finals = nil
			s.partial = ""
			now := time.Now()
			s.lastAudio = now
			s.lastResult = now
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}

	handle, err := e.connect(ctx, sessionID, streamCfg, resilience.ConnectSchedule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, watchStop: make(chan struct{})}
		e.sessions[sessionID] = s
	}
	e.mu.Unlock()

	s.mu.Lock()
	if old := s.handle; old != nil {
		go old.Close()
	}
	s.cfg = streamCfg
	s.handle = handle
	s.closed = false
	s.reconnecting = false
	s.finals = nil
	s.partial = ""
	s.lastAudio = time.Now()
	s.lastResult = s.lastAudio
	s.mu.Unlock()

	go e.readLoop(s, handle)
	if !ok && e.cfg.InactivityTimeout > 0 {
		go e.watchInactivity(s)
	}
	return nil
}

// watchInactivity closes streams that stop receiving audio. The session entry
// itself survives so the next turn can reopen a stream.
func (e *Engine) watchInactivity(s *session) {
	interval := e.cfg.InactivityTimeout / 4
	if interval <= 0 {
		interval = e.cfg.InactivityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.watchStop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		stale := !s.closed && !s.reconnecting &&
			time.Since(s.lastAudio) >= e.cfg.InactivityTimeout
		if !stale {
			s.mu.Unlock()
			continue
		}
		s.closed = true
		handle := s.handle
		s.mu.Unlock()

		slog.Info("stt stream closed after inactivity",
			"session_id", s.id, "timeout", e.cfg.InactivityTimeout)
		if handle != nil {
			_ = handle.Close()
		}
	}
}

// connect dials the provider following the given schedule.
func (e *Engine) connect(ctx context.Context, sessionID string, cfg sttprovider.StreamConfig, schedule resilience.Schedule) (sttprovider.SessionHandle, error) {
	var handle sttprovider.SessionHandle
	err := schedule.RetryNotify(ctx,
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
			defer cancel()
			var err error
			handle, err = e.provider.StartStream(attemptCtx, cfg)
			return err
		},
		func(attempt int, err error) {
			slog.Warn("stt connect retry",
				"session_id", sessionID,
				"attempt", attempt,
				"error", err,
				"class", resilience.Classify(err).String(),
			)
			e.metrics.RecordReconnection(ctx, "stt", "retry")
		},
	)
	if err != nil {
		e.metrics.RecordProviderError(context.Background(), "stt", resilience.Classify(err).String())
		return nil, fmt.Errorf("stt: connect session %s: %w", sessionID, err)
	}
	return handle, nil
}

// readLoop consumes transcripts until the provider stream ends, then decides
// between reconnection and shutdown.
func (e *Engine) readLoop(s *session, handle sttprovider.SessionHandle) {
	for t := range handle.Results() {
		e.record(s, t)
		if e.cfg.OnTranscript != nil {
			e.cfg.OnTranscript(s.id, t)
		}
	}

	s.mu.Lock()
	// The handle may already have been replaced by a newer Create.
	current := s.handle == handle
	closed := s.closed
	s.mu.Unlock()

	if !current || closed {
		return
	}

	// Unrequested stream end: reconnect with queued audio.
	e.reconnect(s)
}

// reconnect re-establishes the provider stream after a mid-stream drop and
// replays audio queued while the stream was down.
func (e *Engine) reconnect(s *session) {
	s.mu.Lock()
	s.reconnecting = true
	cfg := s.cfg
	s.mu.Unlock()

	slog.Warn("stt stream dropped, reconnecting", "session_id", s.id)

	handle, err := e.connect(context.Background(), s.id, cfg, resilience.StreamReconnectSchedule)
	if err != nil {
		s.mu.Lock()
		s.closed = true
		s.reconnecting = false
		s.pending = nil
		s.mu.Unlock()

		e.metrics.RecordReconnection(context.Background(), "stt", "failed")
		if e.cfg.OnError != nil {
			e.cfg.OnError(s.id, err)
		}
		return
	}

	s.mu.Lock()
	s.handle = handle
	s.reconnecting = false
	s.lastResult = time.Now()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, chunk := range pending {
		if err := handle.SendAudio(chunk); err != nil {
			slog.Warn("stt replay after reconnect failed", "session_id", s.id, "error", err)
			break
		}
	}
	e.metrics.RecordReconnection(context.Background(), "stt", "success")
	go e.readLoop(s, handle)
}

// record folds a transcript into the session state.
func (e *Engine) record(s *session, t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.lastResult = time.Now()
	if len(s.segments) >= maxSegments {
		s.segments = s.segments[1:]
	}
	s.segments = append(s.segments, t)

	if !t.IsFinal {
		s.partial = t.Text
		return
	}
	if t.Text == "" {
		return
	}
	if s.rejected {
		return
	}

	if s.history.Len()+len(t.Text) > maxTranscriptChars {
		switch e.cfg.Overflow {
		case config.OverflowReject:
			s.rejected = true
			slog.Warn("stt transcript cap reached, rejecting further text",
				"session_id", s.id, "cap", maxTranscriptChars)
			return
		default:
			trimmed := trimHead(s.history.String(), len(t.Text))
			s.history.Reset()
			s.history.WriteString(trimmed)
		}
	}

	s.finals = append(s.finals, t.Text)
	if s.history.Len() > 0 {
		s.history.WriteByte(' ')
	}
	s.history.WriteString(t.Text)
	s.partial = ""
}

// trimHead drops at least n leading characters from text, snapping forward to
// the next space so words stay whole.
func trimHead(text string, n int) string {
	if n >= len(text) {
		return ""
	}
	rest := text[n:]
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		return rest[idx+1:]
	}
	return rest
}

// Forward delivers an audio chunk for sessionID. During reconnection the
// chunk is queued (bounded; oldest dropped). Forward never blocks on the
// provider handshake.
func (e *Engine) Forward(sessionID string, pcm []byte) error {
	s := e.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stt: session %s is closed", sessionID)
	}
	if s.rejected {
		s.mu.Unlock()
		return ErrTranscriptFull
	}
	s.lastAudio = time.Now()
	if s.reconnecting {
		if len(s.pending) >= pendingChunkCap {
			s.pending = s.pending[1:]
		}
		cp := make([]byte, len(pcm))
		copy(cp, pcm)
		s.pending = append(s.pending, cp)
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	s.mu.Unlock()

	return handle.SendAudio(pcm)
}

// Finalize waits for the in-flight recognition results to settle and returns
// the turn's transcript: the finals joined by spaces, or the last interim
// hypothesis when no final ever arrived. The provider stream stays open, and
// the turn state is only reset by the next Create, so repeated calls without
// intervening audio return the same text.
func (e *Engine) Finalize(ctx context.Context, sessionID string) (string, error) {
	s := e.lookup(sessionID)
	if s == nil {
		return "", ErrSessionNotFound
	}
	start := time.Now()

	deadline := start.Add(finalizeMaxWait)
	for {
		s.mu.Lock()
		settled := s.closed || time.Since(s.lastResult) >= finalizeQuiet
		s.mu.Unlock()
		if settled || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("stt: finalize session %s: %w", sessionID, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.mu.Lock()
	finals, partial := s.finals, s.partial
	s.mu.Unlock()

	e.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	return turnText(finals, partial), nil
}

// turnText assembles the transcript for one turn.
func turnText(finals []string, partial string) string {
	if len(finals) == 0 {
		return strings.TrimSpace(partial)
	}
	return strings.TrimSpace(strings.Join(finals, " "))
}

// Transcript returns the accumulated final transcript across all turns of the
// session.
func (e *Engine) Transcript(sessionID string) (string, bool) {
	s := e.lookup(sessionID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.String(), true
}

// Segments returns the session's most recent recognition results, oldest
// first.
func (e *Engine) Segments(sessionID string) []types.Transcript {
	s := e.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Transcript, len(s.segments))
	copy(out, s.segments)
	return out
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
	handle := s.handle
	s.pending = nil
	s.mu.Unlock()

	if s.watchStop != nil {
		close(s.watchStop)
	}
	if handle != nil {
		_ = handle.Close()
	}
}

// Len returns the number of live sessions. Used by readiness checks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) lookup(sessionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}
