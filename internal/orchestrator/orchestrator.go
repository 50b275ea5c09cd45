// Package orchestrator coordinates the voice pipeline for every connection:
// it attaches the STT, LLM and TTS engines at handshake, dispatches inbound
// channel frames, runs the turn pipeline (transcribe, generate, synthesize),
// handles user barge-in, and tears sessions down.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	llmengine "github.com/voxgate-io/voxgate/internal/engine/llm"
	sttengine "github.com/voxgate-io/voxgate/internal/engine/stt"
	ttsengine "github.com/voxgate-io/voxgate/internal/engine/tts"
	"github.com/voxgate-io/voxgate/internal/observe"
	"github.com/voxgate-io/voxgate/internal/resilience"
	"github.com/voxgate-io/voxgate/internal/session"
	"github.com/voxgate-io/voxgate/internal/wire"
	"github.com/voxgate-io/voxgate/pkg/audio"
	llmprovider "github.com/voxgate-io/voxgate/pkg/provider/llm"
	sttprovider "github.com/voxgate-io/voxgate/pkg/provider/stt"
	ttsprovider "github.com/voxgate-io/voxgate/pkg/provider/tts"
	"github.com/voxgate-io/voxgate/pkg/types"
)

// Sender delivers outbound frames to one client connection.
type Sender interface {
	Send(f wire.Frame) error
}

// Config aggregates the engine tunables.
type Config struct {
	STT sttengine.Config
	TTS ttsengine.Config
	LLM llmengine.Config
}

// Orchestrator owns the three engines and the per-connection plumbing.
type Orchestrator struct {
	registry *session.Registry
	stt      *sttengine.Engine
	tts      *ttsengine.Engine
	llm      *llmengine.Engine
	metrics  *observe.Metrics

	mu    sync.Mutex
	sinks map[string]Sender // sessionID → connection sink
	conns map[string]string // connectionID → sessionID
}

// New builds an Orchestrator and its engines. The engines' failure callbacks
// are bound back to the orchestrator so provider trouble reaches the client
// as error frames.
func New(
	registry *session.Registry,
	sttProv sttprovider.Provider,
	ttsProv ttsprovider.Provider,
	llmGroup *resilience.FallbackGroup[llmprovider.Provider],
	cfg Config,
	metrics *observe.Metrics,
) *Orchestrator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	o := &Orchestrator{
		registry: registry,
		metrics:  metrics,
		sinks:    make(map[string]Sender),
		conns:    make(map[string]string),
	}

	sttCfg := cfg.STT
	sttCfg.OnTranscript = o.onTranscript
	sttCfg.OnError = o.onSTTError
	o.stt = sttengine.New(sttProv, sttCfg, metrics)

	ttsCfg := cfg.TTS
	ttsCfg.OnError = o.onTTSError
	o.tts = ttsengine.New(ttsProv, ttsCfg, metrics)

	o.llm = llmengine.New(llmGroup, cfg.LLM, metrics)
	return o
}

// Engines exposes the engines for readiness checks.
func (o *Orchestrator) Engines() (*sttengine.Engine, *ttsengine.Engine, *llmengine.Engine) {
	return o.stt, o.tts, o.llm
}

// Attach creates the session for a freshly accepted connection and brings up
// all three engines in parallel. An engine failure is recorded in its
// attachment flag and the connection stays up: the ACK is sent either way,
// and the degraded engine can still recover through the lazy per-turn paths.
func (o *Orchestrator) Attach(ctx context.Context, connectionID string, meta session.Metadata, sink Sender) string {
	s := o.registry.Create(connectionID, meta)
	sessionID := s.SessionID

	o.mu.Lock()
	o.sinks[sessionID] = sink
	o.conns[connectionID] = sessionID
	o.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		if err := o.stt.Create(ctx, sessionID, audio.TargetRate); err != nil {
			slog.Error("stt attach failed", "session_id", sessionID, "error", err)
			return nil
		}
		o.registry.Update(connectionID, func(s *session.Session) { s.STTAttached = true })
		return nil
	})
	g.Go(func() error {
		if err := o.tts.Create(ctx, sessionID, sink, meta.SampleRate); err != nil {
			slog.Error("tts attach failed", "session_id", sessionID, "error", err)
			return nil
		}
		o.registry.Update(connectionID, func(s *session.Session) { s.TTSAttached = true })
		return nil
	})
	g.Go(func() error {
		o.llm.Create(sessionID)
		o.registry.Update(connectionID, func(s *session.Session) { s.LLMAttached = true })
		return nil
	})
	_ = g.Wait()

	o.metrics.ActiveSessions.Add(ctx, 1)
	o.send(sessionID, wire.ConnectionAck(uuid.NewString(), sessionID))
	slog.Info("session attached",
		"connection_id", connectionID,
		"session_id", sessionID,
		"sample_rate", meta.SampleRate,
	)
	return sessionID
}

// HandleFrame dispatches one decoded inbound frame. A panicking handler is
// surfaced as an internalError frame; the channel keeps serving.
func (o *Orchestrator) HandleFrame(ctx context.Context, connectionID string, sink Sender, f wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("frame handler panic",
				"connection_id", connectionID,
				"event_type", f.EventType,
				"panic", r,
			)
			o.sendTo(sink, wire.Error(wire.CodeInternalError, f.EventType, f.EventID, f.SessionID,
				"internal error"))
		}
	}()

	o.metrics.RecordFrameIn(ctx, f.EventType)

	s, ok := o.registry.Get(connectionID)
	if !ok {
		o.sendTo(sink, wire.Error(wire.CodeSessionError, f.EventType, f.EventID, f.SessionID,
			"no session for connection"))
		return
	}
	if f.SessionID != "" && f.SessionID != s.SessionID {
		o.sendTo(sink, wire.Error(wire.CodeSessionError, f.EventType, f.EventID, s.SessionID,
			"sessionId does not match this connection"))
		return
	}

	switch f.EventType {
	case wire.EventAudioStart:
		o.handleAudioStart(ctx, s, f)
	case wire.EventAudioChunk:
		o.handleAudioChunk(ctx, s, f)
	case wire.EventAudioEnd:
		o.handleAudioEnd(ctx, s, f)
	default:
		o.send(s.SessionID, wire.Error(wire.CodeInvalidPayload, f.EventType, f.EventID, s.SessionID,
			"unsupported eventType"))
	}
}

// HandleInvalid reports a frame that failed to decode.
func (o *Orchestrator) HandleInvalid(connectionID string, sink Sender, perr *wire.ParseError) {
	sessionID := ""
	if s, ok := o.registry.Get(connectionID); ok {
		sessionID = s.SessionID
	}
	o.sendTo(sink, wire.Error(wire.CodeInvalidPayload, perr.RequestType, uuid.NewString(), sessionID,
		perr.Reason))
}

// handleAudioStart opens a new capture turn. Arriving while a response is
// playing counts as a barge-in: the response is cancelled first.
func (o *Orchestrator) handleAudioStart(ctx context.Context, s session.Session, f wire.Frame) {
	rate, ok := f.PayloadInt("sampleRate")
	if !ok {
		rate = s.Metadata.SampleRate
	}
	if !audio.ValidRate(rate) {
		o.send(s.SessionID, wire.Error(wire.CodeInvalidPayload, f.EventType, f.EventID, s.SessionID,
			fmt.Sprintf("sampleRate %d outside supported range %d-%d", rate, audio.MinRate, audio.MaxRate)))
		return
	}

	o.interrupt(ctx, s.SessionID)

	o.registry.Update(s.ConnectionID, func(sess *session.Session) {
		sess.Metadata.SampleRate = rate
		sess.State = session.StateActive
	})

	// Create keeps a live stream and resets the turn transcript; it dials a
	// fresh one when the last stream died or never attached.
	if err := o.stt.Create(ctx, s.SessionID, audio.TargetRate); err != nil {
		slog.Error("stt stream open failed", "session_id", s.SessionID, "error", err)
		o.send(s.SessionID, wire.Error(wire.CodeSTTError, f.EventType, f.EventID, s.SessionID,
			"speech recognition unavailable"))
		return
	}

	o.send(s.SessionID, wire.Ack(f.EventType, f.EventID, s.SessionID))
}

// handleAudioChunk normalises and forwards one chunk of microphone audio.
// Chunks are not individually acknowledged.
func (o *Orchestrator) handleAudioChunk(ctx context.Context, s session.Session, f wire.Frame) {
	pcm, ok := f.PayloadBytes("audio")
	if !ok || len(pcm) == 0 {
		o.send(s.SessionID, wire.Error(wire.CodeInvalidPayload, f.EventType, f.EventID, s.SessionID,
			"audio payload missing or empty"))
		return
	}
	o.registry.Touch(s.ConnectionID)
	o.metrics.RecordAudioBytes(ctx, "in", len(pcm))

	// Muted chunks keep the session alive but carry nothing to recognise.
	if f.PayloadBool("isMuted") {
		return
	}

	pcm = audio.Resample16k(s.SessionID, pcm, s.Metadata.SampleRate)
	if err := o.stt.Forward(s.SessionID, pcm); err != nil {
		slog.Warn("audio forward failed", "session_id", s.SessionID, "error", err)
		o.send(s.SessionID, wire.Error(wire.CodeSTTError, f.EventType, f.EventID, s.SessionID,
			"audio could not be forwarded"))
	}
}

// handleAudioEnd acknowledges the end of capture and runs the turn pipeline
// off the read loop so the connection keeps draining frames.
func (o *Orchestrator) handleAudioEnd(ctx context.Context, s session.Session, f wire.Frame) {
	o.send(s.SessionID, wire.Ack(f.EventType, f.EventID, s.SessionID))
	o.registry.UpdateState(s.ConnectionID, session.StateEnded)

	go o.runTurn(context.WithoutCancel(ctx), s.SessionID, f.EventID)
}

// runTurn executes one conversation turn: finalize the transcript, generate a
// reply, hand it to synthesis.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID, eventID string) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	log := observe.Logger(ctx)

	transcript, err := o.stt.Finalize(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		log.Error("transcript finalize failed", "session_id", sessionID, "error", err)
		o.send(sessionID, wire.Error(wire.CodeSTTError, wire.EventAudioEnd, eventID, sessionID,
			"transcription failed"))
		return
	}
	if transcript == "" {
		// Silence or noise only. No reply owed.
		log.Debug("empty transcript, skipping turn", "session_id", sessionID)
		return
	}

	res, err := o.llm.Generate(ctx, sessionID, transcript)
	if err != nil {
		span.RecordError(err)
		log.Error("response generation failed", "session_id", sessionID, "error", err)
		o.send(sessionID, wire.Error(wire.CodeLLMError, wire.EventAudioEnd, eventID, sessionID,
			"response generation failed"))
		return
	}
	if res.Canned {
		span.SetAttributes(attribute.Int("llm.fallback_tier", res.Tier))
	}

	utteranceID := uuid.NewString()
	if err := o.tts.Speak(sessionID, utteranceID, eventID, res.Text); err != nil {
		span.RecordError(err)
		log.Error("synthesis submit failed", "session_id", sessionID, "error", err)
		o.send(sessionID, wire.Error(wire.CodeTTSError, wire.EventAudioEnd, eventID, sessionID,
			"speech synthesis failed"))
	}
}

// interrupt cancels any in-flight response and notifies the client. Called on
// barge-in (new audio while a response plays).
func (o *Orchestrator) interrupt(ctx context.Context, sessionID string) {
	utteranceID, eventID, cancelled := o.tts.Cancel(sessionID)
	if !cancelled {
		return
	}
	o.metrics.Interruptions.Add(ctx, 1)
	// The interrupt frame closes the utterance, so it rides under the same
	// synthesis event ID as the frames before it.
	o.send(sessionID, wire.ResponseInterrupt(eventID, sessionID, utteranceID))
	slog.Info("response interrupted", "session_id", sessionID, "utterance_id", utteranceID)
}

// onTranscript watches interim recognition results for speech during
// playback, the second barge-in trigger besides an explicit audio.start.
func (o *Orchestrator) onTranscript(sessionID string, t types.Transcript) {
	if t.Text == "" {
		return
	}
	if state, ok := o.tts.StateOf(sessionID); !ok || state != ttsengine.StateStreaming {
		return
	}
	o.interrupt(context.Background(), sessionID)
}

// onSTTError surfaces a permanently failed recognition stream to the client.
func (o *Orchestrator) onSTTError(sessionID string, err error) {
	o.send(sessionID, wire.Error(wire.CodeSTTError, wire.EventAudioChunk, uuid.NewString(), sessionID,
		"speech recognition connection lost"))
}

// onTTSError surfaces a permanently failed synthesis stream to the client.
func (o *Orchestrator) onTTSError(sessionID string, err error) {
	o.send(sessionID, wire.Error(wire.CodeTTSError, wire.EventAudioEnd, uuid.NewString(), sessionID,
		"speech synthesis connection lost"))
}

// Detach tears down the connection's session. Engine teardown runs in
// parallel, guarded by the attachment flags so a partially attached session
// only ends what actually exists.
func (o *Orchestrator) Detach(connectionID string) {
	s, ok := o.registry.Get(connectionID)
	if !ok {
		return
	}
	sessionID := s.SessionID
	o.registry.UpdateState(connectionID, session.StateEnded)

	var wg sync.WaitGroup
	if s.STTAttached {
		wg.Add(1)
		go func() { defer wg.Done(); o.stt.End(sessionID) }()
	}
	if s.TTSAttached {
		wg.Add(1)
		go func() { defer wg.Done(); o.tts.End(sessionID) }()
	}
	if s.LLMAttached {
		wg.Add(1)
		go func() { defer wg.Done(); o.llm.End(sessionID) }()
	}
	wg.Wait()

	o.registry.Delete(connectionID)
	o.mu.Lock()
	delete(o.sinks, sessionID)
	delete(o.conns, connectionID)
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session detached", "connection_id", connectionID, "session_id", sessionID)
}

// Shutdown detaches every live session. Called once during process exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	conns := make([]string, 0, len(o.conns))
	for connID := range o.conns {
		conns = append(conns, connID)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, connID := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Detach(connID)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown deadline hit before all sessions detached")
	}
}

// send delivers a frame to the session's connection, if it is still there.
func (o *Orchestrator) send(sessionID string, f wire.Frame) {
	o.mu.Lock()
	sink := o.sinks[sessionID]
	o.mu.Unlock()
	o.sendTo(sink, f)
}

func (o *Orchestrator) sendTo(sink Sender, f wire.Frame) {
	if sink == nil {
		return
	}
	if err := sink.Send(f); err != nil {
		slog.Debug("frame delivery failed", "event_type", f.EventType, "error", err)
		return
	}
	o.metrics.RecordFrameOut(context.Background(), f.EventType)
}
