package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	ttsengine "github.com/voxgate-io/voxgate/internal/engine/tts"
	"github.com/voxgate-io/voxgate/internal/resilience"
	"github.com/voxgate-io/voxgate/internal/session"
	"github.com/voxgate-io/voxgate/internal/wire"
	"github.com/voxgate-io/voxgate/pkg/provider"
	llmprovider "github.com/voxgate-io/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate-io/voxgate/pkg/provider/llm/mock"
	sttprovider "github.com/voxgate-io/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate-io/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/voxgate-io/voxgate/pkg/provider/tts/mock"
	"github.com/voxgate-io/voxgate/pkg/types"
)

// closingSession closes its results channel on Close, like a real recognition
// stream ending after a flush.
type closingSession struct {
	*sttmock.Session
	once sync.Once
}

func (s *closingSession) Close() error {
	err := s.Session.Close()
	s.once.Do(func() { close(s.ResultsCh) })
	return err
}

// closingSTT hands out closingSessions and records them in order.
type closingSTT struct {
	mu       sync.Mutex
	sessions []*closingSession
}

func (p *closingSTT) StartStream(ctx context.Context, cfg sttprovider.StreamConfig) (sttprovider.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &closingSession{Session: &sttmock.Session{ResultsCh: make(chan types.Transcript, 16)}}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *closingSTT) session(i int) *closingSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

func (p *closingSTT) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

type frameSink struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (s *frameSink) Send(f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) byType(eventType string) []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Frame
	for _, f := range s.frames {
		if f.EventType == eventType {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	orch *Orchestrator
	stt  *closingSTT
	tts  *ttsmock.Provider
	llm  *llmmock.Provider
	sink *frameSink
	reg  *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stt:  &closingSTT{},
		tts:  &ttsmock.Provider{},
		llm:  &llmmock.Provider{CompleteResult: &llmprovider.CompletionResponse{Content: "the reply"}},
		sink: &frameSink{},
		reg:  session.NewRegistry(session.Config{}),
	}
	group := resilience.NewFallbackGroup[llmprovider.Provider](f.llm, "mock", resilience.FallbackConfig{})
	f.orch = New(f.reg, f.stt, f.tts, group, Config{}, nil)
	return f
}

func (f *fixture) attach(t *testing.T) string {
	t.Helper()
	return f.orch.Attach(context.Background(), "conn-1",
		session.Metadata{SampleRate: 16000}, f.sink)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttach_SendsConnectionAck(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	acks := f.sink.byType(wire.EventConnectionAck)
	if len(acks) != 1 {
		t.Fatalf("connection.ack frames = %d", len(acks))
	}
	if acks[0].SessionID != sessionID {
		t.Errorf("ack sessionID = %q, want %q", acks[0].SessionID, sessionID)
	}

	s, ok := f.reg.Get("conn-1")
	if !ok {
		t.Fatal("session missing from registry")
	}
	if !s.STTAttached || !s.TTSAttached || !s.LLMAttached {
		t.Errorf("attachment flags = %+v", s)
	}
}

func TestAttach_EngineFailureKeepsSession(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	llm := &llmmock.Provider{CompleteResult: &llmprovider.CompletionResponse{Content: "the reply"}}
	group := resilience.NewFallbackGroup[llmprovider.Provider](llm, "mock", resilience.FallbackConfig{})
	stt := &sttmock.Provider{StartStreamErr: &provider.StatusError{Provider: "deepgram", Status: 401, Msg: "bad key"}}
	orch := New(reg, stt, &ttsmock.Provider{}, group, Config{}, nil)
	sink := &frameSink{}

	sessionID := orch.Attach(context.Background(), "conn-1", session.Metadata{SampleRate: 16000}, sink)

	// A dead recognition backend degrades the session, it does not kill it.
	acks := sink.byType(wire.EventConnectionAck)
	if len(acks) != 1 {
		t.Fatalf("connection.ack frames = %d", len(acks))
	}
	if acks[0].SessionID != sessionID {
		t.Errorf("ack sessionID = %q, want %q", acks[0].SessionID, sessionID)
	}
	s, ok := reg.Get("conn-1")
	if !ok {
		t.Fatal("session missing from registry")
	}
	if s.STTAttached {
		t.Error("stt marked attached despite stream failure")
	}
	if !s.TTSAttached || !s.LLMAttached {
		t.Errorf("healthy engines not attached: %+v", s)
	}
}

func TestFullTurn(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioStart,
		EventID:   "ev-start",
		SessionID: sessionID,
		Payload:   map[string]any{"sampleRate": int64(16000)},
	})
	if n := len(f.sink.byType(wire.EventAudioStart + wire.AckSuffix)); n != 1 {
		t.Fatalf("audio.start acks = %d", n)
	}
	if s, _ := f.reg.Get("conn-1"); s.State != session.StateActive {
		t.Errorf("state after audio.start = %q", s.State)
	}
	// The turn reuses the stream opened at attach.
	if f.stt.count() != 1 {
		t.Fatalf("stt streams = %d, want 1", f.stt.count())
	}
	turn := f.stt.session(0)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioChunk,
		EventID:   "ev-chunk",
		SessionID: sessionID,
		Payload:   map[string]any{"audio": []byte{1, 2, 3, 4}},
	})
	waitFor(t, "audio forwarded", func() bool { return turn.SendAudioCallCount() == 1 })

	turn.Emit("what time is it", true)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioEnd,
		EventID:   "ev-end",
		SessionID: sessionID,
	})
	if n := len(f.sink.byType(wire.EventAudioEnd + wire.AckSuffix)); n != 1 {
		t.Fatalf("audio.end acks = %d", n)
	}
	if s, _ := f.reg.Get("conn-1"); s.State != session.StateEnded {
		t.Errorf("state after audio.end = %q", s.State)
	}

	// Pipeline: transcript → completion → synthesis.
	waitFor(t, "llm call", func() bool { return f.llm.CompleteCallCount() == 1 })
	req := f.llm.CompleteCalls[0].Req
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "what time is it" {
		t.Errorf("llm user turn = %q", last.Content)
	}

	ttsStream := f.tts.Streams[0]
	waitFor(t, "synthesis submit", func() bool { return ttsStream.SynthesizeCallCount() == 1 })
	if got := ttsStream.SynthesizeCalls[0]; got != "the reply" {
		t.Errorf("synthesized text = %q", got)
	}

	ttsStream.EmitAudio([]byte{9, 9, 9, 9}, 16000)
	ttsStream.EmitFinal()
	waitFor(t, "response frames", func() bool {
		return len(f.sink.byType(wire.EventResponseComplete)) == 1
	})
	if n := len(f.sink.byType(wire.EventResponseStart)); n != 1 {
		t.Errorf("response.start frames = %d", n)
	}
	if n := len(f.sink.byType(wire.EventResponseChunk)); n != 1 {
		t.Errorf("response.chunk frames = %d", n)
	}
}

func TestEmptyTranscript_SkipsResponse(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioStart, EventID: "ev1", SessionID: sessionID,
		Payload: map[string]any{"sampleRate": int64(16000)},
	})
	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioEnd, EventID: "ev2", SessionID: sessionID,
	})

	// Give the pipeline a moment; nothing downstream may fire.
	time.Sleep(100 * time.Millisecond)
	if n := f.llm.CompleteCallCount(); n != 0 {
		t.Errorf("llm calls = %d for an empty transcript", n)
	}
}

func TestBargeIn_AudioStartInterruptsPlayback(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	// Put a response on the air.
	_, tts, _ := f.orch.Engines()
	if err := tts.Speak(sessionID, "utt-1", "ev-r", "a very long answer"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	stream := f.tts.Streams[0]
	stream.EmitAudio([]byte{1, 2}, 16000)
	waitFor(t, "streaming state", func() bool {
		state, _ := tts.StateOf(sessionID)
		return state == ttsengine.StateStreaming
	})

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioStart, EventID: "ev-barge", SessionID: sessionID,
		Payload: map[string]any{"sampleRate": int64(16000)},
	})

	interrupts := f.sink.byType(wire.EventResponseInterrupt)
	if len(interrupts) != 1 {
		t.Fatalf("response.interrupt frames = %d", len(interrupts))
	}
	if interrupts[0].Payload["utteranceId"] != "utt-1" {
		t.Errorf("interrupted utterance = %v", interrupts[0].Payload["utteranceId"])
	}
	// The interrupt closes the utterance under its own synthesis event ID.
	if interrupts[0].EventID != "ev-r" {
		t.Errorf("interrupt eventId = %q, want ev-r", interrupts[0].EventID)
	}
}

func TestSessionMismatch(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioStart, EventID: "ev1", SessionID: "someone-else",
	})
	if n := len(f.sink.byType(wire.CodeSessionError)); n != 1 {
		t.Errorf("sessionError frames = %d", n)
	}
}

func TestUnknownEventType(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: "voicechat.video.start", EventID: "ev1", SessionID: sessionID,
	})
	errs := f.sink.byType(wire.CodeInvalidPayload)
	if len(errs) != 1 {
		t.Fatalf("invalidPayload frames = %d", len(errs))
	}
	if errs[0].RequestType != "voicechat.video.start" {
		t.Errorf("requestType = %q", errs[0].RequestType)
	}
}

func TestAudioChunk_MutedNotForwarded(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioStart, EventID: "ev1", SessionID: sessionID,
		Payload: map[string]any{"sampleRate": int64(16000)},
	})
	turn := f.stt.session(0)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioChunk, EventID: "ev2", SessionID: sessionID,
		Payload: map[string]any{"audio": []byte{1, 2, 3, 4}, "isMuted": true},
	})

	time.Sleep(50 * time.Millisecond)
	if n := turn.SendAudioCallCount(); n != 0 {
		t.Errorf("muted audio forwarded %d times", n)
	}
	if n := len(f.sink.byType(wire.CodeInvalidPayload)); n != 0 {
		t.Errorf("muted chunk produced %d error frames", n)
	}
}

func TestAudioChunk_MissingPayload(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioChunk, EventID: "ev1", SessionID: sessionID,
	})
	if n := len(f.sink.byType(wire.CodeInvalidPayload)); n != 1 {
		t.Errorf("invalidPayload frames = %d", n)
	}
}

func TestAudioStart_BadSampleRate(t *testing.T) {
	f := newFixture(t)
	sessionID := f.attach(t)

	f.orch.HandleFrame(context.Background(), "conn-1", f.sink, wire.Frame{
		EventType: wire.EventAudioStart, EventID: "ev1", SessionID: sessionID,
		Payload: map[string]any{"sampleRate": int64(96000)},
	})
	if n := len(f.sink.byType(wire.CodeInvalidPayload)); n != 1 {
		t.Errorf("invalidPayload frames = %d", n)
	}
}

func TestHandleInvalid(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	f.orch.HandleInvalid("conn-1", f.sink, &wire.ParseError{
		RequestType: wire.EventUnknown,
		Reason:      "not a msgpack map",
	})
	errs := f.sink.byType(wire.CodeInvalidPayload)
	if len(errs) != 1 {
		t.Fatalf("invalidPayload frames = %d", len(errs))
	}
	if errs[0].RequestType != wire.EventUnknown {
		t.Errorf("requestType = %q", errs[0].RequestType)
	}
}

func TestDetach_TearsDownEverything(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	f.orch.Detach("conn-1")

	stt, tts, llm := f.orch.Engines()
	if stt.Len() != 0 || tts.Len() != 0 || llm.Len() != 0 {
		t.Errorf("engine sessions after detach: stt=%d tts=%d llm=%d",
			stt.Len(), tts.Len(), llm.Len())
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry sessions after detach = %d", f.reg.Len())
	}
	// Detaching again is harmless.
	f.orch.Detach("conn-1")
}

func TestShutdown_DetachesAllSessions(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	sink2 := &frameSink{}
	f.orch.Attach(context.Background(), "conn-2", session.Metadata{SampleRate: 24000}, sink2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.orch.Shutdown(ctx)

	if f.reg.Len() != 0 {
		t.Errorf("registry sessions after shutdown = %d", f.reg.Len())
	}
}
