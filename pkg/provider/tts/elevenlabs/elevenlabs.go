// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/voxgate-io/voxgate/pkg/provider"
	"github.com/voxgate-io/voxgate/pkg/provider/tts"
	"github.com/voxgate-io/voxgate/pkg/types"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpointFormat overrides the WebSocket endpoint format string. Used by
// tests to point at a local fixture server.
func WithEndpointFormat(format string) Option {
	return func(p *Provider) {
		p.endpointFmt = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpointFmt  string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// OpenStream opens a long-lived stream-input WebSocket for the given voice.
// The returned handle accepts one utterance per Synthesize call; audio arrives
// on Chunks with Final marking the end of each utterance.
func (p *Provider) OpenStream(ctx context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: cfg.VoiceID must not be empty")
	}

	format := cfg.Encoding
	if format == "" {
		format = p.outputFormat
	}

	wsURL := fmt.Sprintf(p.endpointFmt, cfg.VoiceID, p.model)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &provider.StatusError{
				Provider: "elevenlabs",
				Status:   resp.StatusCode,
				Msg:      "dial: " + err.Error(),
			}
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if cfg.Speed > 0 {
		vs.Speed = cfg.Speed
	}

	// Authenticate and configure the stream. ElevenLabs requires a non-empty
	// first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
		OutputFormat:  format,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	s := &stream{
		conn:       conn,
		chunks:     make(chan tts.Chunk, 256),
		sampleRate: sampleRateFromFormat(format),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(ctx)
	return s, nil
}

// sampleRateFromFormat extracts the rate from an output format such as
// "pcm_16000". Unknown formats fall back to 16000.
func sampleRateFromFormat(format string) int {
	if rest, ok := strings.CutPrefix(format, "pcm_"); ok {
		if rate, err := strconv.Atoi(rest); err == nil {
			return rate
		}
	}
	return 16000
}

// ---- stream ----

// stream is a live ElevenLabs stream-input connection. It implements
// tts.StreamHandle.
type stream struct {
	conn       *websocket.Conn
	chunks     chan tts.Chunk
	sampleRate int

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Synthesize submits one utterance. Flush forces generation so the utterance
// is not held back waiting for more input.
func (s *stream) Synthesize(text string) error {
	select {
	case <-s.done:
		return errors.New("elevenlabs: stream is closed")
	default:
	}
	// ElevenLabs buffers text that does not end in whitespace.
	msg, _ := json.Marshal(textMessage{Text: text + " ", Flush: true})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// Ping sends a single space, the cheapest message ElevenLabs accepts, to keep
// the connection from being reaped by the provider's inactivity timeout.
func (s *stream) Ping() error {
	select {
	case <-s.done:
		return errors.New("elevenlabs: stream is closed")
	default:
	}
	msg, _ := json.Marshal(textMessage{Text: " "})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: ping: %w", err)
	}
	return nil
}

// Chunks returns the audio channel. Closed when the connection ends.
func (s *stream) Chunks() <-chan tts.Chunk { return s.chunks }

// Close sends the end-of-stream marker and tears the connection down.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		eos, _ := json.Marshal(textMessage{Text: ""})
		s.writeMu.Lock()
		_ = s.conn.Write(context.Background(), websocket.MessageText, eos)
		s.writeMu.Unlock()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives audio messages and forwards them as Chunks.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.chunks)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		chunk, ok := parseAudioResponse(msg, s.sampleRate)
		if !ok {
			continue
		}
		select {
		case s.chunks <- chunk:
		case <-s.done:
			return
		}
	}
}

// parseAudioResponse converts a raw WebSocket message into a Chunk. Messages
// with neither audio nor a final marker are ignored.
func parseAudioResponse(data []byte, sampleRate int) (tts.Chunk, bool) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return tts.Chunk{}, false
	}
	if resp.Audio == "" && !resp.IsFinal {
		return tts.Chunk{}, false
	}
	var pcm []byte
	if resp.Audio != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return tts.Chunk{}, false
		}
		pcm = decoded
	}
	return tts.Chunk{Audio: pcm, SampleRate: sampleRate, Final: resp.IsFinal}, true
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{
			Provider: "elevenlabs",
			Status:   resp.StatusCode,
			Msg:      "list voices",
		}
	}

	body := json.NewDecoder(resp.Body)
	var vr voicesResponse
	if err := body.Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return voiceProfiles(vr), nil
}

// voiceProfiles converts the API response into VoiceProfile values.
func voiceProfiles(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
