// Package llm drives response generation: it keeps per-session conversation
// context, fails over between model providers, and degrades to canned replies
// when every provider is down so the voice loop never goes silent.
package llm

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
	llmprovider "github.com/voxgate-io/voxgate/pkg/provider/llm"
	"github.com/voxgate-io/voxgate/pkg/types"
)

// ErrSessionNotFound is returned for operations on unknown session IDs.
var ErrSessionNotFound = errors.New("llm: session not found")

// ErrEmptyInput is returned by Generate for empty or whitespace-only text.
var ErrEmptyInput = errors.New("llm: empty user text")

// cannedReplies are spoken when generation fails, indexed by tier: a
// recoverable blip asks the user to repeat, a spent retry budget or a hard
// rejection reports technical difficulties, and network trouble offers a
// call-back.
var cannedReplies = []string{
	"Sorry, I didn't catch that. Could you say it again?",
	"I'm having technical difficulties right now. Give me a moment and try again.",
	"I'm having connection issues and can't respond right now. Please call back in a little while.",
}

// Config tunes the engine.
type Config struct {
	// SystemPrompt is injected ahead of every conversation.
	SystemPrompt string

	// Temperature and MaxTokens are passed through on every request.
	Temperature float64
	MaxTokens   int

	// MaxMessages caps the per-session history; the oldest messages are
	// evicted first. Zero defaults to 50.
	MaxMessages int

	// RequestTimeout bounds one generation request across all providers.
	// Zero defaults to 30s.
	RequestTimeout time.Duration
}

// Result is the outcome of one generation.
type Result struct {
	// Text is the reply to synthesize.
	Text string

	// Canned is true when Text is a degraded fallback rather than model
	// output. Canned replies are not recorded in the conversation history.
	Canned bool

	// Tier is the canned reply's escalation level, 1 to 3. Zero for model
	// output.
	Tier int

	// Usage is the token accounting for the request. Zero when Canned.
	Usage llmprovider.Usage
}

// Engine manages conversation state and generation for all sessions.
type Engine struct {
	group   *resilience.FallbackGroup[llmprovider.Provider]
	cfg     Config
	metrics *observe.Metrics

	mu       sync.Mutex
	contexts map[string]*conversation
}

type conversation struct {
	messages []types.Message
	failures int
}

// New creates an Engine that generates through group.
func New(group *resilience.FallbackGroup[llmprovider.Provider], cfg Config, metrics *observe.Metrics) *Engine {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{
		group:    group,
		cfg:      cfg,
		metrics:  metrics,
		contexts: make(map[string]*conversation),
	}
}

// Create initialises an empty conversation for sessionID. Calling Create for
// an existing session wipes its history.
func (e *Engine) Create(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts[sessionID] = &conversation{}
}

// Generate appends userText to the session's history and produces a reply.
// Providers are tried in fallback order; if all fail the reply degrades to a
// canned response and the user message stays in the history for the next
// attempt.
func (e *Engine) Generate(ctx context.Context, sessionID, userText string) (Result, error) {
	if strings.TrimSpace(userText) == "" {
		return Result{}, ErrEmptyInput
	}

	e.mu.Lock()
	conv, ok := e.contexts[sessionID]
	if !ok {
		e.mu.Unlock()
		return Result{}, ErrSessionNotFound
	}
	conv.messages = append(conv.messages, types.Message{Role: types.RoleUser, Content: userText})
	e.evictLocked(conv)
	req := llmprovider.CompletionRequest{
		Messages:     append([]types.Message(nil), conv.messages...),
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
		SystemPrompt: e.cfg.SystemPrompt,
	}
	e.mu.Unlock()

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	resp, err := resilience.ExecuteWithResult(e.group,
		func(p llmprovider.Provider) (*llmprovider.CompletionResponse, error) {
			return p.Complete(reqCtx, req)
		})
	e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		e.metrics.RecordProviderError(ctx, "llm", resilience.Classify(err).String())
		return e.degrade(sessionID, conv, err), nil
	}

	e.mu.Lock()
	conv.failures = 0
	conv.messages = append(conv.messages, types.Message{Role: types.RoleAssistant, Content: resp.Content})
	e.evictLocked(conv)
	e.mu.Unlock()

	return Result{Text: resp.Content, Usage: resp.Usage}, nil
}

// degrade picks the canned tier from the failure's classification: transient
// errors start at tier one and climb to tier two once the streak shows the
// retry budget spent, non-retryable rejections go straight to tier two, and
// network trouble or a blown request deadline is tier three.
func (e *Engine) degrade(sessionID string, conv *conversation, cause error) Result {
	e.mu.Lock()
	conv.failures++
	failures := conv.failures
	e.mu.Unlock()

	class := resilience.Classify(cause)
	var tier int
	switch {
	case class == resilience.ClassNetwork || errors.Is(cause, context.DeadlineExceeded):
		tier = 3
	case class == resilience.ClassAuth || class == resilience.ClassFatal:
		tier = 2
	case failures > 1:
		tier = 2
	default:
		tier = 1
	}

	slog.Error("llm generation failed, using canned reply",
		"session_id", sessionID,
		"class", class.String(),
		"failures", failures,
		"tier", tier,
		"error", cause,
	)
	return Result{Text: cannedReplies[tier-1], Canned: true, Tier: tier}
}

// evictLocked trims the history to the configured cap, oldest first. Caller
// holds e.mu.
func (e *Engine) evictLocked(conv *conversation) {
	if n := len(conv.messages) - e.cfg.MaxMessages; n > 0 {
		conv.messages = append(conv.messages[:0:0], conv.messages[n:]...)
	}
}

// History returns a copy of the session's conversation so far.
func (e *Engine) History(sessionID string) ([]types.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.contexts[sessionID]
	if !ok {
		return nil, false
	}
	return append([]types.Message(nil), conv.messages...), true
}

// End discards the session's conversation. Ending an unknown session is a
// no-op.
func (e *Engine) End(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, sessionID)
}

// Len returns the number of live conversations. Used by readiness checks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// Check probes the primary provider with a minimal request. Intended for the
// readiness endpoint; not called on the voice path.
func (e *Engine) Check(ctx context.Context) error {
	req := llmprovider.CompletionRequest{
		Messages:  []types.Message{{Role: types.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	_, err := resilience.ExecuteWithResult(e.group,
		func(p llmprovider.Provider) (*llmprovider.CompletionResponse, error) {
			return p.Complete(ctx, req)
		})
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	return nil
}
