// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to script completion results and errors and to inspect the
// requests the consumer built.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResult: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, _ := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/voxgate-io/voxgate/pkg/provider/llm"
)

// CompleteResult is one scripted outcome for a Complete call.
type CompleteResult struct {
	// Resp is returned when Err is nil.
	Resp *llm.CompletionResponse
	// Err, if non-nil, is returned instead of Resp.
	Err error
}

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the request passed to Complete.
	Req llm.CompletionRequest
}

// StreamCall records a single invocation of Provider.StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the request passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompleteResults is a queue of outcomes consumed one per Complete call.
	// Once exhausted, CompleteResult and CompleteErr apply.
	CompleteResults []CompleteResult

	// CompleteResult is returned by Complete calls not covered by
	// CompleteResults, unless CompleteErr is set.
	CompleteResult *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by every Complete call not covered
	// by CompleteResults.
	CompleteErr error

	// StreamChunks is the sequence of chunks emitted on the channel returned
	// by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// --- Call records ---

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall

	// StreamCalls records every call to StreamCompletion in order.
	StreamCalls []StreamCall
}

// Complete records the call and returns the scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if len(p.CompleteResults) > 0 {
		res := p.CompleteResults[0]
		p.CompleteResults = p.CompleteResults[1:]
		return res.Resp, res.Err
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResult != nil {
		return p.CompleteResult, nil
	}
	return &llm.CompletionResponse{}, nil
}

// StreamCompletion records the call and, if StreamErr is nil, returns a
// channel that emits StreamChunks then closes.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CompleteCallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
