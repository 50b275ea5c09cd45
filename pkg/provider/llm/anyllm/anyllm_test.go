package anyllm

import (
	"testing"

	"github.com/voxgate-io/voxgate/pkg/provider/llm"
	"github.com/voxgate-io/voxgate/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("empty providerName should fail")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("empty model should fail")
	}
	if _, err := New("not-a-provider", "model"); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestConvertMessage(t *testing.T) {
	m := types.Message{Role: types.RoleUser, Content: "Hello!"}
	got := convertMessage(m)
	if got.Role != "user" {
		t.Errorf("role = %q, want user", got.Role)
	}
	if got.ContentString() != "Hello!" {
		t.Errorf("content = %q", got.ContentString())
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a concise voice assistant.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})

	if params.Model != "llama3" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("maxTokens = %v, want 256", params.MaxTokens)
	}
}

func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(params.Messages))
	}
	if params.Temperature != nil {
		t.Error("zero temperature must be left unset")
	}
	if params.MaxTokens != nil {
		t.Error("zero maxTokens must be left unset")
	}
}
