package openai

import (
	"testing"

	"github.com/voxgate-io/voxgate/pkg/provider/llm"
	"github.com/voxgate-io/voxgate/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("empty apiKey should fail")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("empty model should fail")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi"},
		},
		Temperature: 0.5,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2 (system + user)", len(params.Messages))
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.5 {
		t.Errorf("temperature = %+v, want 0.5", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("maxCompletionTokens = %+v, want 128", params.MaxCompletionTokens)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Error("unknown role should fail")
	}
}
