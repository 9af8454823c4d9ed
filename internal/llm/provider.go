package llm

import (
	"context"
	"fmt"

	"github.com/opsloop/opsloop/config"
)

// ToolSpec is one tool offered to the model, already encoded into the flat
// provider namespace.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a native function call selected by the model.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// Completion is the raw outcome of one model call. Exactly one of Text or
// ToolCalls is meaningful; translating either into a planner action is the
// translator's job, not the provider's.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Request is a single model call: a system prompt, a user prompt, and for
// tool-capable providers the encoded tool specs.
type Request struct {
	System      string
	Prompt      string
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Provider abstracts one configured model endpoint. Providers do no retrying
// and no response interpretation beyond transport decoding.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
	// Stream generates with token streaming, invoking onToken for each text
	// chunk as it arrives, and returns the assembled completion. Providers
	// without native tool support during streaming fall back to text mode.
	Stream(ctx context.Context, req Request, onToken func(string)) (Completion, error)
	// NativeTools reports whether the provider accepts ToolSpecs directly.
	// When false the caller embeds the catalog in the prompt instead.
	NativeTools() bool
}

// NewProvider builds a provider from one configured endpoint.
func NewProvider(cfg config.LLMProvider) (Provider, error) {
	switch cfg.Type {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires api_key")
		}
		return newOpenAIClient(cfg), nil
	case "ollama":
		return newOllamaClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", cfg.Type)
	}
}
