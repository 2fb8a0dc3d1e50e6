package continuation

import (
	"context"
	"fmt"

	"github.com/go-go-golems/telechat/pkg/conversation"
)

// CompletionOptions are forwarded unchanged to every call of one Run.
type CompletionOptions struct {
	MaxOutputTokens int
	Temperature     float64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Completion is the result of a single model call. Truncated is true when generation
// stopped on the output-length ceiling rather than finishing.
type Completion struct {
	Text         string
	Truncated    bool
	Model        string
	FinishReason string
	Usage        Usage
}

// CompletionClient is implemented by hosted LLM collaborators.
type CompletionClient interface {
	Complete(ctx context.Context, turns []conversation.Turn, opts CompletionOptions) (Completion, error)
}

// CompletionFunc adapts a function to CompletionClient.
type CompletionFunc func(ctx context.Context, turns []conversation.Turn, opts CompletionOptions) (Completion, error)

func (f CompletionFunc) Complete(ctx context.Context, turns []conversation.Turn, opts CompletionOptions) (Completion, error) {
	return f(ctx, turns, opts)
}

// CompletionError reports a failed completion call. Call is 1 for the initial request and
// 1+n for the n-th continuation.
type CompletionError struct {
	Call int
	Err  error
}

func (e *CompletionError) Error() string {
	if e == nil {
		return "completion failed"
	}
	return fmt.Sprintf("completion call %d failed: %v", e.Call, e.Err)
}

func (e *CompletionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
