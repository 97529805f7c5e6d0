// Package provider defines the contract for invoking an LLM model. The
// reliability layer treats requests and responses as opaque apart from token
// usage.
package provider

import "context"

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a model-agnostic completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
}

// Response is a completion result with its token usage.
type Response struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Invoker calls a model. Failures should be returned as *retry.ProviderError
// so they can be classified; other errors are classified from their type and
// message. A failed call that was still billed may return a Response carrying
// its usage together with the error.
type Invoker interface {
	Invoke(ctx context.Context, model string, req Request) (*Response, error)
}

// InvokerFunc adapts a function to an Invoker.
type InvokerFunc func(ctx context.Context, model string, req Request) (*Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, model string, req Request) (*Response, error) {
	return f(ctx, model, req)
}
