// Package openai invokes OpenAI-compatible chat completion endpoints and maps
// their failures onto retry.ProviderError.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/alecgard/warden/internal/provider"
	"github.com/alecgard/warden/internal/retry"
)

// Invoker calls chat completions through go-openai.
type Invoker struct {
	client *goopenai.Client
}

var _ provider.Invoker = (*Invoker)(nil)

// New creates an invoker for the given endpoint. An empty baseURL uses the
// library default.
func New(apiKey, baseURL string, timeout time.Duration) *Invoker {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Invoker{client: goopenai.NewClientWithConfig(cfg)}
}

func (i *Invoker) Invoke(ctx context.Context, model string, req provider.Request) (*provider.Response, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	creq := goopenai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}

	resp, err := i.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &retry.ProviderError{Kind: retry.KindServer, Class: "EmptyResponse", Message: "no choices in completion response"}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter && choice.Message.Content == "" {
		return nil, &retry.ProviderError{Kind: retry.KindContentFilter, Class: "ContentFilter", Message: "completion blocked by content filter"}
	}

	return &provider.Response{
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// classify wraps a go-openai error in a ProviderError.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &retry.ProviderError{
			Kind:       retry.KindForStatus(apiErr.HTTPStatusCode),
			Class:      apiErr.Type,
			Message:    apiErr.Message,
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		kind := retry.KindForStatus(reqErr.HTTPStatusCode)
		if reqErr.HTTPStatusCode == 0 {
			kind = retry.Classify(reqErr.Err)
		}
		return &retry.ProviderError{
			Kind:       kind,
			Message:    fmt.Sprintf("request failed: %v", reqErr.Err),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}

	return &retry.ProviderError{Kind: retry.Classify(err), Message: err.Error(), Err: err}
}
