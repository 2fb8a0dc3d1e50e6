// Package openai implements continuation.CompletionClient against OpenAI-compatible
// chat completion APIs (Groq, OpenAI, local gateways).
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/telechat/pkg/completion"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
)

const (
	DefaultBaseURL    = "https://api.groq.com/openai/v1"
	DefaultTimeout    = 120 * time.Second
	DefaultRetries    = 2
	defaultRetryDelay = 2 * time.Second
)

type Settings struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// Retries is the number of extra attempts on HTTP 429 and 5xx responses.
	Retries    int
	RetryDelay time.Duration
	Router     completion.ModelRouter
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	api        *goopenai.Client
	router     completion.ModelRouter
	retries    int
	retryDelay time.Duration
}

var _ continuation.CompletionClient = &Client{}

func NewClient(s Settings) (*Client, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("openai client: empty api key")
	}
	cfg := goopenai.DefaultConfig(s.APIKey)
	cfg.BaseURL = DefaultBaseURL
	if strings.TrimSpace(s.BaseURL) != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	httpClient := s.HTTPClient
	if httpClient == nil {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	cfg.HTTPClient = httpClient

	retries := s.Retries
	if retries < 0 {
		retries = 0
	}
	delay := s.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Client{
		api:        goopenai.NewClientWithConfig(cfg),
		router:     s.Router,
		retries:    retries,
		retryDelay: delay,
	}, nil
}

func toMessages(turns []conversation.Turn) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := goopenai.ChatMessageRoleUser
		switch t.Role {
		case conversation.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case conversation.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case conversation.RoleUser:
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out
}

func (c *Client) Complete(ctx context.Context, turns []conversation.Turn, opts continuation.CompletionOptions) (continuation.Completion, error) {
	model := c.router.Select(turns)
	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    toMessages(turns),
		MaxTokens:   opts.MaxOutputTokens,
		Temperature: float32(opts.Temperature),
	}

	var (
		resp goopenai.ChatCompletionResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err = c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			log.Debug().
				Str("model", model).
				Int("messages", len(req.Messages)).
				Dur("elapsed", time.Since(start)).
				Msg("completion received")
			break
		}
		if attempt >= c.retries || !isRetryable(err) {
			return continuation.Completion{}, errors.Wrapf(err, "openai client: create chat completion (model %s)", model)
		}
		wait := c.retryDelay * time.Duration(attempt+1)
		log.Warn().Err(err).Str("model", model).Int("attempt", attempt+1).Dur("backoff", wait).Msg("completion failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return continuation.Completion{}, errors.Wrap(ctx.Err(), "openai client: retry wait")
		case <-timer.C:
		}
	}

	if len(resp.Choices) == 0 {
		return continuation.Completion{}, errors.Errorf("openai client: empty choices from model %s", model)
	}
	choice := resp.Choices[0]
	out := continuation.Completion{
		Text:         choice.Message.Content,
		Truncated:    choice.FinishReason == goopenai.FinishReasonLength,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: continuation.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

func isRetryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
