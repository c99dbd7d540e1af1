// Package analysis provides AI-assisted message analysis using the OpenAI API.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/convomux/convomux/internal/models"
)

// chatCompleter defines the minimal interface for chat completions.
// Satisfied by openai's Chat.Completions service.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the analysis client.
type Opts struct {
	APIKey    string
	Model     openai.ChatModel
	Completer chatCompleter
}

// Option defines a functional option for client configuration.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the OPENAI_API_KEY
// environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for analysis.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// WithCompleter overrides the completion backend. Used in tests.
func WithCompleter(c chatCompleter) Option {
	return func(o *Opts) { o.Completer = c }
}

// Client performs message analysis through the OpenAI chat API.
type Client struct {
	chat  chatCompleter
	model openai.ChatModel
}

// NewClient initializes an analysis client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	if cfg.Completer != nil {
		return &Client{chat: cfg.Completer, model: model}, nil
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{chat: &cli.Chat.Completions, model: model}, nil
}

// SentimentResult is the outcome of sentiment analysis.
type SentimentResult struct {
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
}

// CategoryResult is the outcome of message categorization.
type CategoryResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// SuggestReplyResult holds generated reply suggestions.
type SuggestReplyResult struct {
	Suggestions []string `json:"suggestions"`
}

const (
	sentimentSystemPrompt = `You classify the sentiment of a customer message.
Respond with strict JSON only: {"sentiment":"positive"|"neutral"|"negative","confidence":0.0-1.0}`

	categorizeSystemPrompt = `You categorize a customer message into exactly one of:
sales, support, billing, feedback, spam, other.
Respond with strict JSON only: {"category":"...","confidence":0.0-1.0}`

	suggestReplySystemPrompt = `You draft three short candidate replies to the latest customer message.
Use the conversation context when provided. Respond with strict JSON only:
{"suggestions":["...","...","..."]}`
)

// Sentiment classifies the emotional tone of a message.
func (c *Client) Sentiment(ctx context.Context, content string) (*SentimentResult, error) {
	raw, err := c.complete(ctx, sentimentSystemPrompt, content)
	if err != nil {
		return nil, err
	}
	var res SentimentResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, models.Permanentf("malformed sentiment response: %w", err)
	}
	return &res, nil
}

// Categorize assigns a message to a topic category.
func (c *Client) Categorize(ctx context.Context, content string) (*CategoryResult, error) {
	raw, err := c.complete(ctx, categorizeSystemPrompt, content)
	if err != nil {
		return nil, err
	}
	var res CategoryResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, models.Permanentf("malformed category response: %w", err)
	}
	return &res, nil
}

// SuggestReply drafts candidate replies for a message, optionally informed by
// prior conversation context.
func (c *Client) SuggestReply(ctx context.Context, content, conversationContext string) (*SuggestReplyResult, error) {
	userPrompt := content
	if conversationContext != "" {
		userPrompt = "Conversation so far:\n" + conversationContext + "\n\nLatest message:\n" + content
	}
	raw, err := c.complete(ctx, suggestReplySystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	var res SuggestReplyResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, models.Permanentf("malformed suggestion response: %w", err)
	}
	return &res, nil
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", models.Transientf("no choices returned")
	}
	return stripCodeFence(resp.Choices[0].Message.Content), nil
}

// classifyOpenAIError maps API failures onto the retry taxonomy. Rate limits
// and server errors are retryable, other API rejections are permanent.
func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500 {
			return models.Transient(err)
		}
		return models.Permanent(err)
	}
	// Network level failure
	return models.Transient(err)
}

// stripCodeFence removes a Markdown code fence the model sometimes wraps
// around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
