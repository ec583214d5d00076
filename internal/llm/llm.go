package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pavelanni/quizgrader/internal/metrics"
)

// Chat message roles.
const (
	RoleSystem = openai.ChatMessageRoleSystem
	RoleUser   = openai.ChatMessageRoleUser
)

// ErrNoChoices is returned when the service answers without any choice.
var ErrNoChoices = errors.New("LLM returned no choices")

// Turn is one message of a chat conversation.
type Turn struct {
	Role    string
	Content string
}

// ChatRequest is a request to the generative text service.
type ChatRequest struct {
	Model       string // empty means the client's default model
	Messages    []Turn
	Temperature float32
	MaxTokens   int
	JSONMode    bool // ask for a JSON object reply
}

// Usage holds token counts reported by the service.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the generative service's reply.
type ChatResponse struct {
	Content string
	Model   string
	Usage   *Usage // nil when the service does not report usage
}

// Completer is anything that can answer a ChatRequest.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit limits outgoing calls to rps requests per second.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the endpoint is reachable by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Complete sends a chat completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return ChatResponse{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	modelName := req.Model
	if modelName == "" {
		modelName = c.model
	}

	chatMsgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	creq := openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    chatMsgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, creq)
	metrics.ObserveLLMCall(start)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, ErrNoChoices
	}

	out := ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	slog.Debug("LLM response", "model", out.Model, "raw", out.Content, "elapsed", time.Since(start))
	return out, nil
}
