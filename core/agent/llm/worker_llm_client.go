package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable is returned when no API key is configured or the API call fails.
var ErrUnavailable = errors.New("llm unavailable")

// chatAPI is the subset of the OpenAI client used here.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	client      chatAPI
	model       string
	maxTokens   int
	temperature float32
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

const DefaultModel = "gpt-4o-mini"

// NewClient returns a client whose calls fail with ErrUnavailable when apiKey is empty.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(ClientConfig{APIKey: apiKey})
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	c := &Client{
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
	}
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		c.client = openai.NewClientWithConfig(oc)
	}
	return c
}

// Available reports whether an API key was configured.
func (c *Client) Available() bool {
	return c != nil && c.client != nil
}

func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, c.temperature, false)
}

// CompleteJSON requests a JSON object response at the given temperature.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, temperature float32) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, temperature, true)
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, temperature float32, jsonMode bool) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// stripCodeFence removes a markdown fence some models wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
