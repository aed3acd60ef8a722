// ABOUTME: OpenAI-backed Generator producing advisor replies via chat completions
// ABOUTME: Builds persona system prompts plus thread history into one request

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = "gpt-4"
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// OpenAIOptions configures the OpenAI generator.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string // optional override for compatible providers
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIGenerator calls the OpenAI chat completions API. The disclaimer of
// the persona is appended to every reply so it survives any model behavior.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAIGenerator creates a generator. Pass nil logger for default.
func NewOpenAIGenerator(opts OpenAIOptions, logger *slog.Logger) (*OpenAIGenerator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      logger.With("component", "openai-generator"),
	}, nil
}

// Generate produces one reply for the prepared context window.
func (g *OpenAIGenerator) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    buildMessages(req),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	if req.Persona.Disclaimer != "" {
		content = content + "\n\n" + req.Persona.Disclaimer
	}

	g.logger.Debug("completion generated",
		"agent_type", req.AgentType,
		"model", g.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return &Response{
		Content: content,
		Metadata: map[string]string{
			"model":             g.model,
			"prompt_tokens":     strconv.Itoa(resp.Usage.PromptTokens),
			"completion_tokens": strconv.Itoa(resp.Usage.CompletionTokens),
		},
	}, nil
}

// buildMessages lays the persona system prompt ahead of the thread history.
// Turns authored by the same agent type become assistant turns; everything
// else, including other agents' replies, is presented as user content with
// the author named.
func buildMessages(req *Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.Persona.SystemPrompt(),
	})

	for _, turn := range req.History {
		if turn.AuthorAgentType == req.AgentType {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			})
			continue
		}
		content := turn.Content
		if turn.AuthorName != "" {
			content = turn.AuthorName + ": " + content
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: content,
		})
	}
	return messages
}
