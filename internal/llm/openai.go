package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

type openAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator sends prompts to the chat completions API. An empty
// baseURL keeps the public OpenAI endpoint; any compatible server works.
func NewOpenAIGenerator(apiKey, baseURL, model string) Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIGenerator{client: openai.NewClientWithConfig(cfg), model: model}
}

func (g *openAIGenerator) Complete(ctx context.Context, req Request, emit func(Delta) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.Stop,
		User:        req.ChatID,
	})
	if err != nil {
		return fmt.Errorf("openai %s completion: %w", req.Task, err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("openai returned no choices")
	}
	return emit(Delta{
		Text: resp.Choices[0].Message.Content,
		Done: true,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	})
}
