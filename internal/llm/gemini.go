package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type geminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator uses the Gemini API when apiKey is set and Vertex AI
// (project + location) otherwise.
func NewGeminiGenerator(ctx context.Context, apiKey, project, location, model string) (Generator, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if apiKey == "" {
		cc = &genai.ClientConfig{Project: project, Location: location, Backend: genai.BackendVertexAI}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiGenerator{client: client, model: model}, nil
}

func (g *geminiGenerator) Complete(ctx context.Context, req Request, emit func(Delta) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	temp := float32(req.Temperature)
	res, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(req.MaxTokens),
		StopSequences:   req.Stop,
	})
	if err != nil {
		return fmt.Errorf("gemini %s completion: %w", req.Task, err)
	}
	delta := Delta{Text: res.Text(), Done: true}
	if md := res.UsageMetadata; md != nil {
		delta.Usage = Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
		}
	}
	return emit(delta)
}
