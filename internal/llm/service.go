package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/textproc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reply is a generated bot turn before it is committed.
type Reply struct {
	Text   string
	Tokens int
}

// Service turns chats into replies and action labels on top of a Generator.
type Service struct {
	cfg       config.LLMConfig
	generator Generator
	builder   PromptBuilder
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model), nil
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.APIKey, cfg.GeminiProject, cfg.GeminiLocation, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func NewService(cfg config.LLMConfig, generator Generator, logger *slog.Logger) *Service {
	reserve := cfg.MaxTokens
	budget := cfg.MaxContextTokens - reserve
	if cfg.MaxContextTokens <= 0 || budget < 0 {
		budget = 0
	}
	return &Service{
		cfg:       cfg,
		generator: generator,
		builder:   PromptBuilder{MaxContextTokens: budget},
		tracer:    otel.Tracer("github.com/loqalabs/loqa-companion/llm"),
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

// GenerateReply produces the next bot line for c. The returned text is
// sanitized and may be empty when the backend produced nothing usable.
func (s *Service) GenerateReply(ctx context.Context, c *chat.Chat) (Reply, error) {
	ctx, span := s.tracer.Start(ctx, "llm.generate_reply", trace.WithAttributes(attribute.String("chat.id", c.ID)))
	defer span.End()

	req := Request{
		Task:        TaskReply,
		ChatID:      c.ID,
		Prompt:      s.builder.BuildReplyPrompt(c),
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Stop:        []string{"\n" + c.UserName + ":", "\n" + c.BotName + ":"},
	}
	text, completionTokens, err := s.complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Reply{}, err
	}
	text = textproc.Sanitize(text)
	tokens := TokenCount(text)
	if completionTokens > 0 {
		tokens = completionTokens
	}
	span.SetAttributes(attribute.Int("llm.completion_tokens", tokens))
	return Reply{Text: text, Tokens: tokens}, nil
}

// TokenCount estimates the token cost of text.
func (s *Service) TokenCount(text string) int {
	return TokenCount(text)
}

// SelectAction asks the backend which action fits the latest message.
func (s *Service) SelectAction(ctx context.Context, c *chat.Chat) (string, error) {
	ctx, span := s.tracer.Start(ctx, "llm.select_action", trace.WithAttributes(attribute.String("chat.id", c.ID)))
	defer span.End()

	model := s.cfg.ActionModel
	if model == "" {
		model = s.cfg.Model
	}
	text, _, err := s.complete(ctx, Request{
		Task:        TaskAction,
		ChatID:      c.ID,
		Prompt:      s.builder.BuildActionInferencePrompt(c),
		Model:       model,
		MaxTokens:   16,
		Temperature: 0.1,
		Stop:        []string{"]"},
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return NormalizeAction(text), nil
}

func (s *Service) complete(ctx context.Context, req Request) (string, int, error) {
	if s.cfg.RequestTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutSec)*time.Second)
		defer cancel()
	}
	start := time.Now()
	var sb strings.Builder
	var usage Usage
	err := s.generator.Complete(ctx, req, func(d Delta) error {
		sb.WriteString(d.Text)
		if d.Done {
			usage = d.Usage
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	s.logger.Debug("llm completion",
		slog.String("task", string(req.Task)),
		slog.Duration("latency", time.Since(start)),
		slog.Int("chars", sb.Len()),
		slog.Int("prompt_tokens", usage.PromptTokens),
	)
	return sb.String(), usage.CompletionTokens, nil
}

// NormalizeAction strips brackets and whitespace and lower-cases a label.
func NormalizeAction(raw string) string {
	value := strings.TrimSpace(raw)
	if idx := strings.Index(value, "]"); idx >= 0 {
		value = value[:idx]
	}
	value = strings.Trim(value, "[]() \t\r\n\"'.")
	return strings.ToLower(value)
}
