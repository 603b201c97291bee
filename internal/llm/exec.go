package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs an external program per completion. The program reads
// one JSON request on stdin and prints one JSON response on stdout.
type execGenerator struct {
	argv []string
	mu   sync.Mutex
}

type execCompletionRequest struct {
	Task        Task     `json:"task"`
	ChatID      string   `json:"chat_id,omitempty"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

type execCompletionResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
	Usage struct {
		Prompt     int `json:"prompt"`
		Completion int `json:"completion"`
	} `json:"usage"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Complete(ctx context.Context, req Request, emit func(Delta) error) error {
	input, err := json.Marshal(execCompletionRequest{
		Task:        req.Task,
		ChatID:      req.ChatID,
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	})
	if err != nil {
		return err
	}

	// Local model runners rarely tolerate parallel invocations.
	g.mu.Lock()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	g.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("llm command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execCompletionResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return fmt.Errorf("decode llm command output: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("llm command: %s", resp.Error)
	}
	return emit(Delta{
		Text: resp.Text,
		Done: true,
		Usage: Usage{
			PromptTokens:     resp.Usage.Prompt,
			CompletionTokens: resp.Usage.Completion,
		},
	})
}
