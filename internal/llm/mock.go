package llm

import (
	"context"
	"strings"
	"time"
)

const mockLatency = 20 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator returns a backend that echoes the latest user line and
// always picks the "idle" action.
func NewMockGenerator() Generator { return mockGenerator{} }

func (mockGenerator) Complete(ctx context.Context, req Request, emit func(Delta) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mockLatency):
	}
	if req.Task == TaskAction {
		return emit(Delta{Text: "idle", Done: true})
	}
	return emit(Delta{Text: "I heard you say " + lastUtterance(req.Prompt) + ".", Done: true})
}

// lastUtterance finds the newest "Name: text" line with a non-empty text.
func lastUtterance(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		_, text, ok := strings.Cut(strings.TrimSpace(lines[i]), ": ")
		if text = strings.TrimRight(text, ".!? "); ok && text != "" {
			return text
		}
	}
	return "something"
}
