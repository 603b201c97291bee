package llm

import "context"

// Task tells a backend which kind of completion a prompt asks for.
type Task string

const (
	TaskReply  Task = "reply"
	TaskAction Task = "action"
)

// Request is one fully rendered completion prompt.
type Request struct {
	Task        Task
	ChatID      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Usage reports backend token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Delta is a piece of completion text. The last delta of a completion has
// Done set and carries the final Usage.
type Delta struct {
	Text  string
	Done  bool
	Usage Usage
}

// Generator is a pluggable completion backend. Implementations call emit in
// order and stop at the first error it returns.
type Generator interface {
	Complete(ctx context.Context, req Request, emit func(Delta) error) error
}
