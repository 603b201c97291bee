// Package chat holds the conversation data owned by a single companion session.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Turn is one committed utterance in conversation order.
type Turn struct {
	ID        string
	Speaker   string
	Timestamp time.Time
	Text      string
	Tokens    int
}

// NewTurn stamps a turn with a fresh id and the current time.
func NewTurn(speaker, text string, tokens int) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Timestamp: time.Now().UTC(),
		Text:      text,
		Tokens:    tokens,
	}
}

// Chat is the per-session conversation context. It is mutated only by the
// session worker; backends receive it read-only.
type Chat struct {
	ID             string
	UserName       string
	BotName        string
	Preamble       Preamble
	Postamble      string
	Context        string
	Actions        []string
	Voice          string
	Greeting       string
	ThinkingSpeech []string
	Turns          []*Turn
}

// Preamble is the character framing placed ahead of the history.
type Preamble struct {
	SystemPrompt string
	Description  string
	Personality  string
	Scenario     string
}

// Append adds a turn at the end of the history.
func (c *Chat) Append(t *Turn) {
	c.Turns = append(c.Turns, t)
}

// LastTurn returns the most recent turn, or nil for an empty history.
func (c *Chat) LastTurn() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return c.Turns[len(c.Turns)-1]
}

// HasActions reports whether action inference applies to this chat.
func (c *Chat) HasActions() bool {
	return len(c.Actions) > 0
}

// HasAction reports whether value is part of the fixed action vocabulary.
func (c *Chat) HasAction(value string) bool {
	for _, a := range c.Actions {
		if a == value {
			return true
		}
	}
	return false
}

// WithTurns returns a shallow copy of c whose history ends with extra. The
// receiver's history is not modified.
func (c *Chat) WithTurns(extra ...*Turn) *Chat {
	view := *c
	view.Turns = make([]*Turn, 0, len(c.Turns)+len(extra))
	view.Turns = append(view.Turns, c.Turns...)
	view.Turns = append(view.Turns, extra...)
	return &view
}
