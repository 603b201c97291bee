package llm

import (
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-companion/internal/chat"
)

// TokenCount estimates tokens at four characters each. Backends report real
// usage for completions; this is only used for history budgeting.
func TokenCount(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// PromptBuilder renders a chat into completion prompts.
type PromptBuilder struct {
	// MaxContextTokens bounds the rendered history; zero disables trimming.
	MaxContextTokens int
}

// BuildReplyPrompt renders the character framing, history and the open bot line.
// The oldest turns are dropped first when the history exceeds the budget.
func (b PromptBuilder) BuildReplyPrompt(c *chat.Chat) string {
	var head strings.Builder
	writeLine(&head, "", c.Preamble.SystemPrompt)
	writeLine(&head, "Description of "+c.BotName+": ", c.Preamble.Description)
	writeLine(&head, "Personality of "+c.BotName+": ", c.Preamble.Personality)
	writeLine(&head, "Circumstances and context of the dialogue: ", c.Preamble.Scenario)
	writeLine(&head, "", c.Context)
	if c.HasActions() {
		writeLine(&head, "Potential actions you will be able to do after you respond: ", strings.Join(c.Actions, ", "))
	}

	var tail strings.Builder
	if c.Postamble != "" {
		writeLine(&tail, "", "("+c.Postamble+")")
	}
	tail.WriteString(c.BotName + ":")

	history := b.fitHistory(c.Turns, TokenCount(head.String())+TokenCount(tail.String()))

	var sb strings.Builder
	sb.WriteString(head.String())
	for _, line := range history {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString(tail.String())
	return sb.String()
}

// BuildActionInferencePrompt asks the model to pick one action for the last message.
// The completion is expected to end with "]".
func (b PromptBuilder) BuildActionInferencePrompt(c *chat.Chat) string {
	bracketed := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		bracketed = append(bracketed, "["+a+"]")
	}
	actions := strings.Join(bracketed, ", ")

	var sb strings.Builder
	sb.WriteString("You are tasked with inferring the best action from a list based on the content of a sample chat.\n\n")
	sb.WriteString("Actions: " + actions + "\n")
	sb.WriteString("Conversation Context:\n")
	writeLine(&sb, c.BotName+"'s Personality: ", c.Preamble.Personality)
	writeLine(&sb, "Scenario: ", c.Preamble.Scenario)
	writeLine(&sb, "Context: ", c.Context)
	sb.WriteString("\nConversation:\n")
	for _, line := range b.fitHistory(c.Turns, TokenCount(sb.String())) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nBased on the last message, which of the following actions is the most applicable for " + c.BotName + ": " + actions + "\n\n")
	sb.WriteString("Only write the action.\n\n")
	sb.WriteString("Action: [")
	return sb.String()
}

func (b PromptBuilder) fitHistory(turns []*chat.Turn, used int) []string {
	lines := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		line := turns[i].Speaker + ": " + turns[i].Text
		cost := turns[i].Tokens
		if cost <= 0 {
			cost = TokenCount(line)
		}
		if b.MaxContextTokens > 0 && used+cost > b.MaxContextTokens {
			break
		}
		used += cost
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

func writeLine(sb *strings.Builder, prefix, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	sb.WriteString(prefix)
	sb.WriteString(value)
	sb.WriteByte('\n')
}
