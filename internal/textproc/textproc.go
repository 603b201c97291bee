// Package textproc prepares text before it is stored or spoken.
package textproc

import (
	"regexp"
	"strings"
)

// Processor expands name placeholders in user-facing text.
type Processor struct {
	replacer *strings.Replacer
}

// NewProcessor returns a processor bound to the names of one chat.
func NewProcessor(botName, userName string) *Processor {
	return &Processor{replacer: strings.NewReplacer(
		"{{Bot}}", botName,
		"{{bot}}", botName,
		"{{char}}", botName,
		"{{Char}}", botName,
		"{{User}}", userName,
		"{{user}}", userName,
	)}
}

// Process expands placeholders and trims surrounding whitespace.
func (p *Processor) Process(text string) string {
	return strings.TrimSpace(p.replacer.Replace(text))
}

var (
	stageDirections = regexp.MustCompile(`\*[^*]+\*`)
	unsupported     = regexp.MustCompile(`[^a-zA-Z0-9 '"\-.!?,;\x{00c0}-\x{00d6}\x{00d8}-\x{00f6}\x{00f8}-\x{02af}\x{1d00}-\x{1d25}\x{1e00}-\x{1eff}\x{2c60}-\x{2c7f}\x{a722}-\x{a76f}\x{fb00}-\x{fb06}]`)
)

// Sanitize cleans a generated reply so it can be shown and spoken: list
// prefixes and *stage directions* are removed, unsupported characters are
// dropped and the text is cut after its last full stop.
func Sanitize(message string) string {
	result := strings.TrimSpace(message)
	result = strings.TrimPrefix(result, "1) ")
	result = strings.TrimPrefix(result, "- ")
	result = stageDirections.ReplaceAllString(result, "")
	result = unsupported.ReplaceAllString(result, "")
	result = strings.Trim(result, `"' `)
	if result == "" {
		return ""
	}
	lastDot := strings.LastIndex(result, ".")
	if lastDot == -1 {
		return result + "."
	}
	return result[:lastDot+1]
}
