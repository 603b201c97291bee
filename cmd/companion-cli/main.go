package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-companion/internal/character"
	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/llm"
	"github.com/loqalabs/loqa-companion/internal/textproc"
)

var version = "0.1.0-dev"

func main() {
	var (
		characterPath string
		promptPath    string
		promptText    string
		userName      string
		contextTokens int
		actionPrompt  bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&characterPath, "file", "character.yaml", "Path to character definition")

	promptCmd := flag.NewFlagSet("prompt", flag.ExitOnError)
	promptCmd.StringVar(&promptPath, "file", "", "Path to character definition (built-in persona when empty)")
	promptCmd.StringVar(&promptText, "text", "Hello", "User message to render")
	promptCmd.StringVar(&userName, "user", config.Default().Chat.UserName, "User name")
	promptCmd.IntVar(&contextTokens, "context-tokens", 0, "History token budget (0 keeps everything)")
	promptCmd.BoolVar(&actionPrompt, "action", false, "Render the action inference prompt instead")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'prompt' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(characterPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("character valid")
	case "prompt":
		promptCmd.Parse(os.Args[2:])
		out, err := runPrompt(promptPath, userName, promptText, contextTokens, actionPrompt)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Print(out)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	c, err := character.Load(path)
	if err != nil {
		return err
	}
	return character.Validate(c)
}

func runPrompt(path, userName, text string, contextTokens int, action bool) (string, error) {
	c := character.Default()
	if path != "" {
		loaded, err := character.Load(path)
		if err != nil {
			return "", err
		}
		if err := character.Validate(loaded); err != nil {
			return "", err
		}
		c = loaded
	}
	conversation := c.NewChat("cli", userName, config.Default().TTS.Voice)
	proc := textproc.NewProcessor(conversation.BotName, conversation.UserName)
	if greeting := proc.Process(conversation.Greeting); greeting != "" {
		conversation.Append(chat.NewTurn(conversation.BotName, greeting, llm.TokenCount(greeting)))
	}
	if text = proc.Process(text); text != "" {
		conversation.Append(chat.NewTurn(conversation.UserName, text, llm.TokenCount(text)))
	}

	builder := llm.PromptBuilder{MaxContextTokens: contextTokens}
	if action {
		if !conversation.HasActions() {
			return "", fmt.Errorf("character %s defines no actions", conversation.BotName)
		}
		return builder.BuildActionInferencePrompt(conversation) + "\n", nil
	}
	return strings.TrimRight(builder.BuildReplyPrompt(conversation), " ") + "\n", nil
}
