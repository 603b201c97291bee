package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCharacter = `metadata:
  name: Jane
  version: 1.0.0
  description: test persona
profile:
  description: A patient tutor.
  personality: calm
  greeting: Hi {{user}}.
actions: [happy, sad]
`

func writeCharacter(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "character.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write character: %v", err)
	}
	return path
}

func TestRunValidate(t *testing.T) {
	if err := runValidate(writeCharacter(t, sampleCharacter)); err != nil {
		t.Fatalf("expected valid character, got %v", err)
	}
	if err := runValidate(writeCharacter(t, "metadata:\n  name: Jane\n")); err == nil {
		t.Fatal("expected incomplete character to fail validation")
	}
}

func TestRunPrompt(t *testing.T) {
	out, err := runPrompt(writeCharacter(t, sampleCharacter), "Joe", "How are you?", 0, false)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	for _, want := range []string{"Description of Jane: A patient tutor.", "Jane: Hi Joe.", "Joe: How are you?"} {
		if !strings.Contains(out, want) {
			t.Fatalf("prompt missing %q:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "Jane:\n") {
		t.Fatalf("prompt should end with the bot cue:\n%s", out)
	}

	action, err := runPrompt(writeCharacter(t, sampleCharacter), "Joe", "How are you?", 0, true)
	if err != nil {
		t.Fatalf("action prompt: %v", err)
	}
	if !strings.Contains(action, "Action: [") {
		t.Fatalf("unexpected action prompt:\n%s", action)
	}
}
