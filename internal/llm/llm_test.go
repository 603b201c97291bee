package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleChat() *chat.Chat {
	c := &chat.Chat{
		ID:       "chat-1",
		UserName: "Joe",
		BotName:  "Jane",
		Preamble: chat.Preamble{
			Description: "some-description",
			Personality: "some-personality",
			Scenario:    "some-scenario",
		},
	}
	c.Append(&chat.Turn{Speaker: "Joe", Text: "Hello"})
	c.Append(&chat.Turn{Speaker: "Jane", Text: "World"})
	c.Append(&chat.Turn{Speaker: "Joe", Text: "Question"})
	return c
}

func TestBuildReplyPromptMinimal(t *testing.T) {
	got := PromptBuilder{}.BuildReplyPrompt(sampleChat())
	want := strings.Join([]string{
		"Description of Jane: some-description",
		"Personality of Jane: some-personality",
		"Circumstances and context of the dialogue: some-scenario",
		"Joe: Hello",
		"Jane: World",
		"Joe: Question",
		"Jane:",
	}, "\n")
	if got != want {
		t.Fatalf("unexpected prompt:\n%s\nwant:\n%s", got, want)
	}
}

func TestBuildReplyPromptFull(t *testing.T) {
	c := sampleChat()
	c.Preamble.SystemPrompt = "some-system-prompt"
	c.Postamble = "some-post-history-instructions"
	c.Context = "some-context"
	c.Actions = []string{"action1", "action2"}

	got := PromptBuilder{}.BuildReplyPrompt(c)
	want := strings.Join([]string{
		"some-system-prompt",
		"Description of Jane: some-description",
		"Personality of Jane: some-personality",
		"Circumstances and context of the dialogue: some-scenario",
		"some-context",
		"Potential actions you will be able to do after you respond: action1, action2",
		"Joe: Hello",
		"Jane: World",
		"Joe: Question",
		"(some-post-history-instructions)",
		"Jane:",
	}, "\n")
	if got != want {
		t.Fatalf("unexpected prompt:\n%s\nwant:\n%s", got, want)
	}
}

func TestBuildReplyPromptTrimsOldestHistory(t *testing.T) {
	c := sampleChat()
	c.Preamble = chat.Preamble{}
	// Budget covers the open bot line and the two newest turns only.
	got := PromptBuilder{MaxContextTokens: 9}.BuildReplyPrompt(c)
	if strings.Contains(got, "Joe: Hello") {
		t.Fatalf("expected oldest turn to be trimmed:\n%s", got)
	}
	if !strings.Contains(got, "Jane: World\nJoe: Question\nJane:") {
		t.Fatalf("expected newest turns kept in order:\n%s", got)
	}
}

func TestBuildActionInferencePrompt(t *testing.T) {
	c := sampleChat()
	c.Context = "some-context"
	c.Actions = []string{"action1", "action2"}

	got := PromptBuilder{}.BuildActionInferencePrompt(c)
	want := strings.Join([]string{
		"You are tasked with inferring the best action from a list based on the content of a sample chat.",
		"",
		"Actions: [action1], [action2]",
		"Conversation Context:",
		"Jane's Personality: some-personality",
		"Scenario: some-scenario",
		"Context: some-context",
		"",
		"Conversation:",
		"Joe: Hello",
		"Jane: World",
		"Joe: Question",
		"",
		"Based on the last message, which of the following actions is the most applicable for Jane: [action1], [action2]",
		"",
		"Only write the action.",
		"",
		"Action: [",
	}, "\n")
	if got != want {
		t.Fatalf("unexpected prompt:\n%s\nwant:\n%s", got, want)
	}
}

func TestNormalizeAction(t *testing.T) {
	cases := map[string]string{
		"happy]":      "happy",
		" [Sad] ":     "sad",
		"Idle":        "idle",
		"think] more": "think",
	}
	for in, want := range cases {
		if got := NormalizeAction(in); got != want {
			t.Fatalf("NormalizeAction(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenCount(t *testing.T) {
	if TokenCount("") != 0 {
		t.Fatal("expected zero tokens for empty text")
	}
	if got := TokenCount("abcdefgh"); got != 2 {
		t.Fatalf("expected 2 tokens, got %d", got)
	}
	if got := TokenCount("abcde"); got != 2 {
		t.Fatalf("expected 2 tokens, got %d", got)
	}
}

type recordingGenerator struct {
	requests []Request
	deltas   []Delta
	err      error
}

func (g *recordingGenerator) Complete(ctx context.Context, req Request, emit func(Delta) error) error {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return g.err
	}
	for _, d := range g.deltas {
		if err := emit(d); err != nil {
			return err
		}
	}
	return nil
}

func TestServiceGenerateReplySanitizes(t *testing.T) {
	gen := &recordingGenerator{deltas: []Delta{
		{Text: " *waves* Hello"},
		{Text: " Joe. How are", Done: true, Usage: Usage{CompletionTokens: 7}},
	}}
	svc := NewService(config.LLMConfig{MaxTokens: 50, MaxContextTokens: 4096, Temperature: 0.5}, gen, newLogger())

	reply, err := svc.GenerateReply(context.Background(), sampleChat())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Text != "Hello Joe." {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
	if reply.Tokens != 7 {
		t.Fatalf("expected backend token count, got %d", reply.Tokens)
	}
	req := gen.requests[0]
	if req.Task != TaskReply || req.ChatID != "chat-1" || req.MaxTokens != 50 || !strings.HasSuffix(req.Prompt, "Jane:") {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.Stop) != 2 || req.Stop[0] != "\nJoe:" {
		t.Fatalf("unexpected stop sequences %v", req.Stop)
	}
}

func TestServiceGenerateReplyPropagatesError(t *testing.T) {
	gen := &recordingGenerator{err: context.Canceled}
	svc := NewService(config.LLMConfig{}, gen, newLogger())
	if _, err := svc.GenerateReply(context.Background(), sampleChat()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestServiceSelectAction(t *testing.T) {
	gen := &recordingGenerator{deltas: []Delta{{Text: "Happy", Done: true}}}
	svc := NewService(config.LLMConfig{Model: "base", ActionModel: "small"}, gen, newLogger())
	c := sampleChat()
	c.Actions = []string{"happy", "sad"}

	action, err := svc.SelectAction(context.Background(), c)
	if err != nil {
		t.Fatalf("select action: %v", err)
	}
	if action != "happy" {
		t.Fatalf("unexpected action %q", action)
	}
	req := gen.requests[0]
	if req.Task != TaskAction || req.Model != "small" || len(req.Stop) != 1 || req.Stop[0] != "]" {
		t.Fatalf("unexpected action request %+v", req)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var received ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"response":"Hel","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"lo.","done":true,"eval_count":3,"prompt_eval_count":10}`+"\n")
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "")
	var content strings.Builder
	var last Delta
	err := gen.Complete(context.Background(), Request{Prompt: "Joe: hi\nJane:", Stop: []string{"\nJoe:"}}, func(d Delta) error {
		content.WriteString(d.Text)
		last = d
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if content.String() != "Hello." {
		t.Fatalf("unexpected content %q", content.String())
	}
	if !last.Done || last.Usage.CompletionTokens != 3 || last.Usage.PromptTokens != 10 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
	if received.Model != defaultOllamaModel || !received.Raw || len(received.Options.Stop) != 1 {
		t.Fatalf("unexpected ollama request %+v", received)
	}
}

func TestOllamaGeneratorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "m")
	if err := gen.Complete(context.Background(), Request{Prompt: "x"}, func(Delta) error { return nil }); err == nil {
		t.Fatal("expected error for 500 status")
	}
}

func TestMockGenerator(t *testing.T) {
	gen := NewMockGenerator()
	var got string
	err := gen.Complete(context.Background(), Request{Task: TaskReply, Prompt: "Joe: Hello there!\nJane:"}, func(d Delta) error {
		got = d.Text
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "I heard you say Hello there." {
		t.Fatalf("unexpected mock content %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gen.Complete(context.Background(), Request{Task: TaskAction, Prompt: "x"}, func(d Delta) error {
		got = d.Text
		return nil
	}); err != nil || got != "idle" {
		t.Fatalf("unexpected mock action %q (%v)", got, err)
	}
	if err := gen.Complete(ctx, Request{}, func(Delta) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
