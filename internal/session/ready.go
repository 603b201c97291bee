package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/tts"
)

// handleReady prepares the thinking lines, tells the client the chat is ready
// and greets a fresh conversation.
func (s *Session) handleReady(ctx context.Context) error {
	voice := s.chat.Voice
	urls := make([]string, 0, len(s.chat.ThinkingSpeech))
	for _, line := range s.chat.ThinkingSpeech {
		line = s.processor.Process(line)
		if line == "" {
			continue
		}
		url, err := s.speech.CreateSpeech(ctx, line, voice, reusableSpeechID(voice, line), true)
		if errors.Is(err, tts.ErrNoAudio) {
			continue
		}
		if err != nil {
			return fmt.Errorf("thinking speech: %w", err)
		}
		if url != "" {
			urls = append(urls, url)
		}
	}

	if err := s.tunnel.Send(ctx, protocol.Ready(urls)); err != nil {
		return err
	}
	s.logger.Info("chat ready", slog.Int("history", len(s.chat.Turns)), slog.Int("thinking_lines", len(urls)))
	s.withRecognizer(Recognizer.StartCapture)

	if len(s.chat.Turns) > 0 {
		return nil
	}
	greeting := s.processor.Process(s.chat.Greeting)
	if greeting == "" {
		return nil
	}
	turn := chat.NewTurn(s.chat.BotName, greeting, s.text.TokenCount(greeting))
	s.chat.Append(turn)
	s.persistTurn(turn)
	return s.deliver(ctx, greeting, reusableSpeechID(voice, greeting), true, false)
}
