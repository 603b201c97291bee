package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/tts"
	"golang.org/x/sync/errgroup"
)

// deliver sends a committed bot line to the client as text, then speech, then
// action. Synthesis and action inference run concurrently with each other and
// with the text send; their results are forwarded in that fixed order.
func (s *Session) deliver(ctx context.Context, text, speechID string, reusable, withAction bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	voice := s.chat.Voice
	speech := make(chan string, 1)
	g.Go(func() error {
		defer close(speech)
		url, err := s.speech.CreateSpeech(gctx, text, voice, speechID, reusable)
		if errors.Is(err, tts.ErrNoAudio) {
			s.logger.Warn("no speech produced", slog.String("speech_id", speechID))
			err = nil
		}
		if err != nil {
			return err
		}
		speech <- url
		return nil
	})

	inferAction := withAction && s.actions != nil && s.chat.HasActions()
	action := make(chan string, 1)
	if inferAction {
		g.Go(func() error {
			defer close(action)
			label, err := s.actions.SelectAction(gctx, s.chat)
			if err != nil {
				return err
			}
			resolved, approximated := s.policy.Matcher.Match(label, s.chat.Actions)
			if approximated {
				s.metrics.actionApproximated(gctx)
				s.logger.Info("selected action by approximation", slog.String("action", resolved), slog.String("suggested", label))
			} else {
				s.logger.Info("selected action", slog.String("action", resolved))
			}
			action <- resolved
			return nil
		})
	}

	if err := s.tunnel.Send(ctx, protocol.Reply(text)); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	url, ok := <-speech
	if !ok {
		return g.Wait()
	}
	if url != "" {
		if s.policy.PauseRecognitionDuringPlayback {
			s.withRecognizer(Recognizer.StopCapture)
		}
		if err := s.tunnel.Send(ctx, protocol.Speech(url)); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	if inferAction {
		value, ok := <-action
		if !ok {
			return g.Wait()
		}
		if err := s.tunnel.Send(ctx, protocol.Action(value)); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		s.record(ctx, protocol.EventActionSelected, map[string]any{"action": value})
	}
	return g.Wait()
}

// replySpeechID names the audio of one generated turn.
func replySpeechID(chatID, turnID string) string {
	return chatID + "_" + turnID
}

// reusableSpeechID names audio by content so identical lines share one file.
func reusableSpeechID(voice, text string) string {
	sum := sha1.Sum([]byte(voice + "::" + text))
	return hex.EncodeToString(sum[:])
}
