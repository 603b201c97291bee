package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleMessage turns one user message into a committed exchange and delivers
// the reply. A superseded or empty generation leaves no trace except the
// message text, which stays pending for the next attempt.
func (s *Session) handleMessage(ctx context.Context, text string) error {
	ctx, span := s.metrics.startSpan(ctx, "session.reply", attribute.String("session.id", s.id))
	defer span.End()

	s.state.AbortAndWait()
	h := s.state.Begin(ctx)
	defer s.state.End()

	started := s.now()
	s.metrics.generationStarted(ctx)

	if ratio, ok := s.state.Interrupt(); ok && ratio > s.policy.InterruptMinRatio && ratio < s.policy.InterruptMaxRatio {
		s.truncateLastBotTurn(ctx, ratio)
		text = s.policy.InterruptionMarker + " " + text
		s.metrics.interrupted(ctx)
		span.SetAttributes(attribute.Float64("session.interruption_ratio", ratio))
	}
	s.pending = append(s.pending, text)

	userText := s.processor.Process(strings.Join(s.pending, "\n"))
	userTurn := chat.NewTurn(s.chat.UserName, userText, s.text.TokenCount(userText))

	reply, err := s.text.GenerateReply(h.Context(), s.chat.WithTurns(userTurn))
	if err != nil {
		if h.Context().Err() != nil || errors.Is(err, context.Canceled) {
			s.metrics.generationDropped(ctx, "cancelled")
			s.logger.Debug("reply generation cancelled", slogError(err))
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("generate reply: %w", err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		s.metrics.generationDropped(ctx, "empty")
		s.logger.Debug("reply dropped", slogError(ErrEmptyReply))
		return nil
	}

	tokens := reply.Tokens
	if tokens <= 0 {
		tokens = s.text.TokenCount(reply.Text)
	}
	botTurn := chat.NewTurn(s.chat.BotName, reply.Text, tokens)
	s.chat.Append(userTurn)
	s.chat.Append(botTurn)
	s.pending = nil
	s.persistTurn(userTurn)
	s.persistTurn(botTurn)

	elapsed := s.now().Sub(started)
	s.metrics.replyCommitted(ctx, elapsed)
	s.record(ctx, protocol.EventReplyCommitted, map[string]any{
		"turn_id":    botTurn.ID,
		"tokens":     botTurn.Tokens,
		"latency_ms": elapsed.Milliseconds(),
	})
	s.logger.Info("reply committed", slog.String("turn_id", botTurn.ID), slog.Int("tokens", botTurn.Tokens))

	// A committed reply is delivered in full even if a newer message arrives.
	deliverCtx := trace.ContextWithSpan(s.ctx, span)
	return s.deliver(deliverCtx, botTurn.Text, replySpeechID(s.chat.ID, botTurn.ID), false, true)
}

// truncateLastBotTurn cuts the last turn to the share of it the user heard.
func (s *Session) truncateLastBotTurn(ctx context.Context, ratio float64) {
	last := s.chat.LastTurn()
	if last == nil || last.Speaker != s.chat.BotName {
		return
	}
	cut, ok := cutoff(len([]rune(last.Text)), ratio)
	if !ok {
		return
	}
	last.Text = string([]rune(last.Text)[:cut]) + s.policy.TruncationMarker
	last.Tokens = s.text.TokenCount(last.Text)
	s.persistUpdate(last)
	s.record(ctx, protocol.EventInterrupted, map[string]any{
		"turn_id": last.ID,
		"ratio":   ratio,
	})
	s.logger.Info("cut last bot turn after interruption", slog.Float64("ratio", ratio), slog.String("text", last.Text))
}

// cutoff returns how many characters of an n character line to keep when
// ratio of it was heard. ok is false when the line is too short to cut.
func cutoff(n int, ratio float64) (int, bool) {
	keep := int(math.RoundToEven(float64(n) * ratio))
	keep = min(max(keep, 1), max(n-2, 1))
	return keep, keep < n
}
