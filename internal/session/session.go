// Package session runs one conversation: every inbound event becomes a job on
// a single ordered queue, and replies are generated, interrupted and fanned
// out to the client from that queue only.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/llm"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/textproc"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSessionClosed is returned by inbound triggers after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyReply marks a generation that produced no usable text.
	ErrEmptyReply = errors.New("empty reply")
)

// Tunnel delivers messages to the client. Send must be safe for concurrent
// use; each call is delivered whole.
type Tunnel interface {
	Send(ctx context.Context, msg protocol.ServerMessage) error
}

type TextGenerator interface {
	GenerateReply(ctx context.Context, c *chat.Chat) (llm.Reply, error)
	TokenCount(text string) int
}

// SpeechGenerator returns the URL of synthesized audio, or "" when there is
// nothing to play.
type SpeechGenerator interface {
	CreateSpeech(ctx context.Context, text, voice, id string, reusable bool) (string, error)
}

type ActionInferencer interface {
	SelectAction(ctx context.Context, c *chat.Chat) (string, error)
}

// Recognizer controls the session microphone.
type Recognizer interface {
	StartCapture()
	StopCapture()
}

type TextProcessor interface {
	Process(text string) string
}

// History persists committed turns.
type History interface {
	AppendTurn(ctx context.Context, chatID string, turn *chat.Turn) error
	UpdateTurn(ctx context.Context, chatID string, turn *chat.Turn) error
}

// Timeline records notable session events.
type Timeline interface {
	Record(ctx context.Context, eventType string, fields map[string]any)
}

// Policy holds the tunable conversation rules.
type Policy struct {
	PauseRecognitionDuringPlayback bool
	// Interruptions strictly between the two ratios cut the last bot turn.
	InterruptMinRatio  float64
	InterruptMaxRatio  float64
	InterruptionMarker string
	TruncationMarker   string
	Matcher            ActionMatcher
}

func NewPolicy(cfg config.ChatConfig) Policy {
	return Policy{
		PauseRecognitionDuringPlayback: cfg.PauseRecognitionDuringPlayback,
		InterruptMinRatio:              cfg.InterruptMinRatio,
		InterruptMaxRatio:              cfg.InterruptMaxRatio,
		InterruptionMarker:             cfg.InterruptionMarker,
		TruncationMarker:               cfg.TruncationMarker,
		Matcher: ActionMatcher{
			MaxDistance: cfg.ActionMaxDistance,
			Fallback:    cfg.FallbackAction,
		},
	}
}

func DefaultPolicy() Policy {
	return NewPolicy(config.Default().Chat)
}

// Options wires a session to its collaborators. Chat, Tunnel, Text and Speech
// are required.
type Options struct {
	ID        string
	Chat      *chat.Chat
	Tunnel    Tunnel
	Text      TextGenerator
	Speech    SpeechGenerator
	Actions   ActionInferencer
	Processor TextProcessor
	History   History
	Timeline  Timeline
	Policy    Policy
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Session is the actor owning one conversation.
type Session struct {
	id        string
	chat      *chat.Chat
	tunnel    Tunnel
	text      TextGenerator
	speech    SpeechGenerator
	actions   ActionInferencer
	processor TextProcessor
	history   History
	timeline  Timeline
	policy    Policy
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	state  *GenerationState
	queue  *Queue

	// pending holds user fragments not yet committed as a turn. Worker only.
	pending []string

	recMu      sync.RWMutex
	recognizer Recognizer

	readyOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

func New(parent context.Context, opts Options) (*Session, error) {
	switch {
	case opts.Chat == nil:
		return nil, errors.New("session requires a chat")
	case opts.Tunnel == nil:
		return nil, errors.New("session requires a tunnel")
	case opts.Text == nil:
		return nil, errors.New("session requires a text generator")
	case opts.Speech == nil:
		return nil, errors.New("session requires a speech generator")
	}
	if opts.Processor == nil {
		opts.Processor = textproc.NewProcessor(opts.Chat.BotName, opts.Chat.UserName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ID == "" {
		opts.ID = opts.Chat.ID
	}

	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger.With(
		slog.String("component", "session"),
		slog.String("session_id", opts.ID),
		slog.String("chat_id", opts.Chat.ID),
	)
	s := &Session{
		id:        opts.ID,
		chat:      opts.Chat,
		tunnel:    opts.Tunnel,
		text:      opts.Text,
		speech:    opts.Speech,
		actions:   opts.Actions,
		processor: opts.Processor,
		history:   opts.History,
		timeline:  opts.Timeline,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
		state:     NewGenerationState(opts.Clock),
	}
	s.queue = NewQueue(ctx, logger)
	s.queue.onError = func(job string, _ error) { s.metrics.jobFailed(job) }
	return s, nil
}

func (s *Session) ID() string { return s.id }

// UseRecognizer attaches the session microphone.
func (s *Session) UseRecognizer(r Recognizer) {
	s.recMu.Lock()
	s.recognizer = r
	s.recMu.Unlock()
}

func (s *Session) withRecognizer(fn func(Recognizer)) {
	s.recMu.RLock()
	r := s.recognizer
	s.recMu.RUnlock()
	if r != nil {
		fn(r)
	}
}

func (s *Session) enqueue(name string, scope context.Context, job Job) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.queue.Enqueue(name, scope, job); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// Ready queues the greeting handshake. Only the first call has an effect and
// it should precede any message.
func (s *Session) Ready() error {
	err := ErrSessionClosed
	first := false
	s.readyOnce.Do(func() {
		first = true
		err = s.enqueue("ready", nil, s.handleReady)
	})
	if !first {
		return nil
	}
	return err
}

// Send queues a user message. It immediately supersedes the generation of
// any earlier message that has not committed yet.
func (s *Session) Send(text string) error {
	scope := s.state.Reserve()
	return s.enqueue("message", scope, func(ctx context.Context) error {
		return s.handleMessage(ctx, text)
	})
}

// PlaybackStarted records that the client began playing the last speech.
func (s *Session) PlaybackStarted(duration time.Duration) error {
	return s.enqueue("playback_start", nil, func(context.Context) error {
		s.state.StartPlayback(duration)
		return nil
	})
}

// PlaybackCompleted clears the playback record and reopens the microphone.
func (s *Session) PlaybackCompleted() error {
	return s.enqueue("playback_complete", nil, func(context.Context) error {
		s.state.StopPlayback()
		s.withRecognizer(Recognizer.StartCapture)
		return nil
	})
}

// RecognitionStarted is called when the user starts speaking.
func (s *Session) RecognitionStarted() {
	s.logger.Info("speech recognition started")
	s.state.Supersede()
	s.enqueueEvent("recognition_start", func(ctx context.Context) error {
		s.state.AbortAndWait()
		return s.tunnel.Send(ctx, protocol.SpeechRecognitionStart())
	})
}

func (s *Session) RecognitionPartial(text string) {
	s.enqueueEvent("recognition_partial", func(ctx context.Context) error {
		return s.tunnel.Send(ctx, protocol.SpeechRecognitionPartial(text))
	})
}

func (s *Session) RecognitionFinished(text string) {
	s.logger.Info("speech recognition finished", slog.String("text", text))
	if s.policy.PauseRecognitionDuringPlayback {
		s.withRecognizer(Recognizer.StopCapture)
	}
	s.enqueueEvent("recognition_end", func(ctx context.Context) error {
		return s.tunnel.Send(ctx, protocol.SpeechRecognitionEnd(text))
	})
}

func (s *Session) enqueueEvent(name string, job Job) {
	if err := s.enqueue(name, nil, job); err != nil {
		s.logger.Debug("recognizer event ignored", slog.String("job", name), slogError(err))
	}
}

// WaitIdle blocks until every accepted job has finished.
func (s *Session) WaitIdle(ctx context.Context) error {
	return s.queue.WaitIdle(ctx)
}

// Close stops accepting events and lets the running job finish. If ctx
// expires first the running job is cancelled and Close returns ctx's error
// once it has unwound.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.queue.Stop(ctx)
		s.cancel()
		if err != nil {
			<-s.queue.Done()
		}
		s.state.Supersede()
		s.withRecognizer(Recognizer.StopCapture)
		s.logger.Info("session closed")
	})
	return err
}

// Done is closed once the session worker has exited.
func (s *Session) Done() <-chan struct{} { return s.queue.Done() }

// Stats reports generation counters.
func (s *Session) Stats() Stats { return s.state.Stats() }

// Chat exposes the conversation. Callers must not read it while jobs run.
func (s *Session) Chat() *chat.Chat { return s.chat }

// record stores a timeline event under the session's lifetime, tagged with
// the span active in ctx.
func (s *Session) record(ctx context.Context, eventType string, fields map[string]any) {
	if s.timeline != nil {
		s.timeline.Record(trace.ContextWithSpan(s.ctx, trace.SpanFromContext(ctx)), eventType, fields)
	}
}

func (s *Session) persistTurn(turn *chat.Turn) {
	if s.history == nil {
		return
	}
	if err := s.history.AppendTurn(s.ctx, s.chat.ID, turn); err != nil {
		s.logger.Warn("failed to store turn", slog.String("turn_id", turn.ID), slogError(err))
	}
}

func (s *Session) persistUpdate(turn *chat.Turn) {
	if s.history == nil {
		return
	}
	if err := s.history.UpdateTurn(s.ctx, s.chat.ID, turn); err != nil {
		s.logger.Warn("failed to update turn", slog.String("turn_id", turn.ID), slogError(err))
	}
}
