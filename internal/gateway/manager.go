// Package gateway exposes companion sessions over NATS: it starts sessions on
// request, routes client messages to them and publishes their output.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/character"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/session"
	"github.com/loqalabs/loqa-companion/internal/stt"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-companion/gateway"

var (
	// ErrUnknownSession is returned for messages addressed to no live session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTooManySessions is returned when the session limit is reached.
	ErrTooManySessions = errors.New("too many sessions")
)

// Backends are the shared generators every session talks to.
type Backends struct {
	Text    session.TextGenerator
	Speech  session.SpeechGenerator
	Actions session.ActionInferencer
	Store   *eventstore.Store
	STT     *stt.Service
	Metrics *session.Metrics
}

type entry struct {
	session *session.Session
	capture *stt.Capture
	chatID  string
}

// Manager owns the live sessions of this process.
type Manager struct {
	cfg          config.GatewayConfig
	chatCfg      config.ChatConfig
	defaultVoice string
	backends     Backends
	bus          *bus.Client
	subjects     protocol.Subjects
	logger       *slog.Logger
	ctx          context.Context
	cancel       context.CancelFunc

	// tunnelFor builds the outbound tunnel of a session.
	tunnelFor func(sessionID string) session.Tunnel

	mu       sync.Mutex
	sessions map[string]*entry
	subs     []*nats.Subscription
	meter    metric.Meter
	tracer   trace.Tracer
}

// NewManager keeps parent's values but not its cancellation: sessions live
// until Close drains them, so a cancelled process context does not cut
// replies short.
func NewManager(parent context.Context, cfg config.Config, busClient *bus.Client, backends Backends, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	m := &Manager{
		cfg:          cfg.Gateway,
		chatCfg:      cfg.Chat,
		defaultVoice: cfg.TTS.Voice,
		backends:     backends,
		bus:          busClient,
		subjects:     protocol.Subjects{Prefix: cfg.Gateway.SubjectPrefix},
		logger:       logger.With(slog.String("component", "gateway")),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*entry),
		meter:        otel.Meter(instrumentationName),
		tracer:       otel.Tracer(instrumentationName),
	}
	m.tunnelFor = func(sessionID string) session.Tunnel {
		return NewTunnel(m.bus.Conn(), m.subjects.Outbound(sessionID))
	}
	if err := m.initMetrics(); err != nil {
		m.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// Start subscribes to session requests and inbound client messages.
func (m *Manager) Start() error {
	conn := m.bus.Conn()
	startSub, err := conn.Subscribe(m.subjects.Start(), m.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe session start: %w", err)
	}
	inSub, err := conn.Subscribe(m.subjects.InboundWildcard(), m.handleInbound)
	if err != nil {
		_ = startSub.Drain()
		return fmt.Errorf("subscribe inbound: %w", err)
	}
	m.mu.Lock()
	m.subs = append(m.subs, startSub, inSub)
	m.mu.Unlock()
	m.logger.Info("gateway listening", slog.String("subject", m.subjects.Start()))
	return nil
}

func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bus.Healthy() && len(m.subs) > 0
}

// ActiveSessions reports how many sessions are live.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartSession creates a session, queues its ready handshake and returns the
// subjects the client should use.
func (m *Manager) StartSession(ctx context.Context, req protocol.StartSessionRequest) (protocol.StartSessionReply, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx, span := m.tracer.Start(ctx, "gateway.start_session", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	if !validToken(sessionID) {
		return protocol.StartSessionReply{}, fmt.Errorf("invalid session id %q", sessionID)
	}
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = sessionID
	}
	if !validToken(chatID) {
		return protocol.StartSessionReply{}, fmt.Errorf("invalid chat id %q", chatID)
	}
	userName := strings.TrimSpace(req.UserName)
	if userName == "" {
		userName = m.chatCfg.UserName
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return protocol.StartSessionReply{}, fmt.Errorf("session %q already exists", sessionID)
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return protocol.StartSessionReply{}, ErrTooManySessions
	}
	// Reserve the id while the session is built.
	m.sessions[sessionID] = nil
	m.mu.Unlock()

	e, err := m.newSession(ctx, sessionID, chatID, userName, req.CharacterPath)
	m.mu.Lock()
	if err != nil {
		delete(m.sessions, sessionID)
	} else {
		m.sessions[sessionID] = e
	}
	m.mu.Unlock()
	if err != nil {
		return protocol.StartSessionReply{}, err
	}

	if err := e.session.Ready(); err != nil {
		return protocol.StartSessionReply{}, err
	}
	m.logger.Info("session started",
		slog.String("session_id", sessionID),
		slog.String("chat_id", chatID),
		slog.Int("history", len(e.session.Chat().Turns)))
	return protocol.StartSessionReply{
		SessionID: sessionID,
		ChatID:    chatID,
		Inbound:   m.subjects.Inbound(sessionID),
		Outbound:  m.subjects.Outbound(sessionID),
	}, nil
}

func (m *Manager) newSession(ctx context.Context, sessionID, chatID, userName, characterPath string) (*entry, error) {
	char, err := m.loadCharacter(characterPath)
	if err != nil {
		return nil, err
	}
	c := char.NewChat(chatID, userName, m.defaultVoice)

	store := m.backends.Store
	if store != nil && m.cfg.ResumeHistory {
		turns, err := store.ListTurns(ctx, chatID, m.cfg.HistoryLoadSize)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		c.Turns = turns
	}

	opts := session.Options{
		ID:      sessionID,
		Chat:    c,
		Tunnel:  m.tunnelFor(sessionID),
		Text:    m.backends.Text,
		Speech:  m.backends.Speech,
		Actions: m.backends.Actions,
		Policy:  session.NewPolicy(m.chatCfg),
		Metrics: m.backends.Metrics,
		Logger:  m.logger,
	}
	if store != nil {
		opts.History = store
		opts.Timeline = &timeline{
			store:     store,
			sessionID: sessionID,
			actorID:   userName,
			privacy:   m.cfg.PrivacyScope,
			logger:    m.logger,
		}
		rec := eventstore.SessionRecord{
			ID:        sessionID,
			ChatID:    chatID,
			UserName:  userName,
			Character: char.Metadata.Name,
			Privacy:   m.cfg.PrivacyScope,
		}
		if err := store.OpenSession(ctx, rec); err != nil {
			m.logger.Warn("failed to store session", slog.String("session_id", sessionID), slogError(err))
		}
	}

	s, err := session.New(m.ctx, opts)
	if err != nil {
		return nil, err
	}
	e := &entry{session: s, chatID: chatID}
	if m.backends.STT.Enabled() {
		capture, err := m.backends.STT.Attach(sessionID, s)
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		s.UseRecognizer(capture)
		e.capture = capture
	}
	if opts.Timeline != nil {
		opts.Timeline.Record(ctx, protocol.EventSessionStarted, map[string]any{
			"chat_id": chatID,
			"turns":   len(c.Turns),
		})
	}
	return e, nil
}

func (m *Manager) loadCharacter(path string) (character.Character, error) {
	if path == "" {
		path = m.chatCfg.CharacterPath
	}
	if path == "" {
		return character.Default(), nil
	}
	char, err := character.Load(path)
	if err != nil {
		return character.Character{}, fmt.Errorf("load character: %w", err)
	}
	if err := character.Validate(char); err != nil {
		return character.Character{}, fmt.Errorf("invalid character %s: %w", path, err)
	}
	return char, nil
}

// Dispatch delivers one client message to its session.
func (m *Manager) Dispatch(sessionID string, msg protocol.ClientMessage) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.TypeSend:
		if strings.TrimSpace(msg.Text) == "" {
			return nil
		}
		return s.Send(msg.Text)
	case protocol.TypeSpeechPlaybackStart:
		return s.PlaybackStarted(time.Duration(msg.Duration * float64(time.Second)))
	case protocol.TypeSpeechPlaybackComplete:
		return s.PlaybackCompleted()
	case protocol.TypeStop:
		go func() {
			if err := m.StopSession(m.ctx, sessionID); err != nil && !errors.Is(err, ErrUnknownSession) {
				m.logger.Warn("failed to stop session", slog.String("session_id", sessionID), slogError(err))
			}
		}()
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (m *Manager) lookup(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.sessions[sessionID]
	if e == nil {
		return nil, ErrUnknownSession
	}
	return e.session, nil
}

// StopSession drains the session queue, waiting at most the configured drain
// timeout for the running job.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e := m.sessions[sessionID]
	if e != nil {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if e == nil {
		return ErrUnknownSession
	}
	return m.stop(ctx, sessionID, e)
}

func (m *Manager) stop(ctx context.Context, sessionID string, e *entry) error {
	ctx, span := m.tracer.Start(ctx, "gateway.stop_session", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	if e.capture != nil {
		e.capture.Close()
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(m.cfg.DrainTimeoutMS)*time.Millisecond)
	defer cancel()
	err := e.session.Close(drainCtx)

	stats := e.session.Stats()
	if store := m.backends.Store; store != nil {
		tl := &timeline{store: store, sessionID: sessionID, privacy: m.cfg.PrivacyScope, logger: m.logger}
		tl.Record(context.WithoutCancel(ctx), protocol.EventSessionStopped, map[string]any{
			"chat_id":     e.chatID,
			"generations": stats.Begins,
		})
		if err := store.CloseSession(context.WithoutCancel(ctx), sessionID); err != nil {
			m.logger.Warn("failed to close stored session", slog.String("session_id", sessionID), slogError(err))
		}
	}
	m.logger.Info("session stopped", slog.String("session_id", sessionID), slog.Int("generations", stats.Begins))
	if err != nil {
		return fmt.Errorf("drain session %s: %w", sessionID, err)
	}
	return nil
}

// Close stops listening and drains every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	live := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Drain()
	}
	var wg sync.WaitGroup
	for id, e := range live {
		if e == nil {
			continue
		}
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			if err := m.stop(context.Background(), id, e); err != nil {
				m.logger.Warn("session did not drain", slog.String("session_id", id), slogError(err))
			}
		}(id, e)
	}
	wg.Wait()
	m.cancel()
}

func (m *Manager) handleStart(msg *nats.Msg) {
	var req protocol.StartSessionRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			m.respond(msg, protocol.StartSessionReply{Error: "invalid request: " + err.Error()})
			return
		}
	}
	reply, err := m.StartSession(m.ctx, req)
	if err != nil {
		m.logger.Warn("failed to start session", slogError(err))
		reply = protocol.StartSessionReply{SessionID: req.SessionID, Error: err.Error()}
	}
	m.respond(msg, reply)
}

func (m *Manager) respond(msg *nats.Msg, reply protocol.StartSessionReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		m.logger.Warn("failed to encode start reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		m.logger.Warn("failed to send start reply", slogError(err))
	}
}

func (m *Manager) handleInbound(msg *nats.Msg) {
	sessionID, ok := m.subjects.SessionFromInbound(msg.Subject)
	if !ok {
		return
	}
	var in protocol.ClientMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		m.logger.Warn("invalid client message", slog.String("session_id", sessionID), slogError(err))
		return
	}
	if err := m.Dispatch(sessionID, in); err != nil {
		m.logger.Warn("client message rejected",
			slog.String("session_id", sessionID),
			slog.String("type", in.Type),
			slogError(err))
	}
}

func (m *Manager) initMetrics() error {
	gauge, err := m.meter.Int64ObservableGauge("companion.sessions.active", metric.WithDescription("Number of live companion sessions"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(m.ActiveSessions()))
		return nil
	}, gauge)
	return err
}

// validToken reports whether id can be used as a single NATS subject token.
func validToken(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, ".*> \t\r\n/\\")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
