package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/llm"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticSpeech struct{}

func (staticSpeech) CreateSpeech(_ context.Context, _, _, id string, _ bool) (string, error) {
	return "/speech/" + id + ".wav", nil
}

type memoryTunnel struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (t *memoryTunnel) Send(_ context.Context, msg protocol.ServerMessage) error {
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
	return nil
}

func (t *memoryTunnel) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.msgs {
		out = append(out, m.Type)
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Gateway.DrainTimeoutMS = 2000
	return cfg
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "companion.db"),
		RetentionMode: "session",
		RetentionDays: 1,
		MaxSessions:   100,
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start("gateway-test", config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "gateway-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newManager(t *testing.T, cfg config.Config, busClient *bus.Client, store *eventstore.Store) *Manager {
	t.Helper()
	text := llm.NewService(cfg.LLM, llm.NewMockGenerator(), newLogger())
	m := NewManager(context.Background(), cfg, busClient, Backends{
		Text:    text,
		Speech:  staticSpeech{},
		Actions: text,
		Store:   store,
	}, newLogger())
	t.Cleanup(m.Close)
	return m
}

func nextMessage(t *testing.T, sub *nats.Subscription) protocol.ServerMessage {
	t.Helper()
	msg, err := sub.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("waiting for server message: %v", err)
	}
	var out protocol.ServerMessage
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode server message: %v", err)
	}
	return out
}

func expectTypes(t *testing.T, sub *nats.Subscription, want ...string) []protocol.ServerMessage {
	t.Helper()
	msgs := make([]protocol.ServerMessage, 0, len(want))
	for _, w := range want {
		msg := nextMessage(t, sub)
		if msg.Type != w {
			t.Fatalf("expected %s message, got %+v", w, msg)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestSessionRoundTripOverNATS(t *testing.T) {
	busClient := startBus(t)
	store := openStore(t)
	cfg := testConfig()
	m := newManager(t, cfg, busClient, store)
	if err := m.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}

	subjects := protocol.Subjects{Prefix: cfg.Gateway.SubjectPrefix}
	conn := busClient.Conn()
	out, err := conn.SubscribeSync(subjects.Outbound("s1"))
	if err != nil {
		t.Fatalf("subscribe outbound: %v", err)
	}

	payload, _ := json.Marshal(protocol.StartSessionRequest{SessionID: "s1", ChatID: "chat-1", UserName: "Joe"})
	resp, err := conn.Request(subjects.Start(), payload, 3*time.Second)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	var reply protocol.StartSessionReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatalf("decode start reply: %v", err)
	}
	if reply.Error != "" || reply.SessionID != "s1" || reply.Inbound != subjects.Inbound("s1") {
		t.Fatalf("unexpected start reply %+v", reply)
	}

	greeting := expectTypes(t, out, protocol.TypeReady, protocol.TypeReply, protocol.TypeSpeech)
	if greeting[1].Text == "" || greeting[2].URL == "" {
		t.Fatalf("unexpected greeting %+v", greeting)
	}

	send, _ := json.Marshal(protocol.ClientMessage{Type: protocol.TypeSend, Text: "Hello"})
	if err := conn.Publish(reply.Inbound, send); err != nil {
		t.Fatalf("publish send: %v", err)
	}
	exchange := expectTypes(t, out, protocol.TypeReply, protocol.TypeSpeech, protocol.TypeAction)
	if exchange[0].Text != "I heard you say Hello." {
		t.Fatalf("unexpected reply %q", exchange[0].Text)
	}
	if exchange[2].Value != "idle" {
		t.Fatalf("unexpected action %q", exchange[2].Value)
	}

	turns, err := store.ListTurns(context.Background(), "chat-1", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 3 || turns[1].Text != "Hello" || turns[2].Text != "I heard you say Hello." {
		t.Fatalf("unexpected stored turns %+v", turns)
	}

	stop, _ := json.Marshal(protocol.ClientMessage{Type: protocol.TypeStop})
	if err := conn.Publish(reply.Inbound, stop); err != nil {
		t.Fatalf("publish stop: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for m.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	events, err := store.ListSessionEvents(context.Background(), "s1", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := make(map[string]bool)
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{protocol.EventSessionStarted, protocol.EventReplyCommitted, protocol.EventActionSelected} {
		if !seen[want] {
			t.Fatalf("missing %s event in %v", want, seen)
		}
	}
	for {
		sessions, err := store.ChatSessions(context.Background(), "chat-1")
		if err != nil {
			t.Fatalf("chat sessions: %v", err)
		}
		if len(sessions) == 1 && !sessions[0].EndedAt.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session end was not recorded: %+v", sessions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRequestReportsErrors(t *testing.T) {
	busClient := startBus(t)
	cfg := testConfig()
	m := newManager(t, cfg, busClient, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}

	subjects := protocol.Subjects{Prefix: cfg.Gateway.SubjectPrefix}
	resp, err := busClient.Conn().Request(subjects.Start(), []byte(`{"session_id":"bad.id"}`), 3*time.Second)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	var reply protocol.StartSessionReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatalf("decode start reply: %v", err)
	}
	if reply.Error == "" {
		t.Fatal("expected invalid session id to be reported")
	}
}

func TestStartSessionResumesHistory(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, turn := range []*chat.Turn{
		chat.NewTurn("Joe", "Hi.", 1),
		chat.NewTurn("Loqa", "Hello again.", 3),
	} {
		if err := store.AppendTurn(ctx, "chat-9", turn); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	m := newManager(t, testConfig(), nil, store)
	tunnel := &memoryTunnel{}
	m.tunnelFor = func(string) session.Tunnel { return tunnel }

	reply, err := m.StartSession(ctx, protocol.StartSessionRequest{ChatID: "chat-9"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if reply.SessionID == "" || reply.ChatID != "chat-9" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	s, err := m.lookup(reply.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(waitCtx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if got := tunnel.types(); len(got) != 1 || got[0] != protocol.TypeReady {
		t.Fatalf("expected ready only for a resumed chat, got %v", got)
	}
	if turns := s.Chat().Turns; len(turns) != 2 || turns[1].Text != "Hello again." {
		t.Fatalf("history not resumed: %+v", turns)
	}
}

func TestStartSessionLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.MaxSessions = 1
	m := newManager(t, cfg, nil, nil)
	m.tunnelFor = func(string) session.Tunnel { return &memoryTunnel{} }
	ctx := context.Background()

	if _, err := m.StartSession(ctx, protocol.StartSessionRequest{SessionID: "c", CharacterPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected missing character file to fail")
	}
	if _, err := m.StartSession(ctx, protocol.StartSessionRequest{SessionID: "a"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := m.StartSession(ctx, protocol.StartSessionRequest{SessionID: "a"}); err == nil {
		t.Fatal("expected duplicate session id to be rejected")
	}
	if _, err := m.StartSession(ctx, protocol.StartSessionRequest{SessionID: "b"}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	if err := m.StopSession(ctx, "a"); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if m.ActiveSessions() != 0 {
		t.Fatal("expected no live sessions")
	}
	if err := m.StopSession(ctx, "a"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestDispatch(t *testing.T) {
	m := newManager(t, testConfig(), nil, nil)
	tunnel := &memoryTunnel{}
	m.tunnelFor = func(string) session.Tunnel { return tunnel }
	ctx := context.Background()

	if err := m.Dispatch("nope", protocol.ClientMessage{Type: protocol.TypeSend, Text: "hi"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := m.StartSession(ctx, protocol.StartSessionRequest{SessionID: "d"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := m.Dispatch("d", protocol.ClientMessage{Type: "dance"}); err == nil {
		t.Fatal("expected unsupported type to be rejected")
	}
	for _, msg := range []protocol.ClientMessage{
		{Type: protocol.TypeSpeechPlaybackStart, Duration: 1.5},
		{Type: protocol.TypeSpeechPlaybackComplete},
		{Type: protocol.TypeSend, Text: "   "},
		{Type: protocol.TypeSend, Text: "How are you?"},
	} {
		if err := m.Dispatch("d", msg); err != nil {
			t.Fatalf("dispatch %s: %v", msg.Type, err)
		}
	}
	s, _ := m.lookup("d")
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(waitCtx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	turns := s.Chat().Turns
	if last := turns[len(turns)-2]; last.Text != "How are you?" {
		t.Fatalf("unexpected user turn %q", last.Text)
	}
}

func TestValidToken(t *testing.T) {
	for id, want := range map[string]bool{
		"abc-123":   true,
		"":          false,
		"a.b":       false,
		"a*":        false,
		"with space": false,
		"x/y":       false,
	} {
		if got := validToken(id); got != want {
			t.Fatalf("validToken(%q) = %v, want %v", id, got, want)
		}
	}
}

// heldSpeech blocks fresh reply lines until released; reusable lines pass.
type heldSpeech struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *heldSpeech) CreateSpeech(ctx context.Context, _, _, id string, reusable bool) (string, error) {
	if !reusable {
		h.once.Do(func() { close(h.entered) })
		select {
		case <-h.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "/speech/" + id + ".wav", nil
}

func TestCloseDrainsRepliesAfterParentCancel(t *testing.T) {
	cfg := testConfig()
	text := llm.NewService(cfg.LLM, llm.NewMockGenerator(), newLogger())
	speech := &heldSpeech{entered: make(chan struct{}), release: make(chan struct{})}
	parent, cancelParent := context.WithCancel(context.Background())
	m := NewManager(parent, cfg, nil, Backends{Text: text, Speech: speech, Actions: text}, newLogger())
	tunnel := &memoryTunnel{}
	m.tunnelFor = func(string) session.Tunnel { return tunnel }

	if _, err := m.StartSession(context.Background(), protocol.StartSessionRequest{SessionID: "drain"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := m.Dispatch("drain", protocol.ClientMessage{Type: protocol.TypeSend, Text: "Still there?"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case <-speech.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("reply never reached synthesis")
	}

	cancelParent()
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(speech.release)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close did not return")
	}

	got := tunnel.types()
	n := len(got)
	if n < 3 || got[n-3] != protocol.TypeReply || got[n-2] != protocol.TypeSpeech || got[n-1] != protocol.TypeAction {
		t.Fatalf("expected the running reply to finish with reply, speech, action; got %v", got)
	}
}
