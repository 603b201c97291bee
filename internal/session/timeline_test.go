package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/llm"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type tracedTimeline struct {
	mu     sync.Mutex
	traces map[string]trace.TraceID
}

func (t *tracedTimeline) Record(ctx context.Context, eventType string, _ map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.traces == nil {
		t.traces = make(map[string]trace.TraceID)
	}
	t.traces[eventType] = trace.SpanContextFromContext(ctx).TraceID()
}

func TestTimelineEventsCarryReplyTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	metrics, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics.tracer = tp.Tracer("test")

	clock := newFakeClock()
	timeline := &tracedTimeline{}
	c := &chat.Chat{
		ID:       "chat-1",
		UserName: "Joe",
		BotName:  "Jane",
		Actions:  []string{"happy", "idle"},
		Turns:    []*chat.Turn{chat.NewTurn("Jane", "This is a forty character long sentence.", 10)},
	}
	text := &fakeText{fn: func(context.Context, *chat.Chat) (llm.Reply, error) {
		return llm.Reply{Text: "Okay."}, nil
	}}
	s, err := New(context.Background(), Options{
		Chat:     c,
		Tunnel:   &recordingTunnel{},
		Text:     text,
		Speech:   &fakeSpeech{},
		Actions:  &fakeActions{},
		Timeline: timeline,
		Policy:   DefaultPolicy(),
		Metrics:  metrics,
		Logger:   newLogger(),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_ = s.PlaybackStarted(10 * time.Second)
	clock.Advance(4 * time.Second)
	_ = s.Send("Wait")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	committed := timeline.traces[protocol.EventReplyCommitted]
	if !committed.IsValid() {
		t.Fatalf("reply_committed recorded without a trace id: %v", timeline.traces)
	}
	for _, event := range []string{protocol.EventInterrupted, protocol.EventActionSelected} {
		if got, ok := timeline.traces[event]; !ok || got != committed {
			t.Fatalf("%s trace %v, want %v", event, got, committed)
		}
	}
}
