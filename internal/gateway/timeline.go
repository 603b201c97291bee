package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"go.opentelemetry.io/otel/trace"
)

// timeline writes session events to the event store.
type timeline struct {
	store     *eventstore.Store
	sessionID string
	actorID   string
	privacy   string
	logger    *slog.Logger
}

func (t *timeline) Record(ctx context.Context, eventType string, fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		t.logger.Warn("failed to encode timeline event", slog.String("event", eventType), slogError(err))
		return
	}
	evt := eventstore.Event{
		SessionID: t.sessionID,
		ActorID:   t.actorID,
		Type:      eventType,
		Payload:   payload,
		Privacy:   t.privacy,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := t.store.AppendEvent(ctx, evt); err != nil {
		t.logger.Warn("failed to record timeline event", slog.String("event", eventType), slogError(err))
	}
}
