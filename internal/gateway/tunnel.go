package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Tunnel publishes server messages of one session on its outbound subject.
type Tunnel struct {
	conn    *nats.Conn
	subject string
	mu      sync.Mutex
}

func NewTunnel(conn *nats.Conn, subject string) *Tunnel {
	return &Tunnel{conn: conn, subject: subject}
}

func (t *Tunnel) Send(ctx context.Context, msg protocol.ServerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.Publish(t.subject, data); err != nil {
		return fmt.Errorf("publish %s message: %w", msg.Type, err)
	}
	return nil
}
