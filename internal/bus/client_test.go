package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func applyOptions(t *testing.T, opts []nats.Option) nats.Options {
	t.Helper()
	o := nats.GetDefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			t.Fatalf("apply option: %v", err)
		}
	}
	return o
}

func TestConnectOptions(t *testing.T) {
	o := applyOptions(t, connectOptions("companion", config.BusConfig{
		Token:          "secret",
		Username:       "ignored",
		ConnectTimeout: 1500,
	}, newLogger()))
	if o.Name != "companion" {
		t.Fatalf("unexpected client name %q", o.Name)
	}
	if o.MaxReconnect != -1 || o.ReconnectWait != reconnectWait {
		t.Fatalf("unexpected reconnect policy %d/%s", o.MaxReconnect, o.ReconnectWait)
	}
	if o.Token != "secret" || o.User != "" {
		t.Fatalf("token should take precedence over user info: token=%q user=%q", o.Token, o.User)
	}
	if o.Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected timeout %s", o.Timeout)
	}

	o = applyOptions(t, connectOptions("companion", config.BusConfig{Username: "joe", Password: "pw"}, newLogger()))
	if o.User != "joe" || o.Password != "pw" {
		t.Fatalf("expected user info, got %q/%q", o.User, o.Password)
	}
	if o.Timeout != nats.GetDefaultOptions().Timeout {
		t.Fatalf("expected default timeout, got %s", o.Timeout)
	}
}

func TestConnectEmbedded(t *testing.T) {
	srv, err := natsserver.Start("bus-test", config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), "bus-test", config.BusConfig{Servers: []string{srv.ClientURL()}}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
	client.Close()

	var nilClient *Client
	if nilClient.Healthy() {
		t.Fatal("nil client must not report healthy")
	}
	nilClient.Close()
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), "x", config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Connect(ctx, "x", config.BusConfig{Servers: []string{"nats://127.0.0.1:1"}}, newLogger()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
