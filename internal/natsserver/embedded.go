package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs the session bus in-process so a single binary can serve
// clients without an external broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

const readyTimeout = 5 * time.Second

// Start creates and starts an embedded NATS server named after the runtime.
// It returns nil when the configuration points at an external broker. The
// bus credentials, when set, are required from every client.
func Start(name string, cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	ns, err := server.NewServer(serverOptions(name, cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()), slog.String("server_name", name))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func serverOptions(name string, cfg config.BusConfig) *server.Options {
	opts := &server.Options{
		ServerName: name,
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoSigs:     true,
		MaxPayload: int32(cfg.MaxPayloadKB) * 1024,
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = server.MAX_PAYLOAD_SIZE
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
