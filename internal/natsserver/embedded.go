// Package natsserver runs the in-process broker that carries session events
// when no external NATS deployment is configured.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer is a loopback-only NATS server. JetStream is enabled only
// when a store directory is configured.
type EmbeddedServer struct {
	ns        *server.Server
	jetStream bool
	log       *slog.Logger
}

// Start returns nil, nil when the bus is disabled or points at external
// servers. Port -1 picks a random free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	js := cfg.StoreDir != ""
	ns, err := server.NewServer(&server.Options{
		ServerName: "scriptured-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  js,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, jetStream: js, log: log}
	log.Info("embedded NATS server started",
		slog.String("url", e.ClientURL()),
		slog.Bool("jetstream", js),
		slog.String("store_dir", cfg.StoreDir))
	return e, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// JetStream reports whether session events can be retained.
func (e *EmbeddedServer) JetStream() bool {
	return e != nil && e.jetStream
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
