package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/loqalabs/loqa-scripture/internal/protocol"
	"github.com/nats-io/nats.go"
)

// SessionStream retains session events when JetStream is available.
const SessionStream = "SCRIPTURE_SESSIONS"

// Client wraps the NATS connection and JetStream context used to announce
// session events.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name("scriptured"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log.With(slog.String("component", "bus")),
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// EnsureSessionStream creates the stream that keeps session events for
// maxAge. It fails when the server has JetStream disabled.
func (c *Client) EnsureSessionStream(maxAge time.Duration) error {
	cfg := &nats.StreamConfig{
		Name:     SessionStream,
		Subjects: []string{protocol.SubjectSessionPrefix + ".>"},
		MaxAge:   maxAge,
		Storage:  nats.FileStorage,
	}
	if _, err := c.js.StreamInfo(SessionStream); err == nil {
		_, err = c.js.UpdateStream(cfg)
		return err
	}
	if _, err := c.js.AddStream(cfg); err != nil {
		return fmt.Errorf("add stream %s: %w", SessionStream, err)
	}
	return nil
}

// PublishSession sends evt on the subject matching its kind. A nil client is
// a no-op so callers need not care whether the bus is enabled.
func (c *Client) PublishSession(evt protocol.SessionEvent) error {
	if c == nil {
		return nil
	}
	subject, err := protocol.SubjectFor(evt.Kind)
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
