package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/loqalabs/loqa-scripture/internal/natsserver"
	"github.com/loqalabs/loqa-scripture/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T, storeDir string) *Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: storeDir, ConnectTimeout: 2000}
	ns, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	cfg.Servers = []string{ns.ClientURL()}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishSession(t *testing.T) {
	client := startBus(t, "")
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	msgs := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSessionPrefix+".>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	evt := protocol.SessionEvent{SessionID: "abc", Kind: protocol.EventChapter, Book: "Ruth", Chapter: 2, Translation: "KJV", Available: true}
	if err := client.PublishSession(evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != protocol.SubjectSessionChapter {
			t.Fatalf("unexpected subject %s", msg.Subject)
		}
		var got protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Book != "Ruth" || got.Chapter != 2 || got.SessionID != "abc" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishSessionUnknownKind(t *testing.T) {
	client := startBus(t, "")
	if err := client.PublishSession(protocol.SessionEvent{Kind: "paused"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestNilClientIsNoop(t *testing.T) {
	var client *Client
	if err := client.PublishSession(protocol.SessionEvent{Kind: protocol.EventStarted}); err != nil {
		t.Fatalf("nil client must not fail: %v", err)
	}
	if client.Healthy() {
		t.Fatal("nil client cannot be healthy")
	}
	client.Close()
}

func TestSessionStreamRetainsEvents(t *testing.T) {
	client := startBus(t, t.TempDir())
	if err := client.EnsureSessionStream(time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// second call updates in place
	if err := client.EnsureSessionStream(2 * time.Hour); err != nil {
		t.Fatalf("ensure stream again: %v", err)
	}
	for _, kind := range []protocol.EventKind{protocol.EventStarted, protocol.EventStopped} {
		if err := client.PublishSession(protocol.SessionEvent{SessionID: "s", Kind: kind, Book: "Jude", Chapter: 1}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = client.Conn().Flush()

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.js.StreamInfo(SessionStream)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 retained events, got %d", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
