package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/loqalabs/loqa-scripture/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event is one recorded step of a listening session.
type Event struct {
	ID          int64
	SessionID   string
	Kind        protocol.EventKind
	Book        string
	Chapter     int
	Translation string
	Available   bool
	CreatedAt   time.Time
}

// Session summarizes a listening session.
type Session struct {
	SessionID   string     `json:"session_id"`
	Book        string     `json:"book"`
	Translation string     `json:"translation"`
	Voice       string     `json:"voice"`
	BookOrder   string     `json:"book_order"`
	LastChapter int        `json:"last_chapter"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// Store is the SQLite-backed listening timeline. It is an audit log only;
// nothing is restored from it.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    book TEXT NOT NULL,
    translation TEXT NOT NULL,
    voice TEXT,
    book_order TEXT,
    last_chapter INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    book TEXT NOT NULL,
    chapter INTEGER NOT NULL,
    translation TEXT NOT NULL,
    available INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends evt to the timeline and keeps the session summary current.
func (s *Store) Record(ctx context.Context, evt protocol.SessionEvent) error {
	if !s.enabled() {
		return nil
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	at := ts.UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, book, translation, voice, book_order, last_chapter, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_chapter = MAX(last_chapter, excluded.last_chapter)`,
		evt.SessionID, evt.Book, evt.Translation, evt.Voice, evt.BookOrder, evt.Chapter, at)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if evt.Kind == protocol.EventStopped {
		if _, err = tx.ExecContext(ctx, `UPDATE sessions SET stopped_at = ? WHERE session_id = ?`, at, evt.SessionID); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, book, chapter, translation, available, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, string(evt.Kind), evt.Book, evt.Chapter, evt.Translation, evt.Available, at)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	err = tx.Commit()
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, book, chapter, translation, available, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Book, &e.Chapter, &e.Translation, &e.Available, &created); err != nil {
			return nil, err
		}
		e.Kind = protocol.EventKind(kind)
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentSessions lists up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, book, translation, COALESCE(voice, ''), COALESCE(book_order, ''), last_chapter, started_at, stopped_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(&sess.SessionID, &sess.Book, &sess.Translation, &sess.Voice, &sess.BookOrder, &sess.LastChapter, &started, &stopped); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started).UTC()
		if stopped.Valid {
			ts := time.Unix(0, stopped.Int64).UTC()
			sess.StoppedAt = &ts
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
