package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"github.com/loqalabs/loqa-companion/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	ActorID   string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// SessionRecord describes one conversation session over a chat.
type SessionRecord struct {
	ID        string
	ChatID    string
	UserName  string
	Character string
	Privacy   string
	StartedAt time.Time
	EndedAt   time.Time
}

// Store keeps session timelines and chat histories in SQLite. With the
// ephemeral retention mode it has no database and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE sessions (
    session_id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    user_name TEXT,
    character TEXT,
    privacy_scope TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE INDEX idx_sessions_chat ON sessions(chat_id, started_at);
CREATE TABLE events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    trace_id TEXT,
    actor_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX idx_events_session ON events(session_id, id);
CREATE TABLE turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id TEXT NOT NULL,
    turn_id TEXT NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE(chat_id, turn_id)
);
CREATE INDEX idx_turns_chat_seq ON turns(chat_id, seq);`,
}

// Open initializes the store according to cfg and applies retention.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("event store migrated", slog.Int("version", i+1))
	}
	return nil
}

func (s *Store) disabled() bool { return s.db == nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.disabled() {
		return nil
	}
	return s.db.Close()
}

// OpenSession records the start of a session. Reopening an id refreshes its
// metadata and clears the end time.
func (s *Store) OpenSession(ctx context.Context, rec SessionRecord) error {
	if s.disabled() {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, chat_id, user_name, character, privacy_scope, started_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET chat_id=excluded.chat_id, user_name=excluded.user_name,
		   character=excluded.character, privacy_scope=excluded.privacy_scope, ended_at=NULL`,
		rec.ID, rec.ChatID, rec.UserName, rec.Character, rec.Privacy, rec.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("open session %s: %w", rec.ID, err)
	}
	return nil
}

// CloseSession stamps the end time of a session.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		s.clock().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// ChatSessions lists the sessions held over a chat, oldest first.
func (s *Store) ChatSessions(ctx context.Context, chatID string) ([]SessionRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, chat_id, user_name, character, privacy_scope, started_at, ended_at
		 FROM sessions WHERE chat_id = ? ORDER BY started_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var user, char, privacy sql.NullString
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.ChatID, &user, &char, &privacy, &started, &ended); err != nil {
			return nil, err
		}
		rec.UserName, rec.Character, rec.Privacy = user.String, char.String, privacy.String
		rec.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			rec.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent adds an entry to a session timeline. The session must have
// been opened first.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, actor_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.ActorID, evt.Type, evt.Payload, evt.Privacy, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

// ListSessionEvents returns up to limit events of a session in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, actor_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID, actorID, privacy sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &traceID, &actorID, &e.Type, &e.Payload, &privacy, &created); err != nil {
			return nil, err
		}
		e.TraceID, e.ActorID, e.Privacy = traceID.String, actorID.String, privacy.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendTurn stores a committed turn at the end of a chat's history.
func (s *Store) AppendTurn(ctx context.Context, chatID string, turn *chat.Turn) error {
	if s.disabled() {
		return nil
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(chat_id, turn_id, speaker, text, tokens, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		chatID, turn.ID, turn.Speaker, turn.Text, turn.Tokens, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// UpdateTurn rewrites the text of a stored turn, used when a reply was cut short.
func (s *Store) UpdateTurn(ctx context.Context, chatID string, turn *chat.Turn) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET text = ?, tokens = ? WHERE chat_id = ? AND turn_id = ?`,
		turn.Text, turn.Tokens, chatID, turn.ID)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update turn %s: %w", turn.ID, sql.ErrNoRows)
	}
	return nil
}

// ListTurns returns the most recent limit turns of a chat in conversation order.
func (s *Store) ListTurns(ctx context.Context, chatID string, limit int) ([]*chat.Turn, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, speaker, text, tokens, created_at FROM (
			SELECT seq, turn_id, speaker, text, tokens, created_at FROM turns
			WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*chat.Turn
	for rows.Next() {
		var t chat.Turn
		var created int64
		if err := rows.Scan(&t.ID, &t.Speaker, &t.Text, &t.Tokens, &created); err != nil {
			return nil, err
		}
		t.Timestamp = time.Unix(0, created).UTC()
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// Prune applies retention: sessions (with their events) and turns older than
// retention_days go first, then all but the newest max_sessions sessions.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() || (s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0) {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
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
	return tx.Commit()
}
