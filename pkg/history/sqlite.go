package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/embedkit/embedkit/pkg/logger"
)

// SQLiteStore persists histories for many sessions at once. The gateway
// uses it so every visitor of an embedded page gets an independent capped
// log. Per-session handles implement Store.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// NewSQLiteStore opens the database at dbPath, creating it and its schema
// as needed.
func NewSQLiteStore(dbPath string, limit int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode so concurrent visitor sessions do not serialize on writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if limit <= 0 {
		limit = DefaultLimit
	}
	s := &SQLiteStore{db: db, limit: limit}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		ts TEXT NOT NULL,
		extra_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Session returns a Store bound to one session id.
func (s *SQLiteStore) Session(id string) Store {
	return &sqliteSession{store: s, session: id}
}

func (s *SQLiteStore) load(ctx context.Context, session string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, text, ts, extra_json FROM messages WHERE session_id = ? ORDER BY seq`,
		session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var extraJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.Timestamp, &extraJSON); err != nil {
			return nil, err
		}
		if extraJSON.Valid && extraJSON.String != "" {
			var extra Extra
			if err := json.Unmarshal([]byte(extraJSON.String), &extra); err == nil {
				m.Extra = &extra
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) append(ctx context.Context, session string, msg Message) error {
	var extraJSON sql.NullString
	if msg.Extra != nil {
		data, err := json.Marshal(msg.Extra)
		if err != nil {
			return err
		}
		extraJSON = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, message_id, role, text, ts, extra_json) VALUES (?, ?, ?, ?, ?, ?)`,
		session, msg.ID, msg.Role, msg.Text, msg.Timestamp, extraJSON); err != nil {
		return err
	}

	// Drop oldest rows beyond the retention cap.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)`, session, session, s.limit)
	return err
}

func (s *SQLiteStore) replace(ctx context.Context, session string, msgs []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, session); err != nil {
		return err
	}
	for _, m := range truncate(msgs, s.limit) {
		var extraJSON sql.NullString
		if m.Extra != nil {
			data, merr := json.Marshal(m.Extra)
			if merr != nil {
				return merr
			}
			extraJSON = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, message_id, role, text, ts, extra_json) VALUES (?, ?, ?, ?, ?, ?)`,
			session, m.ID, m.Role, m.Text, m.Timestamp, extraJSON); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// sqliteSession adapts SQLiteStore to the per-session Store interface.
// Like the file store it degrades silently: a failing database reads as an
// empty history rather than breaking the widget.
type sqliteSession struct {
	store   *SQLiteStore
	session string
}

func (s *sqliteSession) SessionID() string { return s.session }

func (s *sqliteSession) Load() []Message {
	msgs, err := s.store.load(context.Background(), s.session)
	if err != nil {
		s.warn("load", err)
		return nil
	}
	return msgs
}

func (s *sqliteSession) Append(msg Message) {
	if err := s.store.append(context.Background(), s.session, msg); err != nil {
		s.warn("append", err)
	}
}

func (s *sqliteSession) Replace(msgs []Message) {
	if err := s.store.replace(context.Background(), s.session, msgs); err != nil {
		s.warn("replace", err)
	}
}

func (s *sqliteSession) warn(op string, err error) {
	logger.WarnCF("history", "sqlite "+op+" failed", map[string]interface{}{
		"session": s.session,
		"error":   err.Error(),
	})
}
