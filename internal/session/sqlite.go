package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the Store backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// migrations are applied in order; PRAGMA user_version records how many
// have run. Append only.
var migrations = []string{
	`CREATE TABLE sessions (
		id                  TEXT PRIMARY KEY,
		summary             TEXT,
		provider            TEXT NOT NULL,
		model               TEXT NOT NULL,
		cwd                 TEXT,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL,
		llm_turns           INTEGER NOT NULL DEFAULT 0,
		tool_calls          INTEGER NOT NULL DEFAULT 0,
		input_tokens        INTEGER NOT NULL DEFAULT 0,
		cached_input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens       INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'active'
	);
	CREATE TABLE messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role         TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
		parts        TEXT NOT NULL,
		text_content TEXT,
		created_at   TIMESTAMP NOT NULL,
		sequence     INTEGER NOT NULL,
		UNIQUE (session_id, sequence)
	);
	CREATE INDEX idx_sessions_updated_at ON sessions(updated_at DESC);`,

	`CREATE INDEX idx_sessions_status ON sessions(status, updated_at DESC);`,
}

const sessionColumns = `id, summary, provider, model, cwd, created_at, updated_at,
	llm_turns, tool_calls, input_tokens, cached_input_tokens, output_tokens, status`

// NewSQLiteStore opens the database at GetDBPath(cfg), creating the file
// and running pending migrations.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath, err := GetDBPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrate runs the migrations not yet recorded in user_version. A
// database from a newer build is refused.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate to version %d: %w", v+1, err)
		}
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullString(sess.Summary), sess.Provider, sess.Model, nullString(sess.CWD),
		sess.CreatedAt, sess.UpdatedAt, sess.LLMTurns, sess.ToolCalls,
		sess.InputTokens, sess.CachedInputTokens, sess.OutputTokens, string(sess.Status))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	var (
		sess                 Session
		summary, cwd, status sql.NullString
	)
	err := row.Scan(&sess.ID, &summary, &sess.Provider, &sess.Model, &cwd,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LLMTurns, &sess.ToolCalls,
		&sess.InputTokens, &sess.CachedInputTokens, &sess.OutputTokens, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess.Summary, sess.CWD, sess.Status = summary.String, cwd.String, SessionStatus(status.String)
	return &sess, nil
}

// Delete removes a session; its messages go with it by cascade.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res, id)
}

// List returns matching sessions, most recently updated first. A zero
// limit means 50.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	var (
		where []string
		args  []any
	)
	if opts.Provider != "" {
		where, args = append(where, "s.provider = ?"), append(args, opts.Provider)
	}
	if opts.Status != "" {
		where, args = append(where, "s.status = ?"), append(args, string(opts.Status))
	}

	var q strings.Builder
	q.WriteString(`SELECT s.id, s.summary, s.provider, s.model, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
		s.llm_turns, s.tool_calls, s.input_tokens, s.output_tokens, s.status
		FROM sessions s`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY s.updated_at DESC, s.rowid DESC LIMIT ? OFFSET ?")
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum             SessionSummary
			summary, status sql.NullString
		)
		if err := rows.Scan(&sum.ID, &summary, &sum.Provider, &sum.Model, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.MessageCount, &sum.LLMTurns, &sum.ToolCalls, &sum.InputTokens, &sum.OutputTokens, &status); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sum.Summary, sum.Status = summary.String, SessionStatus(status.String)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AddMessage stores msg and bumps the session's updated_at. A negative
// Sequence takes the next free one for the session.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg *Message) error {
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	parts, err := msg.PartsJSON()
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if msg.Sequence < 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(sequence) + 1, 0) FROM messages WHERE session_id = ?`,
				sessionID).Scan(&msg.Sequence); err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, parts, text_content, created_at, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, string(msg.Role), parts, nullString(msg.TextContent), msg.CreatedAt, msg.Sequence)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg.ID, _ = res.LastInsertId()
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("add message to %s: %w", sessionID, err)
	}
	return nil
}

// GetMessages returns messages in sequence order; limit <= 0 means all.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, parts, text_content, created_at, sequence
		FROM messages WHERE session_id = ? ORDER BY sequence LIMIT ? OFFSET ?`,
		sessionID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg   Message
			parts string
			text  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &parts, &text, &msg.CreatedAt, &msg.Sequence); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := msg.SetPartsFromJSON(parts); err != nil {
			return nil, fmt.Errorf("decode parts of message %d: %w", msg.ID, err)
		}
		msg.TextContent = text.String
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateMetrics(ctx context.Context, id string, llmTurns, toolCalls, inputTokens, outputTokens, cachedInputTokens int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		llm_turns = llm_turns + ?, tool_calls = tool_calls + ?,
		input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		cached_input_tokens = cached_input_tokens + ?, updated_at = ?
		WHERE id = ?`,
		llmTurns, toolCalls, inputTokens, outputTokens, cachedInputTokens, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// requireRow turns a statement that touched no rows into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
