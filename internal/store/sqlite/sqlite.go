// Package sqlite is the single-file store variant. It uses the pure-Go
// sqlite driver so the binary stays cgo-free, and runs its own embedded
// migrations on open.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store persists sessions and messages in a single sqlite database file.
// Writes are synchronous, so Flush is a no-op.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies pending
// migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite store: load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite store: apply migrations: %w", err)
	}
	return nil
}

func (s *Store) SaveSession(info store.Session) error {
	meta, err := json.Marshal(orEmptyMap(info.Metadata))
	if err != nil {
		return fmt.Errorf("sqlite store: encode session metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, parent_id, title, directory, created, updated, summary, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = excluded.parent_id,
			title     = excluded.title,
			directory = excluded.directory,
			updated   = excluded.updated,
			summary   = excluded.summary,
			metadata  = excluded.metadata`,
		info.ID, info.ParentID, info.Title, info.Directory, info.Created, info.Updated, info.Summary, string(meta))
	if err != nil {
		return fmt.Errorf("sqlite store: save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (store.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, parent_id, title, directory, created, updated, summary, metadata
		FROM sessions WHERE id = ?`, id)
	info, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	return info, err
}

func (s *Store) ListSessions() ([]store.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, parent_id, title, directory, created, updated, summary, metadata
		FROM sessions ORDER BY updated DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			slog.Warn("sqlite store: skipping corrupt session row", "error", err)
			continue
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite store: delete session: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite store: delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite store: delete session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveMessage(sessionID string, msg store.Message) error {
	meta, err := json.Marshal(orEmptyMap(msg.Metadata))
	if err != nil {
		return fmt.Errorf("sqlite store: encode message metadata: %w", err)
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("sqlite store: encode message parts: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, session_id, role, timestamp, metadata, parts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET
			role      = excluded.role,
			timestamp = excluded.timestamp,
			metadata  = excluded.metadata,
			parts     = excluded.parts`,
		msg.ID, sessionID, msg.Role, msg.Timestamp, string(meta), string(parts))
	if err != nil {
		return fmt.Errorf("sqlite store: save message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(sessionID, msgID string) (store.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, role, timestamp, metadata, parts
		FROM messages WHERE session_id = ? AND id = ?`, sessionID, msgID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ErrNotFound
	}
	return msg, err
}

func (s *Store) GetMessages(sessionID string) ([]store.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, timestamp, metadata, parts
		FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			slog.Warn("sqlite store: skipping corrupt message row", "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMessages(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite store: delete messages: %w", err)
	}
	return nil
}

func (s *Store) Flush() error { return nil }

func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite store: clear: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("sqlite store: clear messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("sqlite store: clear sessions: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (store.Session, error) {
	var info store.Session
	var meta string
	err := row.Scan(&info.ID, &info.ParentID, &info.Title, &info.Directory,
		&info.Created, &info.Updated, &info.Summary, &meta)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal([]byte(meta), &info.Metadata); err != nil {
		return info, fmt.Errorf("decode session %s metadata: %w", info.ID, err)
	}
	if len(info.Metadata) == 0 {
		info.Metadata = nil
	}
	return info, nil
}

func scanMessage(row rowScanner) (store.Message, error) {
	var msg store.Message
	var meta, parts string
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Timestamp, &meta, &parts)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
		return msg, fmt.Errorf("decode message %s metadata: %w", msg.ID, err)
	}
	if len(msg.Metadata) == 0 {
		msg.Metadata = nil
	}
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return msg, fmt.Errorf("decode message %s parts: %w", msg.ID, err)
	}
	return msg, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
