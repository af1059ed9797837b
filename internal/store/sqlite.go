// Package store provides storage backends for the Maria conversation engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/maria-ai/maria-agent/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions, transcripts and upload records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options. The DSN
// is a file path; missing parent directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveSession inserts or replaces a session record.
func (s *SQLiteStore) SaveSession(rec models.SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (identifier, current_state, user_name, user_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Identifier, rec.CurrentState, rec.UserName, rec.UserEmail, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "identifier", rec.Identifier)
		return fmt.Errorf("failed to save session %s: %w", rec.Identifier, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "identifier", rec.Identifier, "state", rec.CurrentState)
	return nil
}

// GetSession returns the session for an identifier, or nil when absent.
func (s *SQLiteStore) GetSession(identifier string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var userName, userEmail sql.NullString
	err := s.db.QueryRow(`
		SELECT identifier, current_state, user_name, user_email, created_at, updated_at
		FROM sessions WHERE identifier = ?`, identifier).
		Scan(&rec.Identifier, &rec.CurrentState, &userName, &userEmail, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "identifier", identifier)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "identifier", identifier)
		return nil, fmt.Errorf("failed to get session %s: %w", identifier, err)
	}
	rec.UserName = userName.String
	rec.UserEmail = userEmail.String
	return &rec, nil
}

// DeleteSession removes the session record.
func (s *SQLiteStore) DeleteSession(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE identifier = ?`, identifier)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete session %s: %w", identifier, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "identifier", identifier)
	return nil
}

// AppendMessage appends a transcript message for a session.
func (s *SQLiteStore) AppendMessage(identifier string, msg models.Message) error {
	buttonsJSON, err := marshalButtons(msg.Buttons)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage buttons marshal failed", "error", err, "identifier", identifier)
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO messages (identifier, message_id, body, sender, is_typing, buttons, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		identifier, msg.ID, msg.Text, msg.Sender, msg.IsTyping, buttonsJSON, msg.SentAt)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "identifier", identifier, "messageID", msg.ID)
		return fmt.Errorf("failed to append message for %s: %w", identifier, err)
	}
	return nil
}

// GetMessages returns the transcript in insertion order.
func (s *SQLiteStore) GetMessages(identifier string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, body, sender, is_typing, buttons, sent_at
		FROM messages WHERE identifier = ? ORDER BY message_id`, identifier)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "identifier", identifier)
		return nil, fmt.Errorf("failed to query messages for %s: %w", identifier, err)
	}
	defer rows.Close()
	return scanMessages(rows, identifier)
}

// DeleteMessages removes the whole transcript for a session.
func (s *SQLiteStore) DeleteMessages(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE identifier = ?`, identifier)
	if err != nil {
		slog.Error("SQLiteStore DeleteMessages failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete messages for %s: %w", identifier, err)
	}
	return nil
}

// SaveUploadRecord inserts or replaces an upload record.
func (s *SQLiteStore) SaveUploadRecord(rec models.FileUploadRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO upload_records (id, identifier, name, size, mime_type, status, progress, remote_key, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Identifier, rec.Name, rec.Size, rec.MimeType, rec.Status, rec.Progress,
		nilIfEmpty(rec.RemoteKey), nilIfEmpty(rec.Error), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUploadRecord failed", "error", err, "identifier", rec.Identifier, "fileID", rec.ID)
		return fmt.Errorf("failed to save upload record %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore SaveUploadRecord succeeded", "identifier", rec.Identifier, "fileID", rec.ID, "status", rec.Status)
	return nil
}

// GetUploadRecords returns upload records for a session, oldest first.
func (s *SQLiteStore) GetUploadRecords(identifier string) ([]models.FileUploadRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, identifier, name, size, mime_type, status, progress, remote_key, error, created_at, updated_at
		FROM upload_records WHERE identifier = ? ORDER BY created_at, id`, identifier)
	if err != nil {
		slog.Error("SQLiteStore GetUploadRecords query failed", "error", err, "identifier", identifier)
		return nil, fmt.Errorf("failed to query upload records for %s: %w", identifier, err)
	}
	defer rows.Close()
	return scanUploadRecords(rows, identifier)
}

// DeleteUploadRecord removes a single upload record.
func (s *SQLiteStore) DeleteUploadRecord(identifier, fileID string) error {
	_, err := s.db.Exec(`DELETE FROM upload_records WHERE identifier = ? AND id = ?`, identifier, fileID)
	if err != nil {
		slog.Error("SQLiteStore DeleteUploadRecord failed", "error", err, "identifier", identifier, "fileID", fileID)
		return fmt.Errorf("failed to delete upload record %s: %w", fileID, err)
	}
	return nil
}

// DeleteUploadRecords removes all upload records for a session.
func (s *SQLiteStore) DeleteUploadRecords(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM upload_records WHERE identifier = ?`, identifier)
	if err != nil {
		slog.Error("SQLiteStore DeleteUploadRecords failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete upload records for %s: %w", identifier, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// marshalButtons encodes a button set as JSON, empty sets as the empty string.
func marshalButtons(buttons []models.Button) (string, error) {
	if len(buttons) == 0 {
		return "", nil
	}
	data, err := json.Marshal(buttons)
	if err != nil {
		return "", fmt.Errorf("failed to marshal buttons: %w", err)
	}
	return string(data), nil
}
