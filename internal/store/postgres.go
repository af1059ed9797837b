// Package store provides storage backends for the Maria conversation engine.
//
// This file implements the Postgres-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/maria-ai/maria-agent/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions, transcripts and upload records in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveSession inserts or replaces a session record.
func (s *PostgresStore) SaveSession(rec models.SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (identifier, current_state, user_name, user_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identifier) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			user_name = EXCLUDED.user_name,
			user_email = EXCLUDED.user_email,
			updated_at = EXCLUDED.updated_at`,
		rec.Identifier, rec.CurrentState, rec.UserName, rec.UserEmail, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "identifier", rec.Identifier)
		return fmt.Errorf("failed to save session %s: %w", rec.Identifier, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "identifier", rec.Identifier, "state", rec.CurrentState)
	return nil
}

// GetSession returns the session for an identifier, or nil when absent.
func (s *PostgresStore) GetSession(identifier string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var userName, userEmail sql.NullString
	err := s.db.QueryRow(`
		SELECT identifier, current_state, user_name, user_email, created_at, updated_at
		FROM sessions WHERE identifier = $1`, identifier).
		Scan(&rec.Identifier, &rec.CurrentState, &userName, &userEmail, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "identifier", identifier)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "identifier", identifier)
		return nil, fmt.Errorf("failed to get session %s: %w", identifier, err)
	}
	rec.UserName = userName.String
	rec.UserEmail = userEmail.String
	return &rec, nil
}

// DeleteSession removes the session record.
func (s *PostgresStore) DeleteSession(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE identifier = $1`, identifier)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete session %s: %w", identifier, err)
	}
	return nil
}

// AppendMessage appends a transcript message for a session.
func (s *PostgresStore) AppendMessage(identifier string, msg models.Message) error {
	buttonsJSON, err := marshalButtons(msg.Buttons)
	if err != nil {
		slog.Error("PostgresStore AppendMessage buttons marshal failed", "error", err, "identifier", identifier)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (identifier, message_id, body, sender, is_typing, buttons, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identifier, message_id) DO UPDATE SET
			body = EXCLUDED.body,
			is_typing = EXCLUDED.is_typing,
			buttons = EXCLUDED.buttons`,
		identifier, msg.ID, msg.Text, msg.Sender, msg.IsTyping, nilIfEmpty(buttonsJSON), msg.SentAt)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "identifier", identifier, "messageID", msg.ID)
		return fmt.Errorf("failed to append message for %s: %w", identifier, err)
	}
	return nil
}

// GetMessages returns the transcript in insertion order.
func (s *PostgresStore) GetMessages(identifier string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, body, sender, is_typing, buttons, sent_at
		FROM messages WHERE identifier = $1 ORDER BY message_id`, identifier)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "identifier", identifier)
		return nil, fmt.Errorf("failed to query messages for %s: %w", identifier, err)
	}
	defer rows.Close()
	return scanMessages(rows, identifier)
}

// DeleteMessages removes the whole transcript for a session.
func (s *PostgresStore) DeleteMessages(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE identifier = $1`, identifier)
	if err != nil {
		slog.Error("PostgresStore DeleteMessages failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete messages for %s: %w", identifier, err)
	}
	return nil
}

// SaveUploadRecord inserts or replaces an upload record.
func (s *PostgresStore) SaveUploadRecord(rec models.FileUploadRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO upload_records (id, identifier, name, size, mime_type, status, progress, remote_key, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (identifier, id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			remote_key = EXCLUDED.remote_key,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Identifier, rec.Name, rec.Size, rec.MimeType, rec.Status, rec.Progress,
		nilIfEmpty(rec.RemoteKey), nilIfEmpty(rec.Error), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUploadRecord failed", "error", err, "identifier", rec.Identifier, "fileID", rec.ID)
		return fmt.Errorf("failed to save upload record %s: %w", rec.ID, err)
	}
	return nil
}

// GetUploadRecords returns upload records for a session, oldest first.
func (s *PostgresStore) GetUploadRecords(identifier string) ([]models.FileUploadRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, identifier, name, size, mime_type, status, progress, remote_key, error, created_at, updated_at
		FROM upload_records WHERE identifier = $1 ORDER BY created_at, id`, identifier)
	if err != nil {
		slog.Error("PostgresStore GetUploadRecords query failed", "error", err, "identifier", identifier)
		return nil, fmt.Errorf("failed to query upload records for %s: %w", identifier, err)
	}
	defer rows.Close()
	return scanUploadRecords(rows, identifier)
}

// DeleteUploadRecord removes a single upload record.
func (s *PostgresStore) DeleteUploadRecord(identifier, fileID string) error {
	_, err := s.db.Exec(`DELETE FROM upload_records WHERE identifier = $1 AND id = $2`, identifier, fileID)
	if err != nil {
		slog.Error("PostgresStore DeleteUploadRecord failed", "error", err, "identifier", identifier, "fileID", fileID)
		return fmt.Errorf("failed to delete upload record %s: %w", fileID, err)
	}
	return nil
}

// DeleteUploadRecords removes all upload records for a session.
func (s *PostgresStore) DeleteUploadRecords(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM upload_records WHERE identifier = $1`, identifier)
	if err != nil {
		slog.Error("PostgresStore DeleteUploadRecords failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete upload records for %s: %w", identifier, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
