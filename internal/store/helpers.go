package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/maria-ai/maria-agent/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanMessages scans transcript rows shared by the SQLite and Postgres stores.
func scanMessages(rows *sql.Rows, identifier string) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var buttonsJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Text, &msg.Sender, &msg.IsTyping, &buttonsJSON, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("scan message row failed: %w", err)
		}
		if buttonsJSON.Valid && buttonsJSON.String != "" {
			if err := json.Unmarshal([]byte(buttonsJSON.String), &msg.Buttons); err != nil {
				return nil, fmt.Errorf("unmarshal buttons failed: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows failed: %w", err)
	}
	slog.Debug("store scanMessages succeeded", "identifier", identifier, "count", len(messages))
	return messages, nil
}

// scanUploadRecords scans upload rows shared by the SQLite and Postgres stores.
func scanUploadRecords(rows *sql.Rows, identifier string) ([]models.FileUploadRecord, error) {
	var records []models.FileUploadRecord
	for rows.Next() {
		var rec models.FileUploadRecord
		var remoteKey, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Identifier, &rec.Name, &rec.Size, &rec.MimeType,
			&rec.Status, &rec.Progress, &remoteKey, &errMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan upload record row failed: %w", err)
		}
		rec.RemoteKey = remoteKey.String
		rec.Error = errMsg.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload record rows failed: %w", err)
	}
	slog.Debug("store scanUploadRecords succeeded", "identifier", identifier, "count", len(records))
	return records, nil
}
