// Package store provides storage backends for the Maria conversation engine.
//
// It persists session records, conversation transcripts and upload records so
// a conversation survives reloads. An in-memory store serves tests and
// development; SQLite and Postgres back production deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maria-ai/maria-agent/internal/models"
)

// Store is the persistence contract consumed by the conversation engine.
type Store interface {
	// SaveSession inserts or replaces a session record.
	SaveSession(rec models.SessionRecord) error
	// GetSession returns the session for an identifier, or nil when absent.
	GetSession(identifier string) (*models.SessionRecord, error)
	// DeleteSession removes the session record.
	DeleteSession(identifier string) error

	// AppendMessage appends a transcript message for a session.
	AppendMessage(identifier string, msg models.Message) error
	// GetMessages returns the transcript in insertion order.
	GetMessages(identifier string) ([]models.Message, error)
	// DeleteMessages removes the whole transcript for a session.
	DeleteMessages(identifier string) error

	// SaveUploadRecord inserts or replaces an upload record.
	SaveUploadRecord(rec models.FileUploadRecord) error
	// GetUploadRecords returns upload records for a session, oldest first.
	GetUploadRecords(identifier string) ([]models.FileUploadRecord, error)
	// DeleteUploadRecord removes a single upload record.
	DeleteUploadRecord(identifier, fileID string) error
	// DeleteUploadRecords removes all upload records for a session.
	DeleteUploadRecords(identifier string) error

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for persistent store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a mutex-guarded map-backed Store for tests and development.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.SessionRecord
	messages map[string][]models.Message
	uploads  map[string]map[string]models.FileUploadRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.SessionRecord),
		messages: make(map[string][]models.Message),
		uploads:  make(map[string]map[string]models.FileUploadRecord),
	}
}

// SaveSession inserts or replaces a session record.
func (s *InMemoryStore) SaveSession(rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.Identifier] = rec
	return nil
}

// GetSession returns the session for an identifier, or nil when absent.
func (s *InMemoryStore) GetSession(identifier string) (*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[identifier]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// DeleteSession removes the session record.
func (s *InMemoryStore) DeleteSession(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, identifier)
	return nil
}

// AppendMessage appends a transcript message for a session.
func (s *InMemoryStore) AppendMessage(identifier string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[identifier] = append(s.messages[identifier], msg)
	return nil
}

// GetMessages returns the transcript in insertion order.
func (s *InMemoryStore) GetMessages(identifier string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[identifier]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// DeleteMessages removes the whole transcript for a session.
func (s *InMemoryStore) DeleteMessages(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, identifier)
	return nil
}

// SaveUploadRecord inserts or replaces an upload record.
func (s *InMemoryStore) SaveUploadRecord(rec models.FileUploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.uploads[rec.Identifier]
	if !ok {
		byID = make(map[string]models.FileUploadRecord)
		s.uploads[rec.Identifier] = byID
	}
	if existing, exists := byID[rec.ID]; exists {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	byID[rec.ID] = rec
	return nil
}

// GetUploadRecords returns upload records for a session, oldest first.
func (s *InMemoryStore) GetUploadRecords(identifier string) ([]models.FileUploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.uploads[identifier]
	out := make([]models.FileUploadRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteUploadRecord removes a single upload record.
func (s *InMemoryStore) DeleteUploadRecord(identifier, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.uploads[identifier]; ok {
		delete(byID, fileID)
	}
	return nil
}

// DeleteUploadRecords removes all upload records for a session.
func (s *InMemoryStore) DeleteUploadRecords(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, identifier)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
