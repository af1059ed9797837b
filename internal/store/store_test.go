package store

import (
	"testing"
	"time"

	"github.com/maria-ai/maria-agent/internal/models"
)

func TestInMemorySessionRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	rec := models.SessionRecord{
		Identifier:   "sess-1",
		CurrentState: models.StateCollectingName,
		UserName:     "Ada",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession error: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got == nil || got.CurrentState != models.StateCollectingName || got.UserName != "Ada" {
		t.Errorf("unexpected session %+v", got)
	}

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}
	got, err = s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestInMemoryMessagesKeepInsertionOrder(t *testing.T) {
	s := NewInMemoryStore()
	for i := 1; i <= 3; i++ {
		msg := models.Message{ID: i, Text: "m", Sender: models.SenderBot, SentAt: time.Now()}
		if err := s.AppendMessage("sess-1", msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}

	msgs, err := s.GetMessages("sess-1")
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.ID != i+1 {
			t.Errorf("message %d out of order, ID %d", i, msg.ID)
		}
	}

	if err := s.DeleteMessages("sess-1"); err != nil {
		t.Fatalf("DeleteMessages error: %v", err)
	}
	msgs, _ = s.GetMessages("sess-1")
	if len(msgs) != 0 {
		t.Errorf("expected empty transcript after delete, got %d", len(msgs))
	}
}

func TestInMemoryUploadRecords(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Now()
	for i, id := range []string{"f1", "f2", "f3"} {
		rec := models.FileUploadRecord{
			ID:         id,
			Identifier: "sess-1",
			Name:       id + ".pdf",
			Size:       100,
			MimeType:   models.AcceptedUploadMimeType,
			Status:     models.UploadStatusQueued,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt:  base,
		}
		if err := s.SaveUploadRecord(rec); err != nil {
			t.Fatalf("SaveUploadRecord error: %v", err)
		}
	}

	records, err := s.GetUploadRecords("sess-1")
	if err != nil {
		t.Fatalf("GetUploadRecords error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].ID != "f1" || records[2].ID != "f3" {
		t.Errorf("records out of order: %v", records)
	}

	// Status update preserves CreatedAt.
	updated := records[1]
	updated.Status = models.UploadStatusUploaded
	updated.Progress = 100
	if err := s.SaveUploadRecord(updated); err != nil {
		t.Fatalf("SaveUploadRecord update error: %v", err)
	}
	records, _ = s.GetUploadRecords("sess-1")
	if records[1].Status != models.UploadStatusUploaded || !records[1].CreatedAt.Equal(updated.CreatedAt) {
		t.Errorf("update lost fields: %+v", records[1])
	}

	if err := s.DeleteUploadRecord("sess-1", "f2"); err != nil {
		t.Fatalf("DeleteUploadRecord error: %v", err)
	}
	records, _ = s.GetUploadRecords("sess-1")
	if len(records) != 2 {
		t.Errorf("expected 2 records after delete, got %d", len(records))
	}

	if err := s.DeleteUploadRecords("sess-1"); err != nil {
		t.Fatalf("DeleteUploadRecords error: %v", err)
	}
	records, _ = s.GetUploadRecords("sess-1")
	if len(records) != 0 {
		t.Errorf("expected no records after bulk delete, got %d", len(records))
	}
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Errorf("expected error when DSN is missing")
	}
}

func TestPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(); err == nil {
		t.Errorf("expected error when DSN is missing")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	dsn := t.TempDir() + "/maria.db"
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Second)
	rec := models.SessionRecord{
		Identifier:   "sess-1",
		CurrentState: models.StateWelcome,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession error: %v", err)
	}
	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got == nil || got.CurrentState != models.StateWelcome {
		t.Fatalf("unexpected session %+v", got)
	}

	msg := models.Message{
		ID:     1,
		Text:   "Hi! I'm Maria.",
		Sender: models.SenderBot,
		Buttons: []models.Button{
			{Text: "Yes", Value: string(models.TransitionYesClicked)},
		},
		SentAt: now,
	}
	if err := s.AppendMessage("sess-1", msg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}
	msgs, err := s.GetMessages("sess-1")
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Buttons) != 1 || msgs[0].Buttons[0].Text != "Yes" {
		t.Errorf("unexpected messages %+v", msgs)
	}

	upload := models.FileUploadRecord{
		ID:         "f1",
		Identifier: "sess-1",
		Name:       "test.pdf",
		Size:       2 * 1024 * 1024,
		MimeType:   models.AcceptedUploadMimeType,
		Status:     models.UploadStatusUploaded,
		Progress:   100,
		RemoteKey:  "uploads/test.pdf",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.SaveUploadRecord(upload); err != nil {
		t.Fatalf("SaveUploadRecord error: %v", err)
	}
	records, err := s.GetUploadRecords("sess-1")
	if err != nil {
		t.Fatalf("GetUploadRecords error: %v", err)
	}
	if len(records) != 1 || records[0].RemoteKey != "uploads/test.pdf" {
		t.Errorf("unexpected upload records %+v", records)
	}
}
