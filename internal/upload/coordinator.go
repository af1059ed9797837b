// Package upload coordinates document uploads for a conversation session.
//
// A selection that would exceed the slot count is rejected as a whole batch.
// Within an accepted batch every file validates independently: a failing file
// is marked error without blocking the valid ones. Accepted files upload
// concurrently, each reporting progress under its own record. Failed uploads
// are never retried automatically; retry is an explicit user action.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maria-ai/maria-agent/internal/models"
	"github.com/maria-ai/maria-agent/internal/store"
)

// Backend is the subset of the backend client the coordinator depends on.
type Backend interface {
	UploadFile(ctx context.Context, identifier string, meta models.FileMeta, content io.Reader, progress func(int)) (string, error)
	DeleteFile(ctx context.Context, identifier, fileKey string) error
}

// File is a selected file together with its content.
type File struct {
	Meta    models.FileMeta
	Content []byte
}

// entry pairs the persisted record with the content bytes needed for retry.
type entry struct {
	record  models.FileUploadRecord
	content []byte
}

// Coordinator tracks the upload slots for one conversation session.
type Coordinator struct {
	backend    Backend
	store      store.Store
	identifier string

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	onChange func(models.FileUploadRecord)
	wg       sync.WaitGroup
}

// Option configures an upload coordinator.
type Option func(*Coordinator)

// WithOnChange registers the hook invoked whenever a record changes. Used by
// the conversation adapter to surface progress.
func WithOnChange(fn func(models.FileUploadRecord)) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// NewCoordinator creates a coordinator for the given session identifier.
// Existing records for the session are loaded from the store so the slot
// count survives a reconnect.
func NewCoordinator(b Backend, st store.Store, identifier string, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		backend:    b,
		store:      st,
		identifier: identifier,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	records, err := st.GetUploadRecords(identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload records: %w", err)
	}
	for _, rec := range records {
		// In-flight uploads from a previous process cannot resume; content is
		// gone, so they surface as retryable errors.
		if rec.Status == models.UploadStatusUploading || rec.Status == models.UploadStatusQueued {
			rec.Status = models.UploadStatusError
			rec.Error = "upload interrupted"
		}
		c.entries[rec.ID] = &entry{record: rec}
		c.order = append(c.order, rec.ID)
	}
	return c, nil
}

// Select registers a batch of files. A batch that would exceed the slot count
// is rejected outright with no file starting its upload. Within an accepted
// batch each file validates on its own: bad MIME type or oversized files are
// recorded as error while the valid files upload concurrently.
func (c *Coordinator) Select(ctx context.Context, files []File) ([]models.FileUploadRecord, error) {
	if len(files) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	if len(c.order)+len(files) > models.MaxUploadFiles {
		c.mu.Unlock()
		slog.Warn("upload.Select: batch exceeds slot count",
			"identifier", c.identifier, "existing", len(c.order), "selected", len(files))
		return nil, models.ErrTooManyFiles
	}

	now := time.Now()
	batch := make([]models.FileUploadRecord, 0, len(files))
	for _, f := range files {
		rec := models.FileUploadRecord{
			ID:         uuid.NewString(),
			Identifier: c.identifier,
			Name:       f.Meta.Name,
			Size:       f.Meta.Size,
			MimeType:   f.Meta.MimeType,
			Status:     models.UploadStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		switch {
		case f.Meta.MimeType != models.AcceptedUploadMimeType:
			rec.Status = models.UploadStatusError
			rec.Error = models.ErrUnsupportedFileType.Error()
			slog.Warn("upload.Select: unsupported file type",
				"identifier", c.identifier, "name", f.Meta.Name, "mimeType", f.Meta.MimeType)
		case f.Meta.Size > models.MaxUploadFileSize:
			rec.Status = models.UploadStatusError
			rec.Error = models.ErrFileTooLarge.Error()
			slog.Warn("upload.Select: oversized file",
				"identifier", c.identifier, "name", f.Meta.Name, "size", f.Meta.Size)
		}
		c.entries[rec.ID] = &entry{record: rec, content: f.Content}
		c.order = append(c.order, rec.ID)
		batch = append(batch, rec)
	}
	c.mu.Unlock()

	for _, rec := range batch {
		c.persist(rec)
		c.notify(rec)
		if rec.Status == models.UploadStatusQueued {
			c.startUpload(ctx, rec.ID)
		}
	}
	slog.Info("upload.Select: batch registered", "identifier", c.identifier, "count", len(batch))
	return batch, nil
}

// Retry re-uploads a file whose previous attempt failed.
func (c *Coordinator) Retry(ctx context.Context, fileID string) error {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	if !ok {
		c.mu.Unlock()
		return models.ErrFileNotFound
	}
	if e.record.Status != models.UploadStatusError {
		status := e.record.Status
		c.mu.Unlock()
		return fmt.Errorf("file %q is %s, only failed uploads can be retried", fileID, status)
	}
	if e.content == nil {
		c.mu.Unlock()
		return fmt.Errorf("file %q has no content to retry, remove and select it again", fileID)
	}
	// Validation failures do not become uploadable by retrying.
	if e.record.MimeType != models.AcceptedUploadMimeType {
		c.mu.Unlock()
		return fmt.Errorf("%q: %w", e.record.Name, models.ErrUnsupportedFileType)
	}
	if e.record.Size > models.MaxUploadFileSize {
		c.mu.Unlock()
		return fmt.Errorf("%q: %w", e.record.Name, models.ErrFileTooLarge)
	}
	e.record.Status = models.UploadStatusQueued
	e.record.Progress = 0
	e.record.Error = ""
	e.record.UpdatedAt = time.Now()
	rec := e.record
	c.mu.Unlock()

	c.persist(rec)
	c.notify(rec)
	slog.Info("upload.Retry: retrying upload", "identifier", c.identifier, "fileID", fileID)
	c.startUpload(ctx, fileID)
	return nil
}

// Remove deletes a tracked file. The remote copy is removed best-effort: a
// failed remote delete still frees the slot locally.
func (c *Coordinator) Remove(ctx context.Context, fileID string) error {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	if !ok {
		c.mu.Unlock()
		return models.ErrFileNotFound
	}
	remoteKey := e.record.RemoteKey
	delete(c.entries, fileID)
	for n, id := range c.order {
		if id == fileID {
			c.order = append(c.order[:n], c.order[n+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if remoteKey != "" {
		if err := c.backend.DeleteFile(ctx, c.identifier, remoteKey); err != nil {
			slog.Warn("upload.Remove: remote delete failed, slot freed anyway",
				"identifier", c.identifier, "fileID", fileID, "error", err)
		}
	}
	if err := c.store.DeleteUploadRecord(c.identifier, fileID); err != nil {
		slog.Error("upload.Remove: failed to delete record", "identifier", c.identifier, "fileID", fileID, "error", err)
	}
	slog.Info("upload.Remove: file removed", "identifier", c.identifier, "fileID", fileID)
	return nil
}

// Records returns a snapshot of all tracked records in selection order.
func (c *Coordinator) Records() []models.FileUploadRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]models.FileUploadRecord, 0, len(c.order))
	for _, id := range c.order {
		records = append(records, c.entries[id].record)
	}
	return records
}

// ContinueAllowed reports whether the conversation may advance past the
// upload step: at least one file fully uploaded.
func (c *Coordinator) ContinueAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.record.Status == models.UploadStatusUploaded {
			return true
		}
	}
	return false
}

// UploadedCount returns how many files have completed their upload.
func (c *Coordinator) UploadedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, e := range c.entries {
		if e.record.Status == models.UploadStatusUploaded {
			count++
		}
	}
	return count
}

// Clear removes every tracked file, deleting uploaded remote copies
// best-effort. Used on full session reset.
func (c *Coordinator) Clear(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		if e.record.RemoteKey != "" {
			keys = append(keys, e.record.RemoteKey)
		}
	}
	sort.Strings(keys)
	c.entries = make(map[string]*entry)
	c.order = nil
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.backend.DeleteFile(ctx, c.identifier, key); err != nil {
			slog.Warn("upload.Clear: remote delete failed", "identifier", c.identifier, "error", err)
		}
	}
	if err := c.store.DeleteUploadRecords(c.identifier); err != nil {
		slog.Error("upload.Clear: failed to delete records", "identifier", c.identifier, "error", err)
	}
}

// Wait blocks until all in-flight uploads settle. Used by tests and teardown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// startUpload launches the upload goroutine for one file. Each file uploads
// independently; a failure in one never touches the others.
func (c *Coordinator) startUpload(ctx context.Context, fileID string) {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.record.Status = models.UploadStatusUploading
	e.record.UpdatedAt = time.Now()
	rec := e.record
	meta := models.FileMeta{Name: rec.Name, Size: rec.Size, MimeType: rec.MimeType}
	content := e.content
	c.mu.Unlock()

	c.persist(rec)
	c.notify(rec)

	// Uploads outlive the HTTP request that selected them. Detach from the
	// caller's cancellation so a handler returning cannot abort the transfer.
	ctx = context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		key, err := c.backend.UploadFile(ctx, c.identifier, meta, bytes.NewReader(content), func(pct int) {
			c.setProgress(fileID, pct)
		})
		if err != nil {
			slog.Error("upload: upload failed", "identifier", c.identifier, "fileID", fileID, "name", meta.Name, "error", err)
			c.settle(fileID, models.UploadStatusError, "", err.Error())
			return
		}
		slog.Info("upload: upload complete", "identifier", c.identifier, "fileID", fileID, "name", meta.Name)
		c.settle(fileID, models.UploadStatusUploaded, key, "")
	}()
}

// setProgress records per-file progress. Progress only moves forward.
func (c *Coordinator) setProgress(fileID string, pct int) {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	if !ok || e.record.Status != models.UploadStatusUploading || pct <= e.record.Progress {
		c.mu.Unlock()
		return
	}
	e.record.Progress = pct
	e.record.UpdatedAt = time.Now()
	rec := e.record
	c.mu.Unlock()
	c.notify(rec)
}

func (c *Coordinator) settle(fileID string, status models.UploadStatus, remoteKey, errMsg string) {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	if !ok {
		// Removed while in flight; nothing to record.
		c.mu.Unlock()
		return
	}
	e.record.Status = status
	e.record.RemoteKey = remoteKey
	e.record.Error = errMsg
	e.record.UpdatedAt = time.Now()
	if status == models.UploadStatusUploaded {
		e.record.Progress = 100
		e.content = nil
	}
	rec := e.record
	c.mu.Unlock()

	c.persist(rec)
	c.notify(rec)
}

func (c *Coordinator) persist(rec models.FileUploadRecord) {
	if err := c.store.SaveUploadRecord(rec); err != nil {
		slog.Error("upload: failed to persist record", "identifier", c.identifier, "fileID", rec.ID, "error", err)
	}
}

func (c *Coordinator) notify(rec models.FileUploadRecord) {
	if c.onChange != nil {
		c.onChange(rec)
	}
}
