package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maria-ai/maria-agent/internal/backend"
	"github.com/maria-ai/maria-agent/internal/models"
	"github.com/maria-ai/maria-agent/internal/store"
)

// fakeUploadBackend scripts the file endpoints and counts calls.
type fakeUploadBackend struct {
	uploadCalls atomic.Int32
	deleteCalls atomic.Int32

	mu      sync.Mutex
	deleted []string

	uploadFn func(ctx context.Context, meta models.FileMeta, progress func(int)) (string, error)
	deleteFn func(fileKey string) error
}

func (f *fakeUploadBackend) UploadFile(ctx context.Context, identifier string, meta models.FileMeta, content io.Reader, progress func(int)) (string, error) {
	f.uploadCalls.Add(1)
	if f.uploadFn != nil {
		return f.uploadFn(ctx, meta, progress)
	}
	progress(50)
	progress(100)
	return "uploads/" + meta.Name, nil
}

func (f *fakeUploadBackend) DeleteFile(ctx context.Context, identifier, fileKey string) error {
	f.deleteCalls.Add(1)
	f.mu.Lock()
	f.deleted = append(f.deleted, fileKey)
	f.mu.Unlock()
	if f.deleteFn != nil {
		return f.deleteFn(fileKey)
	}
	return nil
}

func pdf(name string, size int64) File {
	return File{
		Meta:    models.FileMeta{Name: name, Size: size, MimeType: models.AcceptedUploadMimeType},
		Content: []byte(strings.Repeat("x", 8)),
	}
}

func newTestCoordinator(t *testing.T, fb *fakeUploadBackend, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(fb, store.NewInMemoryStore(), "sess-1", opts...)
	if err != nil {
		t.Fatalf("NewCoordinator error: %v", err)
	}
	return c
}

func TestSelectUploadsAcceptedBatch(t *testing.T) {
	fb := &fakeUploadBackend{}
	c := newTestCoordinator(t, fb)

	records, err := c.Select(context.Background(), []File{pdf("a.pdf", 100), pdf("b.pdf", 200)})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	c.Wait()

	for _, rec := range c.Records() {
		if rec.Status != models.UploadStatusUploaded || rec.Progress != 100 {
			t.Errorf("record %q not settled: %+v", rec.Name, rec)
		}
		if rec.RemoteKey == "" {
			t.Errorf("record %q missing remote key", rec.Name)
		}
	}
	if !c.ContinueAllowed() {
		t.Errorf("continue must be allowed after a successful upload")
	}
	if got := c.UploadedCount(); got != 2 {
		t.Errorf("expected 2 uploaded, got %d", got)
	}
}

func TestSelectRejectsWholeBatchOverSlotCount(t *testing.T) {
	// Four files selected at once: the entire batch is rejected and no
	// upload ever starts.
	fb := &fakeUploadBackend{}
	c := newTestCoordinator(t, fb)

	batch := []File{pdf("a.pdf", 1), pdf("b.pdf", 1), pdf("c.pdf", 1), pdf("d.pdf", 1)}
	_, err := c.Select(context.Background(), batch)
	if !errors.Is(err, models.ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}
	if n := fb.uploadCalls.Load(); n != 0 {
		t.Errorf("expected no uploads, got %d", n)
	}
	if len(c.Records()) != 0 {
		t.Errorf("expected no records, got %d", len(c.Records()))
	}
}

func TestSelectCountsExistingSlots(t *testing.T) {
	fb := &fakeUploadBackend{}
	c := newTestCoordinator(t, fb)

	if _, err := c.Select(context.Background(), []File{pdf("a.pdf", 1), pdf("b.pdf", 1)}); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	c.Wait()

	_, err := c.Select(context.Background(), []File{pdf("c.pdf", 1), pdf("d.pdf", 1)})
	if !errors.Is(err, models.ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}
	if len(c.Records()) != 2 {
		t.Errorf("rejected batch must not add records, got %d", len(c.Records()))
	}
}

func TestSelectMarksBadFilesWithoutBlockingValidOnes(t *testing.T) {
	fb := &fakeUploadBackend{}
	c := newTestCoordinator(t, fb)

	batch := []File{
		pdf("ok.pdf", 10),
		pdf("big.pdf", models.MaxUploadFileSize+1),
		{Meta: models.FileMeta{Name: "pic.png", Size: 10, MimeType: "image/png"}},
	}
	records, err := c.Select(context.Background(), batch)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	c.Wait()

	records = c.Records()
	if records[0].Status != models.UploadStatusUploaded {
		t.Errorf("valid file must upload despite bad batch mates: %+v", records[0])
	}
	if records[1].Status != models.UploadStatusError || records[1].Error != models.ErrFileTooLarge.Error() {
		t.Errorf("oversized file not marked: %+v", records[1])
	}
	if records[2].Status != models.UploadStatusError || records[2].Error != models.ErrUnsupportedFileType.Error() {
		t.Errorf("wrong-type file not marked: %+v", records[2])
	}
	if n := fb.uploadCalls.Load(); n != 1 {
		t.Errorf("expected 1 upload for the valid file, got %d", n)
	}
}

func TestRetryRejectsValidationFailures(t *testing.T) {
	fb := &fakeUploadBackend{}
	c := newTestCoordinator(t, fb)

	records, err := c.Select(context.Background(), []File{
		{Meta: models.FileMeta{Name: "pic.png", Size: 10, MimeType: "image/png"}, Content: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if err := c.Retry(context.Background(), records[0].ID); !errors.Is(err, models.ErrUnsupportedFileType) {
		t.Errorf("expected ErrUnsupportedFileType, got %v", err)
	}
	if n := fb.uploadCalls.Load(); n != 0 {
		t.Errorf("validation failure must never upload, got %d calls", n)
	}
}

func TestUploadDetachesFromCallerContext(t *testing.T) {
	fb := &fakeUploadBackend{
		uploadFn: func(ctx context.Context, meta models.FileMeta, progress func(int)) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", backend.NewError(backend.KindNetwork, "upload aborted", err)
			}
			progress(100)
			return "uploads/" + meta.Name, nil
		},
	}
	c := newTestCoordinator(t, fb)

	// The HTTP layer hands Select a request-scoped context that is cancelled
	// the moment the handler returns; uploads must keep going regardless.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Select(ctx, []File{pdf("a.pdf", 100)}); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	c.Wait()

	rec := c.Records()[0]
	if rec.Status != models.UploadStatusUploaded {
		t.Errorf("upload died with the caller's context: %+v", rec)
	}
}

func TestFailedUploadIsNotRetriedAutomatically(t *testing.T) {
	fb := &fakeUploadBackend{
		uploadFn: func(_ context.Context, meta models.FileMeta, progress func(int)) (string, error) {
			return "", backend.NewError(backend.KindNetwork, "down", errors.New("refused"))
		},
	}
	c := newTestCoordinator(t, fb)

	if _, err := c.Select(context.Background(), []File{pdf("a.pdf", 100)}); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	c.Wait()

	records := c.Records()
	if records[0].Status != models.UploadStatusError || records[0].Error == "" {
		t.Errorf("expected error status, got %+v", records[0])
	}
	if n := fb.uploadCalls.Load(); n != 1 {
		t.Errorf("failed upload must not retry itself, got %d calls", n)
	}
	if c.ContinueAllowed() {
		t.Errorf("continue must stay blocked with zero uploaded files")
	}
}

func TestRetryReuploadsFailedFile(t *testing.T) {
	failed := true
	fb := &fakeUploadBackend{
		uploadFn: func(_ context.Context, meta models.FileMeta, progress func(int)) (string, error) {
			if failed {
				failed = false
				return "", backend.NewError(backend.KindTimeout, "slow", nil)
			}
			progress(100)
			return "uploads/" + meta.Name, nil
		},
	}
	c := newTestCoordinator(t, fb)

	records, _ := c.Select(context.Background(), []File{pdf("a.pdf", 100)})
	c.Wait()

	if err := c.Retry(context.Background(), records[0].ID); err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	c.Wait()

	rec := c.Records()[0]
	if rec.Status != models.UploadStatusUploaded || rec.Error != "" {
		t.Errorf("expected settled upload after retry, got %+v", rec)
	}
}

func TestRetryRejectsUploadedFile(t *testing.T) {
	fb := &fakeUploadBackend{}
	c := newTestCoordinator(t, fb)

	records, _ := c.Select(context.Background(), []File{pdf("a.pdf", 100)})
	c.Wait()

	if err := c.Retry(context.Background(), records[0].ID); err == nil {
		t.Errorf("expected rejection for retry of an uploaded file")
	}
	if err := c.Retry(context.Background(), "missing"); !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestRemoveDeletesRemoteCopyBestEffort(t *testing.T) {
	fb := &fakeUploadBackend{
		deleteFn: func(string) error {
			return backend.NewError(backend.KindNetwork, "down", nil)
		},
	}
	c := newTestCoordinator(t, fb)

	records, _ := c.Select(context.Background(), []File{pdf("a.pdf", 100)})
	c.Wait()

	// Remote delete fails but the slot frees anyway.
	if err := c.Remove(context.Background(), records[0].ID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if n := fb.deleteCalls.Load(); n != 1 {
		t.Errorf("expected 1 delete call, got %d", n)
	}
	if len(c.Records()) != 0 {
		t.Errorf("expected slot freed, got %d records", len(c.Records()))
	}
}

func TestRemoveErroredFileSkipsRemoteDelete(t *testing.T) {
	fb := &fakeUploadBackend{
		uploadFn: func(context.Context, models.FileMeta, func(int)) (string, error) {
			return "", backend.NewError(backend.KindServer, "boom", nil)
		},
	}
	c := newTestCoordinator(t, fb)

	records, _ := c.Select(context.Background(), []File{pdf("a.pdf", 100)})
	c.Wait()

	if err := c.Remove(context.Background(), records[0].ID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if n := fb.deleteCalls.Load(); n != 0 {
		t.Errorf("file without a remote key must not trigger a delete, got %d", n)
	}
}

func TestProgressIsMonotonicPerFile(t *testing.T) {
	fb := &fakeUploadBackend{
		uploadFn: func(_ context.Context, meta models.FileMeta, progress func(int)) (string, error) {
			for _, pct := range []int{10, 40, 30, 70, 100} {
				progress(pct)
			}
			return "uploads/" + meta.Name, nil
		},
	}

	var mu sync.Mutex
	seen := map[string][]int{}
	c := newTestCoordinator(t, fb, WithOnChange(func(rec models.FileUploadRecord) {
		mu.Lock()
		seen[rec.ID] = append(seen[rec.ID], rec.Progress)
		mu.Unlock()
	}))

	if _, err := c.Select(context.Background(), []File{pdf("a.pdf", 100), pdf("b.pdf", 100)}); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, progress := range seen {
		last := -1
		for _, pct := range progress {
			if pct < last {
				t.Errorf("file %q: progress went backwards: %v", id, progress)
				break
			}
			last = pct
		}
		if last != 100 {
			t.Errorf("file %q: progress ended at %d", id, last)
		}
	}
}

func TestClearRemovesEverything(t *testing.T) {
	fb := &fakeUploadBackend{}
	st := store.NewInMemoryStore()
	c, err := NewCoordinator(fb, st, "sess-1")
	if err != nil {
		t.Fatalf("NewCoordinator error: %v", err)
	}

	c.Select(context.Background(), []File{pdf("a.pdf", 100), pdf("b.pdf", 100)})
	c.Wait()

	c.Clear(context.Background())
	if len(c.Records()) != 0 {
		t.Errorf("expected no records after clear")
	}
	if n := fb.deleteCalls.Load(); n != 2 {
		t.Errorf("expected 2 remote deletes, got %d", n)
	}
	persisted, _ := st.GetUploadRecords("sess-1")
	if len(persisted) != 0 {
		t.Errorf("expected store cleared, got %d records", len(persisted))
	}
}

func TestNewCoordinatorRestoresRecordsFromStore(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveUploadRecord(models.FileUploadRecord{
		ID: "f1", Identifier: "sess-1", Name: "a.pdf",
		Size: 100, MimeType: models.AcceptedUploadMimeType,
		Status: models.UploadStatusUploaded, Progress: 100, RemoteKey: "uploads/a.pdf",
	})
	st.SaveUploadRecord(models.FileUploadRecord{
		ID: "f2", Identifier: "sess-1", Name: "b.pdf",
		Size: 100, MimeType: models.AcceptedUploadMimeType,
		Status: models.UploadStatusUploading, Progress: 40,
	})

	c, err := NewCoordinator(&fakeUploadBackend{}, st, "sess-1")
	if err != nil {
		t.Fatalf("NewCoordinator error: %v", err)
	}

	records := c.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 restored records, got %d", len(records))
	}
	if records[0].Status != models.UploadStatusUploaded {
		t.Errorf("settled upload must survive restore: %+v", records[0])
	}
	if records[1].Status != models.UploadStatusError {
		t.Errorf("interrupted upload must surface as retryable error: %+v", records[1])
	}
	if !c.ContinueAllowed() {
		t.Errorf("continue must be allowed with one restored upload")
	}
}
