package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maria-ai/maria-agent/internal/backend"
	"github.com/maria-ai/maria-agent/internal/retry"
)

// fakeBackend scripts identifier generation and validation for tests.
type fakeBackend struct {
	generateCalls atomic.Int32
	validateCalls atomic.Int32

	generateFn func() (string, error)
	validateFn func(identifier string) (backend.ValidationResult, error)
}

func (f *fakeBackend) GenerateIdentifier(ctx context.Context) (string, error) {
	f.generateCalls.Add(1)
	if f.generateFn != nil {
		return f.generateFn()
	}
	return uuid.NewString(), nil
}

func (f *fakeBackend) ValidateIdentifier(ctx context.Context, identifier string) (backend.ValidationResult, error) {
	f.validateCalls.Add(1)
	if f.validateFn != nil {
		return f.validateFn(identifier)
	}
	return backend.ValidationResult{Status: backend.ValidationValid, Identifier: identifier}, nil
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, Interval: time.Millisecond, Retryable: backend.IsRetryable}
}

func TestAcquireWithoutIdentifierGenerates(t *testing.T) {
	fb := &fakeBackend{}
	id := New(fb, testPolicy())

	result, err := id.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsValidIdentifier(result.Identifier) {
		t.Errorf("expected valid identifier, got %q", result.Identifier)
	}
	if result.Reset {
		t.Errorf("fresh acquisition must not signal reset")
	}
}

func TestAcquireKeepsValidIdentifier(t *testing.T) {
	fb := &fakeBackend{}
	id := New(fb, testPolicy())
	existing := uuid.NewString()

	result, err := id.Acquire(context.Background(), existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Identifier != existing || result.Reset {
		t.Errorf("expected identifier kept, got %+v", result)
	}
	if n := fb.generateCalls.Load(); n != 0 {
		t.Errorf("expected no generate calls, got %d", n)
	}
}

func TestAcquireMalformedIdentifierIsReplacedWithReset(t *testing.T) {
	fb := &fakeBackend{}
	id := New(fb, testPolicy())

	var resetOld, resetNew string
	id.OnReset(func(oldID, newID string) { resetOld, resetNew = oldID, newID })

	result, err := id.Acquire(context.Background(), "not-a-uuid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Reset {
		t.Errorf("expected reset for malformed identifier")
	}
	if resetOld != "not-a-uuid" || resetNew != result.Identifier {
		t.Errorf("reset hook got (%q, %q)", resetOld, resetNew)
	}
	if n := fb.validateCalls.Load(); n != 0 {
		t.Errorf("malformed identifier must not reach validation, got %d calls", n)
	}
}

func TestAcquireCollisionAdoptsReplacement(t *testing.T) {
	replacement := uuid.NewString()
	fb := &fakeBackend{
		validateFn: func(string) (backend.ValidationResult, error) {
			return backend.ValidationResult{Status: backend.ValidationCollision, Identifier: replacement}, nil
		},
	}
	id := New(fb, testPolicy())

	resetFired := false
	id.OnReset(func(oldID, newID string) { resetFired = true })

	result, err := id.Acquire(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Identifier != replacement || !result.Reset {
		t.Errorf("expected replacement adoption, got %+v", result)
	}
	if !resetFired {
		t.Errorf("collision must fire the reset hook")
	}
}

func TestAcquireInvalidIdentifierGetsFreshOne(t *testing.T) {
	fb := &fakeBackend{
		validateFn: func(string) (backend.ValidationResult, error) {
			return backend.ValidationResult{Status: backend.ValidationInvalid}, nil
		},
	}
	id := New(fb, testPolicy())

	presented := uuid.NewString()
	result, err := id.Acquire(context.Background(), presented)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Reset || result.Identifier == presented || !IsValidIdentifier(result.Identifier) {
		t.Errorf("expected fresh identifier with reset, got %+v", result)
	}
}

func TestConcurrentAcquireCollapsesToOneGenerateCall(t *testing.T) {
	fb := &fakeBackend{
		generateFn: func() (string, error) {
			time.Sleep(20 * time.Millisecond) // hold the flight open
			return uuid.NewString(), nil
		},
	}
	id := New(fb, testPolicy())

	const callers = 8
	results := make([]AcquireResult, callers)
	var wg sync.WaitGroup
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := id.Acquire(context.Background(), "")
			if err != nil {
				t.Errorf("caller %d: %v", n, err)
				return
			}
			results[n] = r
		}(n)
	}
	wg.Wait()

	if n := fb.generateCalls.Load(); n != 1 {
		t.Errorf("expected exactly 1 generate call, got %d", n)
	}
	for n := 1; n < callers; n++ {
		if results[n].Identifier != results[0].Identifier {
			t.Errorf("caller %d resolved different identifier", n)
		}
	}
}

func TestGenerateSurfacesTerminalErrorOnPersistentlyBadIdentifier(t *testing.T) {
	fb := &fakeBackend{
		generateFn: func() (string, error) { return "garbage", nil },
	}
	id := New(fb, testPolicy())

	_, err := id.Acquire(context.Background(), "")
	if err == nil {
		t.Fatalf("expected terminal error for unusable identifiers")
	}
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	attempts := 0
	fb := &fakeBackend{
		generateFn: func() (string, error) {
			attempts++
			if attempts == 1 {
				return "", backend.NewError(backend.KindNetwork, "down", errors.New("refused"))
			}
			return uuid.NewString(), nil
		},
	}
	id := New(fb, testPolicy())

	result, err := id.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsValidIdentifier(result.Identifier) {
		t.Errorf("expected valid identifier after retry")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestResetAlwaysReplaces(t *testing.T) {
	fb := &fakeBackend{}
	id := New(fb, testPolicy())

	var hookOld string
	id.OnReset(func(oldID, newID string) { hookOld = oldID })

	current := uuid.NewString()
	fresh, err := id.Reset(context.Background(), current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh == current || !IsValidIdentifier(fresh) {
		t.Errorf("expected fresh identifier, got %q", fresh)
	}
	if hookOld != current {
		t.Errorf("reset hook not fired with old identifier")
	}
}

func TestIsValidIdentifierRejectsNonV4(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{uuid.NewString(), true},
		{"", false},
		{"not-a-uuid", false},
		{"00000000-0000-1000-8000-000000000000", false}, // v1
	}
	for _, c := range cases {
		if got := IsValidIdentifier(c.in); got != c.want {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
