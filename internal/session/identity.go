// Package session manages the durable session identifier for a conversation.
//
// The identifier is an opaque UUID-v4 token issued by the backend. Identity
// acquires, validates and repairs it: a missing or malformed identifier is
// replaced with a freshly generated one, a collision adopts the backend's
// replacement, and tampering forces a full reset. Identity is the only
// component allowed to decide the canonical identifier; everyone else treats
// it as read-only.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/maria-ai/maria-agent/internal/backend"
	"github.com/maria-ai/maria-agent/internal/retry"
)

// newAcquisitionKey groups concurrent acquisitions that present no identifier.
const newAcquisitionKey = "__new__"

// Backend is the subset of the backend client Identity depends on.
type Backend interface {
	GenerateIdentifier(ctx context.Context) (string, error)
	ValidateIdentifier(ctx context.Context, identifier string) (backend.ValidationResult, error)
}

// AcquireResult is the outcome of an identifier acquisition.
type AcquireResult struct {
	// Identifier is the canonical session identifier to use from now on.
	Identifier string
	// Reset is true when the presented identifier was replaced and the
	// conversation must reinitialize from Welcome.
	Reset bool
}

// Identity acquires and repairs session identifiers. Concurrent Acquire calls
// presenting the same identifier collapse into a single backend round trip.
type Identity struct {
	backend Backend
	policy  retry.Policy
	group   singleflight.Group

	mu      sync.Mutex
	onReset func(oldID, newID string)
}

// New creates an Identity using the given backend and retry policy.
func New(b Backend, policy retry.Policy) *Identity {
	return &Identity{backend: b, policy: policy}
}

// OnReset registers the hook invoked whenever an identifier is replaced. The
// hook receives the discarded identifier (may be empty) and its replacement.
func (i *Identity) OnReset(fn func(oldID, newID string)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onReset = fn
}

// Acquire resolves the canonical identifier for a conversation. presented is
// the identifier the client persisted locally, or empty when none exists.
// Concurrent callers with the same presented value share one network flight
// and receive the same result.
func (i *Identity) Acquire(ctx context.Context, presented string) (AcquireResult, error) {
	key := presented
	if key == "" {
		key = newAcquisitionKey
	}

	v, err, shared := i.group.Do(key, func() (interface{}, error) {
		return i.acquire(ctx, presented)
	})
	if err != nil {
		return AcquireResult{}, err
	}
	result := v.(AcquireResult)
	slog.Debug("session.Acquire resolved", "identifier", result.Identifier, "reset", result.Reset, "shared", shared)
	return result, nil
}

func (i *Identity) acquire(ctx context.Context, presented string) (AcquireResult, error) {
	if !IsValidIdentifier(presented) {
		if presented != "" {
			slog.Warn("session.acquire: presented identifier malformed, replacing", "presented_len", len(presented))
		}
		id, err := i.generate(ctx)
		if err != nil {
			return AcquireResult{}, err
		}
		reset := presented != ""
		if reset {
			i.fireReset(presented, id)
		}
		return AcquireResult{Identifier: id, Reset: reset}, nil
	}

	var result backend.ValidationResult
	err := i.policy.Do(ctx, "validate-identifier", func(ctx context.Context) error {
		var callErr error
		result, callErr = i.backend.ValidateIdentifier(ctx, presented)
		return callErr
	})
	if err != nil {
		if backend.IsSessionInvalid(err) {
			// The backend refused the session outright; treat as tampered.
			return i.replace(ctx, presented)
		}
		slog.Error("session.acquire: validation failed", "error", err)
		return AcquireResult{}, fmt.Errorf("failed to validate session identifier: %w", err)
	}

	switch result.Status {
	case backend.ValidationValid:
		slog.Debug("session.acquire: identifier valid", "identifier", presented)
		return AcquireResult{Identifier: presented}, nil
	case backend.ValidationCollision:
		if !IsValidIdentifier(result.Identifier) {
			slog.Error("session.acquire: collision replacement malformed")
			return AcquireResult{}, fmt.Errorf("backend supplied an unusable replacement identifier")
		}
		slog.Warn("session.acquire: identifier collision, adopting replacement", "old", presented, "new", result.Identifier)
		i.fireReset(presented, result.Identifier)
		return AcquireResult{Identifier: result.Identifier, Reset: true}, nil
	case backend.ValidationInvalid:
		slog.Warn("session.acquire: identifier rejected as invalid", "identifier", presented)
		return i.replace(ctx, presented)
	default:
		return AcquireResult{}, fmt.Errorf("unexpected validation status %q", result.Status)
	}
}

// replace discards the old identifier, generates a fresh one and fires the
// reset hook.
func (i *Identity) replace(ctx context.Context, oldID string) (AcquireResult, error) {
	id, err := i.generate(ctx)
	if err != nil {
		return AcquireResult{}, err
	}
	i.fireReset(oldID, id)
	return AcquireResult{Identifier: id, Reset: true}, nil
}

// Reset unconditionally discards the current identifier, obtains a fresh one
// and fires the reset hook so the conversation reinitializes from Welcome.
func (i *Identity) Reset(ctx context.Context, current string) (string, error) {
	slog.Info("session.Reset: resetting session", "identifier", current)
	id, err := i.generate(ctx)
	if err != nil {
		return "", err
	}
	i.fireReset(current, id)
	return id, nil
}

// generate obtains a fresh identifier from the backend. If the backend cannot
// produce a syntactically valid identifier after the retry path, a terminal
// error is returned; an unusable identifier is never handed to the caller.
func (i *Identity) generate(ctx context.Context) (string, error) {
	var id string
	err := i.policy.Do(ctx, "generate-identifier", func(ctx context.Context) error {
		var callErr error
		id, callErr = i.backend.GenerateIdentifier(ctx)
		return callErr
	})
	if err != nil {
		slog.Error("session.generate: backend generation failed", "error", err)
		return "", fmt.Errorf("failed to obtain session identifier: %w", err)
	}
	if !IsValidIdentifier(id) {
		// One repair attempt before surfacing a terminal error.
		slog.Warn("session.generate: backend returned malformed identifier, retrying once")
		id, err = i.backend.GenerateIdentifier(ctx)
		if err != nil || !IsValidIdentifier(id) {
			slog.Error("session.generate: backend cannot produce a valid identifier", "error", err)
			return "", fmt.Errorf("backend cannot produce a valid session identifier")
		}
	}
	slog.Info("session.generate: identifier obtained", "identifier", id)
	return id, nil
}

func (i *Identity) fireReset(oldID, newID string) {
	i.mu.Lock()
	fn := i.onReset
	i.mu.Unlock()
	if fn != nil {
		fn(oldID, newID)
	}
}

// IsValidIdentifier reports whether s is syntactically a v4 UUID.
func IsValidIdentifier(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 4
}
