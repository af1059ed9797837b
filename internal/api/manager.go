package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maria-ai/maria-agent/internal/backend"
	"github.com/maria-ai/maria-agent/internal/conversation"
	"github.com/maria-ai/maria-agent/internal/models"
	"github.com/maria-ai/maria-agent/internal/retry"
	"github.com/maria-ai/maria-agent/internal/session"
	"github.com/maria-ai/maria-agent/internal/store"
	"github.com/maria-ai/maria-agent/internal/upload"
	"github.com/maria-ai/maria-agent/internal/verify"
)

// BackendClient is the full backend surface the session manager wires into
// each conversation. *backend.Client satisfies it.
type BackendClient interface {
	session.Backend
	verify.Backend
	upload.Backend
}

// sessionManager maps session identifiers to live conversation engines. Each
// conversation owns its own state machine; there is no shared global state
// beyond the identity component.
type sessionManager struct {
	identity *session.Identity
	backend  BackendClient
	store    store.Store
	policy   retry.Policy

	typingDelay time.Duration

	mu      sync.Mutex
	engines map[string]*conversation.Adapter
	rotated map[string]string
}

func newSessionManager(b BackendClient, st store.Store, typingDelay time.Duration) *sessionManager {
	policy := retry.NewPolicy(backend.IsRetryable)
	return &sessionManager{
		identity:    session.New(b, policy),
		backend:     b,
		store:       st,
		policy:      policy,
		typingDelay: typingDelay,
		engines:     make(map[string]*conversation.Adapter),
		rotated:     make(map[string]string),
	}
}

// Start resolves the canonical identifier for a presented one and returns the
// conversation engine bound to it, creating or restoring as needed.
func (m *sessionManager) Start(ctx context.Context, presented string) (*conversation.Adapter, bool, error) {
	result, err := m.identity.Acquire(ctx, presented)
	if err != nil {
		return nil, false, err
	}
	eng, err := m.engine(result.Identifier, result.Reset)
	if err != nil {
		return nil, false, err
	}
	return eng, result.Reset, nil
}

// Get returns the live engine for an identifier, restoring it from the store
// when the process was restarted since the session began.
func (m *sessionManager) Get(identifier string) (*conversation.Adapter, error) {
	if !session.IsValidIdentifier(identifier) {
		return nil, models.ErrSessionNotFound
	}
	m.mu.Lock()
	eng, ok := m.engines[identifier]
	m.mu.Unlock()
	if ok {
		return eng, nil
	}

	record, err := m.store.GetSession(identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if record == nil {
		return nil, models.ErrSessionNotFound
	}
	return m.engine(identifier, false)
}

// Reset discards the conversation behind current, rotates the identifier and
// starts a replacement conversation that opens with the reset notice.
// Implements verify.Resetter, so verification exhaustion lands here too.
func (m *sessionManager) Reset(ctx context.Context, current string) (string, error) {
	m.mu.Lock()
	old, ok := m.engines[current]
	delete(m.engines, current)
	m.mu.Unlock()
	if ok {
		old.Discard(ctx)
	}

	fresh, err := m.identity.Reset(ctx, current)
	if err != nil {
		return "", err
	}
	if _, err := m.engine(fresh, true); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.rotated[current] = fresh
	m.mu.Unlock()
	slog.Info("sessionManager.Reset: session rotated", "old", current, "new", fresh)
	return fresh, nil
}

// Successor reports the replacement identifier when id was rotated by a
// full reset, following chains of rotations to the live end.
func (m *sessionManager) Successor(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := id, false
	for {
		next, ok := m.rotated[current]
		if !ok {
			return current, found
		}
		current, found = next, true
	}
}

// Close tears down every live engine.
func (m *sessionManager) Close() {
	m.mu.Lock()
	engines := make([]*conversation.Adapter, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.engines = make(map[string]*conversation.Adapter)
	m.mu.Unlock()
	for _, eng := range engines {
		eng.Close()
	}
}

// engine returns the live engine for identifier, building it when absent.
func (m *sessionManager) engine(identifier string, resetNotice bool) (*conversation.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok := m.engines[identifier]; ok {
		return eng, nil
	}

	flow := verify.NewFlow(m.backend, m, m.policy, identifier)
	coordinator, err := upload.NewCoordinator(m.backend, m.store, identifier)
	if err != nil {
		return nil, err
	}

	opts := []conversation.Option{conversation.WithTypingDelay(m.typingDelay)}
	if resetNotice {
		opts = append(opts, conversation.WithResetNotice())
	}
	eng, err := conversation.New(identifier, m.store, flow, coordinator, opts...)
	if err != nil {
		return nil, err
	}
	m.engines[identifier] = eng
	slog.Debug("sessionManager: engine created", "identifier", identifier, "state", eng.State())
	return eng, nil
}
