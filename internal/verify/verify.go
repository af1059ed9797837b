// Package verify orchestrates email verification for a conversation session.
//
// The flow validates input locally before any network call, maps backend
// outcomes to state-machine transition hints, tracks the resend budget and
// runs the resend cooldown countdown. Attempt budgets for code entry are
// enforced server-side; exhaustion escalates to a full session reset.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/maria-ai/maria-agent/internal/backend"
	"github.com/maria-ai/maria-agent/internal/models"
	"github.com/maria-ai/maria-agent/internal/retry"
	"github.com/maria-ai/maria-agent/internal/timer"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

// User-facing messages for verification outcomes.
const (
	msgInvalidEmail    = "That doesn't look like a valid email address. Please try again."
	msgInvalidCode     = "The verification code is 6 digits. Please check and try again."
	msgNoAttempt       = "Please enter your email address first."
	msgSendFailed      = "I couldn't send the verification code right now. Please try again."
	msgUnreachable     = "I couldn't reach the server. Please check your connection and try again."
	msgWrongCode       = "That code is not correct. Please try again."
	msgCodeExpired     = "That code has expired. Please request a new one."
	msgCooldownActive  = "Please wait a moment before requesting another code."
	msgResendExhausted = "You've reached the resend limit for this session."
	msgSessionWasReset = "Your session was reset. Let's start over."
	msgCodeSent        = "I've sent a 6-digit verification code to your email."
	msgCodeResent      = "I've sent you a new verification code."
)

// Backend is the subset of the backend client the flow depends on.
type Backend interface {
	SendVerification(ctx context.Context, identifier, email string) (backend.VerifyResult, error)
	VerifyCode(ctx context.Context, identifier, code string) (backend.VerifyResult, error)
	ResendCode(ctx context.Context, identifier string) (backend.VerifyResult, error)
}

// Resetter triggers a full session reset; implemented by session.Identity.
type Resetter interface {
	Reset(ctx context.Context, current string) (string, error)
}

// Flow drives the send-code / verify-code / resend-code protocol for one
// conversation session.
type Flow struct {
	backend    Backend
	identity   Resetter
	policy     retry.Policy
	identifier string

	// cooldownInterval is one cooldown tick; tests shorten it.
	cooldownInterval time.Duration

	mu       sync.Mutex
	attempt  *models.VerificationAttempt
	cooldown *timer.Countdown
}

// Option configures a verification flow.
type Option func(*Flow)

// WithCooldownInterval overrides the one-second cooldown tick, used by tests.
func WithCooldownInterval(d time.Duration) Option {
	return func(f *Flow) { f.cooldownInterval = d }
}

// NewFlow creates a verification flow for the given session identifier.
func NewFlow(b Backend, identity Resetter, policy retry.Policy, identifier string, opts ...Option) *Flow {
	f := &Flow{
		backend:          b,
		identity:         identity,
		policy:           policy,
		identifier:       identifier,
		cooldownInterval: time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SubmitEmail validates the address locally, then asks the backend to send a
// verification code. A failed local validation never reaches the network and
// carries no transition hint, so the conversation state stays unchanged.
func (f *Flow) SubmitEmail(ctx context.Context, email string) (models.Outcome, error) {
	if !emailPattern.MatchString(email) {
		slog.Debug("verify.SubmitEmail: local validation rejected email", "identifier", f.identifier)
		return models.Outcome{Success: false, Message: msgInvalidEmail}, nil
	}

	f.mu.Lock()
	f.attempt = &models.VerificationAttempt{Email: email}
	f.stopCooldownLocked()
	f.mu.Unlock()

	var result backend.VerifyResult
	err := f.policy.Do(ctx, "send-verification", func(ctx context.Context) error {
		var callErr error
		result, callErr = f.backend.SendVerification(ctx, f.identifier, email)
		return callErr
	})
	if err != nil {
		return f.handleCallError(ctx, "SubmitEmail", err, models.TransitionSendFailed)
	}
	if !result.Success {
		slog.Warn("verify.SubmitEmail: backend rejected send", "identifier", f.identifier, "kind", result.Kind)
		f.recordError(result.Message)
		return models.Outcome{
			Success:        false,
			Message:        messageOr(result.Message, msgSendFailed),
			NextTransition: models.TransitionSendFailed,
		}, nil
	}

	f.mu.Lock()
	f.attempt.CodeSentAt = time.Now()
	f.mu.Unlock()

	next := result.NextTransition
	if next == "" {
		next = models.TransitionCodeSent
	}
	slog.Info("verify.SubmitEmail: code sent", "identifier", f.identifier)
	return models.Outcome{
		Success:        true,
		Message:        messageOr(result.Message, msgCodeSent),
		NextTransition: next,
	}, nil
}

// SubmitCode submits a verification code. Codes must be exactly 6 digits
// before any network call. Code verification is never retried automatically;
// the backend enforces the attempt budget and exhaustion forces a full reset.
func (f *Flow) SubmitCode(ctx context.Context, code string) (models.Outcome, error) {
	if !codePattern.MatchString(code) {
		slog.Debug("verify.SubmitCode: local validation rejected code", "identifier", f.identifier)
		return models.Outcome{Success: false, Message: msgInvalidCode}, nil
	}
	f.mu.Lock()
	hasAttempt := f.attempt != nil
	f.mu.Unlock()
	if !hasAttempt {
		return models.Outcome{Success: false, Message: msgNoAttempt}, nil
	}

	result, err := f.backend.VerifyCode(ctx, f.identifier, code)
	if err != nil {
		return f.handleCallError(ctx, "SubmitCode", err, "")
	}
	if result.Success {
		f.mu.Lock()
		f.attempt = nil
		f.stopCooldownLocked()
		f.mu.Unlock()
		slog.Info("verify.SubmitCode: code verified", "identifier", f.identifier)
		next := result.NextTransition
		if next == "" {
			next = models.TransitionCodeVerified
		}
		// The conversation renders its own confirmation on entering the
		// verified state; only a backend-supplied message is passed through.
		return models.Outcome{Success: true, Message: result.Message, NextTransition: next}, nil
	}

	switch result.Kind {
	case backend.DetailAttemptsExhausted:
		slog.Warn("verify.SubmitCode: attempt budget exhausted, resetting session", "identifier", f.identifier)
		return f.resetSession(ctx)
	case backend.DetailCodeExpired:
		// Expired is a distinct outcome from wrong-code; the user needs a new
		// code, not another guess.
		f.recordError(msgCodeExpired)
		return models.Outcome{Success: false, Message: messageOr(result.Message, msgCodeExpired)}, nil
	default:
		f.recordError(msgWrongCode)
		return models.Outcome{Success: false, Message: messageOr(result.Message, msgWrongCode)}, nil
	}
}

// ResendCode requests another verification code. It is rejected locally,
// without a network call, while the cooldown is running or once the resend
// budget is spent.
func (f *Flow) ResendCode(ctx context.Context) (models.Outcome, error) {
	f.mu.Lock()
	if f.attempt == nil {
		f.mu.Unlock()
		return models.Outcome{Success: false, Message: msgNoAttempt}, nil
	}
	if f.cooldown != nil && f.cooldown.Remaining() > 0 {
		remaining := f.cooldown.Remaining()
		f.mu.Unlock()
		slog.Debug("verify.ResendCode: cooldown active", "identifier", f.identifier, "remaining", remaining)
		return models.Outcome{Success: false, Message: msgCooldownActive}, nil
	}
	if f.attempt.ResendCount >= models.MaxResendCount {
		f.mu.Unlock()
		slog.Warn("verify.ResendCode: resend budget exhausted", "identifier", f.identifier)
		return models.Outcome{Success: false, Message: msgResendExhausted}, nil
	}
	f.mu.Unlock()

	var result backend.VerifyResult
	err := f.policy.Do(ctx, "resend-code", func(ctx context.Context) error {
		var callErr error
		result, callErr = f.backend.ResendCode(ctx, f.identifier)
		return callErr
	})
	if err != nil {
		return f.handleCallError(ctx, "ResendCode", err, "")
	}
	if !result.Success {
		if result.Kind == backend.DetailAttemptsExhausted {
			return f.resetSession(ctx)
		}
		// A resend-too-soon rejection is consumed as-is, never retried.
		f.recordError(result.Message)
		return models.Outcome{Success: false, Message: messageOr(result.Message, msgCooldownActive)}, nil
	}

	f.mu.Lock()
	f.attempt.ResendCount++
	f.attempt.CodeSentAt = time.Now()
	f.startCooldownLocked()
	count := f.attempt.ResendCount
	f.mu.Unlock()

	slog.Info("verify.ResendCode: code resent", "identifier", f.identifier, "resendCount", count)
	return models.Outcome{Success: true, Message: msgCodeResent}, nil
}

// CooldownRemaining returns the seconds left before resend re-enables.
func (f *Flow) CooldownRemaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cooldown == nil {
		return 0
	}
	return f.cooldown.Remaining()
}

// ResendAllowed reports whether a resend would pass the local gates.
func (f *Flow) ResendAllowed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt == nil {
		return false
	}
	if f.cooldown != nil && f.cooldown.Remaining() > 0 {
		return false
	}
	return f.attempt.ResendCount < models.MaxResendCount
}

// Attempt returns a copy of the current verification attempt, or nil.
func (f *Flow) Attempt() *models.VerificationAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt == nil {
		return nil
	}
	copied := *f.attempt
	return &copied
}

// Stop cancels the cooldown countdown. Safe to call on teardown or reset.
func (f *Flow) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCooldownLocked()
}

func (f *Flow) startCooldownLocked() {
	f.stopCooldownLocked()
	f.cooldown = timer.NewCountdown(models.ResendCooldownSeconds, f.cooldownInterval, nil)
}

func (f *Flow) stopCooldownLocked() {
	if f.cooldown != nil {
		f.cooldown.Stop()
		f.cooldown = nil
	}
}

// handleCallError maps classified backend failures to user-facing outcomes.
// Session-invalid failures force a full reset; transport failures surface a
// retryable message, optionally with a transition hint.
func (f *Flow) handleCallError(ctx context.Context, op string, err error, failTransition models.Transition) (models.Outcome, error) {
	if backend.IsSessionInvalid(err) {
		slog.Warn("verify: backend declared session invalid", "op", op, "identifier", f.identifier)
		return f.resetSession(ctx)
	}
	slog.Error("verify: backend call failed", "op", op, "identifier", f.identifier, "error", err)
	f.recordError(err.Error())
	return models.Outcome{
		Success:        false,
		Message:        msgUnreachable,
		NextTransition: failTransition,
	}, nil
}

// resetSession performs the full session reset and reports it to the user.
func (f *Flow) resetSession(ctx context.Context) (models.Outcome, error) {
	f.mu.Lock()
	f.attempt = nil
	f.stopCooldownLocked()
	f.mu.Unlock()

	if _, err := f.identity.Reset(ctx, f.identifier); err != nil {
		return models.Outcome{}, fmt.Errorf("failed to reset session: %w", err)
	}
	return models.Outcome{Success: false, Reset: true, Message: msgSessionWasReset}, nil
}

func (f *Flow) recordError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt != nil {
		f.attempt.LastError = msg
	}
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
