package fsm

import (
	"errors"
	"testing"

	"github.com/maria-ai/maria-agent/internal/models"
)

func TestNewStartsAtWelcome(t *testing.T) {
	m := New()
	if m.State() != models.StateWelcome {
		t.Errorf("expected initial state %s, got %s", models.StateWelcome, m.State())
	}
}

func TestCanTransitionMatchesTable(t *testing.T) {
	// For every state and every defined transition, CanTransition must agree
	// with the table; an undefined transition must be rejected.
	for state, entries := range transitionTable {
		m := NewAt(state)
		for tr := range entries {
			if !m.CanTransition(tr) {
				t.Errorf("state %s: expected CanTransition(%s) true", state, tr)
			}
		}
		if m.CanTransition(models.Transition("NOT_A_TRANSITION")) {
			t.Errorf("state %s: expected unknown transition rejected", state)
		}
	}
}

func TestTransitionInvalidLeavesStateUnchanged(t *testing.T) {
	m := New()
	got, err := m.Transition(models.TransitionNameProvided)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got != models.StateWelcome || m.State() != models.StateWelcome {
		t.Errorf("invalid transition changed state: %s", m.State())
	}
}

func TestWelcomeHasExactlyOneOutgoingTransition(t *testing.T) {
	if n := len(OutgoingTransitions(models.StateWelcome)); n != 1 {
		t.Errorf("expected Welcome to have exactly 1 outgoing transition, got %d", n)
	}
}

func TestWorkflowEndedIsTerminal(t *testing.T) {
	if n := len(OutgoingTransitions(models.StateWorkflowEnded)); n != 0 {
		t.Errorf("expected WorkflowEnded to have 0 outgoing transitions, got %d", n)
	}
	m := NewAt(models.StateWorkflowEnded)
	if _, err := m.Transition(models.TransitionYesClicked); err == nil {
		t.Errorf("expected error transitioning out of terminal state")
	}
}

func TestHappyPathNameUploadEmail(t *testing.T) {
	m := New()
	steps := []struct {
		transition models.Transition
		want       models.ConversationState
	}{
		{models.TransitionWelcomeComplete, models.StateInitialOptions},
		{models.TransitionYesClicked, models.StateCollectingName},
		{models.TransitionNameProvided, models.StateUploadPrompt},
		{models.TransitionUploadPromptComplete, models.StateUploadingDocuments},
		{models.TransitionDocumentsUploaded, models.StateCollectingEmail},
		{models.TransitionEmailProvided, models.StateEmailCodeSending},
		{models.TransitionCodeSent, models.StateEmailCodeSent},
		{models.TransitionCodeVerified, models.StateEmailVerified},
		{models.TransitionVerifiedComplete, models.StateCreatingBot},
		{models.TransitionBotInitiated, models.StateWorkflowEnded},
	}
	for _, step := range steps {
		got, err := m.Transition(step.transition)
		if err != nil {
			t.Fatalf("transition %s: unexpected error %v", step.transition, err)
		}
		if got != step.want {
			t.Fatalf("transition %s: expected %s, got %s", step.transition, step.want, got)
		}
	}
}

func TestDeclinePathEndsWorkflow(t *testing.T) {
	m := New()
	for _, tr := range []models.Transition{
		models.TransitionWelcomeComplete,
		models.TransitionNoClicked,
		models.TransitionOpportunitiesComplete,
		models.TransitionMaybeLaterClicked,
	} {
		if _, err := m.Transition(tr); err != nil {
			t.Fatalf("transition %s: unexpected error %v", tr, err)
		}
	}
	if m.State() != models.StateWorkflowEnded {
		t.Errorf("expected WorkflowEnded, got %s", m.State())
	}
}

func TestSendFailureAllowsEmailRetry(t *testing.T) {
	m := NewAt(models.StateEmailCodeSending)
	if _, err := m.Transition(models.TransitionSendFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != models.StateEmailVerificationFailed {
		t.Fatalf("expected EmailVerificationFailed, got %s", m.State())
	}
	if _, err := m.Transition(models.TransitionRetryEmail); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != models.StateCollectingEmail {
		t.Errorf("expected CollectingEmail, got %s", m.State())
	}
}

func TestNewAtUnknownStateFallsBackToWelcome(t *testing.T) {
	m := NewAt(models.ConversationState("BOGUS"))
	if m.State() != models.StateWelcome {
		t.Errorf("expected Welcome fallback, got %s", m.State())
	}
}

func TestDisplayValueFor(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{string(models.TransitionYesClicked), "Yes"},
		{string(models.TransitionNoClicked), "No"},
		{string(models.TransitionLetsGoClicked), "Let's go!"},
		{string(models.TransitionMaybeLaterClicked), "Maybe later"},
		{"UNMAPPED_TOKEN", "UNMAPPED_TOKEN"}, // identity fallback
	}
	for _, c := range cases {
		if got := DisplayValueFor(c.raw); got != c.want {
			t.Errorf("DisplayValueFor(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}
