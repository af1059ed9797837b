// Package fsm implements the conversation state machine.
//
// The machine is a pure state/transition table with no I/O. It is created as
// an explicit per-conversation value; callers own the instance and drive it
// through Transition. Invalid transitions are reported as errors so callers
// can distinguish "nothing happened" from "action accepted"; forgiving
// behavior (ignoring stray events) belongs to the adapter layer.
package fsm

import (
	"log/slog"
	"sync"

	"github.com/maria-ai/maria-agent/internal/models"
)

// transitionTable maps (state, transition) pairs to successor states.
// WorkflowEnded has no outgoing transitions.
var transitionTable = map[models.ConversationState]map[models.Transition]models.ConversationState{
	models.StateWelcome: {
		models.TransitionWelcomeComplete: models.StateInitialOptions,
	},
	models.StateInitialOptions: {
		models.TransitionYesClicked: models.StateCollectingName,
		models.TransitionNoClicked:  models.StateOpportunitiesExist,
	},
	models.StateOpportunitiesExist: {
		models.TransitionOpportunitiesComplete: models.StateEngageAgain,
	},
	models.StateEngageAgain: {
		models.TransitionLetsGoClicked:     models.StateCollectingName,
		models.TransitionMaybeLaterClicked: models.StateWorkflowEnded,
	},
	models.StateCollectingName: {
		models.TransitionNameProvided: models.StateUploadPrompt,
	},
	models.StateUploadPrompt: {
		models.TransitionUploadPromptComplete: models.StateUploadingDocuments,
	},
	models.StateUploadingDocuments: {
		models.TransitionDocumentsUploaded: models.StateCollectingEmail,
	},
	models.StateCollectingEmail: {
		models.TransitionEmailProvided: models.StateEmailCodeSending,
	},
	models.StateEmailCodeSending: {
		models.TransitionCodeSent:   models.StateEmailCodeSent,
		models.TransitionSendFailed: models.StateEmailVerificationFailed,
	},
	models.StateEmailCodeSent: {
		models.TransitionCodeVerified: models.StateEmailVerified,
	},
	models.StateEmailVerificationFailed: {
		models.TransitionRetryEmail: models.StateCollectingEmail,
	},
	models.StateEmailVerified: {
		models.TransitionVerifiedComplete: models.StateCreatingBot,
	},
	models.StateCreatingBot: {
		models.TransitionBotInitiated: models.StateWorkflowEnded,
	},
}

// displayValues maps internal action tokens to user-facing button labels.
// Tokens without a mapping are returned unchanged.
var displayValues = map[string]string{
	string(models.TransitionYesClicked):        "Yes",
	string(models.TransitionNoClicked):         "No",
	string(models.TransitionLetsGoClicked):     "Let's go!",
	string(models.TransitionMaybeLaterClicked): "Maybe later",
	string(models.TransitionDocumentsUploaded): "Continue",
	string(models.TransitionRetryEmail):        "Try again",
}

// Machine holds the current conversation state and validates transitions
// against the table. Safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state models.ConversationState
}

// New creates a machine in the Welcome state.
func New() *Machine {
	return &Machine{state: models.StateWelcome}
}

// NewAt creates a machine restored to a specific state, used when rebuilding
// a conversation from a persisted session record.
func NewAt(state models.ConversationState) *Machine {
	if _, known := transitionTable[state]; !known && state != models.StateWorkflowEnded {
		slog.Warn("fsm.NewAt: unknown state, starting from Welcome", "state", state)
		return New()
	}
	return &Machine{state: state}
}

// State returns the current state. No side effects.
func (m *Machine) State() models.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether the table defines a successor for the current
// state and the given transition.
func (m *Machine) CanTransition(t models.Transition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitionTable[m.state][t]
	return ok
}

// Transition applies t to the current state. On success it returns the new
// state; otherwise it returns models.ErrInvalidTransition and leaves the
// state unchanged.
func (m *Machine) Transition(t models.Transition) (models.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitionTable[m.state][t]
	if !ok {
		slog.Debug("fsm.Transition: invalid transition", "state", m.state, "transition", t)
		return m.state, models.ErrInvalidTransition
	}

	slog.Debug("fsm.Transition: applying transition", "from", m.state, "transition", t, "to", next)
	m.state = next
	return m.state, nil
}

// DisplayValueFor maps an internal action token to its user-facing label,
// falling back to the token itself when no mapping exists.
func DisplayValueFor(raw string) string {
	if label, ok := displayValues[raw]; ok {
		return label
	}
	return raw
}

// OutgoingTransitions returns the transitions defined for a state. The result
// order is unspecified.
func OutgoingTransitions(state models.ConversationState) []models.Transition {
	entries := transitionTable[state]
	result := make([]models.Transition, 0, len(entries))
	for t := range entries {
		result = append(result, t)
	}
	return result
}
