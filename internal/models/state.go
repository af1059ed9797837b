// Package models defines conversation state types shared across modules.
package models

import "time"

// ConversationState represents a specific state within the guided conversation.
type ConversationState string

// Transition represents a named event applied to the current conversation state.
type Transition string

// Conversation states. Welcome is the unique initial state and WorkflowEnded
// the unique terminal state. Canonical ordering: name -> upload -> email.
const (
	StateWelcome                 ConversationState = "WELCOME"
	StateInitialOptions          ConversationState = "INITIAL_OPTIONS"
	StateOpportunitiesExist      ConversationState = "OPPORTUNITIES_EXIST"
	StateEngageAgain             ConversationState = "ENGAGE_AGAIN"
	StateCollectingName          ConversationState = "COLLECTING_NAME"
	StateUploadPrompt            ConversationState = "UPLOAD_PROMPT"
	StateUploadingDocuments      ConversationState = "UPLOADING_DOCUMENTS"
	StateCollectingEmail         ConversationState = "COLLECTING_EMAIL"
	StateEmailCodeSending        ConversationState = "EMAIL_CODE_SENDING"
	StateEmailCodeSent           ConversationState = "EMAIL_CODE_SENT"
	StateEmailVerificationFailed ConversationState = "EMAIL_VERIFICATION_FAILED"
	StateEmailVerified           ConversationState = "EMAIL_VERIFIED"
	StateCreatingBot             ConversationState = "CREATING_BOT"
	StateWorkflowEnded           ConversationState = "WORKFLOW_ENDED"
)

// Transition events recognized by the state machine.
const (
	TransitionWelcomeComplete       Transition = "WELCOME_COMPLETE"
	TransitionYesClicked            Transition = "YES_CLICKED"
	TransitionNoClicked             Transition = "NO_CLICKED"
	TransitionOpportunitiesComplete Transition = "OPPORTUNITIES_COMPLETE"
	TransitionLetsGoClicked         Transition = "LETS_GO_CLICKED"
	TransitionMaybeLaterClicked     Transition = "MAYBE_LATER_CLICKED"
	TransitionNameProvided          Transition = "NAME_PROVIDED"
	TransitionUploadPromptComplete  Transition = "UPLOAD_PROMPT_COMPLETE"
	TransitionDocumentsUploaded     Transition = "DOCUMENTS_UPLOADED"
	TransitionEmailProvided         Transition = "EMAIL_PROVIDED"
	TransitionCodeSent              Transition = "CODE_SENT"
	TransitionSendFailed            Transition = "SEND_FAILED"
	TransitionRetryEmail            Transition = "RETRY_EMAIL"
	TransitionCodeVerified          Transition = "CODE_VERIFIED"
	TransitionVerifiedComplete      Transition = "VERIFIED_COMPLETE"
	TransitionBotInitiated          Transition = "BOT_INITIATED"
)

// SessionRecord is the persisted snapshot of a conversation session.
type SessionRecord struct {
	Identifier   string            `json:"identifier"`
	CurrentState ConversationState `json:"current_state"`
	UserName     string            `json:"user_name,omitempty"`
	UserEmail    string            `json:"user_email,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
