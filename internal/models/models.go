// Package models defines the core data structures for the Maria conversation engine.
//
// It includes chat messages, upload records, verification outcomes, and the
// shared API response envelope used by the HTTP surface.
package models

import (
	"errors"
	"time"
)

// Validation constants for conversation input and uploads.
const (
	// MaxUploadFiles is the maximum number of files tracked per session.
	MaxUploadFiles = 3
	// MaxUploadFileSize is the maximum size of a single uploaded file in bytes (5 MB).
	MaxUploadFileSize = 5 * 1024 * 1024
	// AcceptedUploadMimeType is the single MIME type accepted for uploads.
	AcceptedUploadMimeType = "application/pdf"
	// VerificationCodeLength is the exact digit count of an email verification code.
	VerificationCodeLength = 6
	// MaxResendCount is the resend budget per session.
	MaxResendCount = 3
	// MaxCodeAttempts is the server-enforced attempt budget for code entry.
	MaxCodeAttempts = 3
	// ResendCooldownSeconds is the mandatory wait between resend requests.
	ResendCooldownSeconds = 30
)

// Error variables for better error handling and testability.
var (
	ErrInvalidTransition     = errors.New("no transition defined for current state")
	ErrInvalidEmail          = errors.New("email address is not valid")
	ErrInvalidCode           = errors.New("verification code must be exactly 6 digits")
	ErrInvalidName           = errors.New("name may contain only letters and spaces")
	ErrResendCooldownActive  = errors.New("resend cooldown has not elapsed")
	ErrResendBudgetExhausted = errors.New("resend budget exhausted")
	ErrTooManyFiles          = errors.New("file batch exceeds the allowed upload count")
	ErrFileTooLarge          = errors.New("file exceeds the maximum allowed size")
	ErrUnsupportedFileType   = errors.New("file type is not accepted")
	ErrFileNotFound          = errors.New("upload record not found")
	ErrSessionNotFound       = errors.New("session not found")
)

// Sender identifies the author of a chat message.
type Sender string

const (
	// SenderUser marks a message authored by the participant.
	SenderUser Sender = "user"
	// SenderBot marks a message authored by the agent.
	SenderBot Sender = "bot"
)

// Button is a selectable option rendered with a bot message.
type Button struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// Message is a single entry in the ordered conversation transcript.
// IDs are monotonic per conversation; messages are never deleted except on
// full session reset.
type Message struct {
	ID       int       `json:"id"`
	Text     string    `json:"text"`
	Sender   Sender    `json:"sender"`
	IsTyping bool      `json:"is_typing"`
	Buttons  []Button  `json:"buttons,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// UploadStatus describes the lifecycle of a tracked file upload.
type UploadStatus string

const (
	// UploadStatusQueued indicates the file passed validation and awaits upload.
	UploadStatusQueued UploadStatus = "queued"
	// UploadStatusUploading indicates an upload is in flight.
	UploadStatusUploading UploadStatus = "uploading"
	// UploadStatusUploaded indicates the upload completed successfully.
	UploadStatusUploaded UploadStatus = "uploaded"
	// UploadStatusError indicates validation or upload failed; retry is allowed.
	UploadStatusError UploadStatus = "error"
)

// FileMeta describes a file presented for upload, before any network activity.
type FileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// FileUploadRecord tracks a single file through the upload lifecycle.
type FileUploadRecord struct {
	ID         string       `json:"id"`
	Identifier string       `json:"identifier"` // owning session
	Name       string       `json:"name"`
	Size       int64        `json:"size"`
	MimeType   string       `json:"mime_type"`
	Status     UploadStatus `json:"status"`
	Progress   int          `json:"progress"` // 0..100
	RemoteKey  string       `json:"remote_key,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// VerificationAttempt is the bookkeeping held for an in-progress email verification.
type VerificationAttempt struct {
	Email       string    `json:"email"`
	CodeSentAt  time.Time `json:"code_sent_at"`
	ResendCount int       `json:"resend_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// Outcome is the result of a verification-flow operation, carrying the hint
// for the next state-machine transition.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Reset reports that the operation escalated to a full session reset; the
	// conversation behind the old identifier is gone and must not be written to.
	Reset          bool       `json:"reset,omitempty"`
	NextTransition Transition `json:"next_transition,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{response: APIResponse{}}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
