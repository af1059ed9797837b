// Package backend provides the HTTP client for the conversation backend API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maria-ai/maria-agent/internal/models"
)

// Default client configuration.
const (
	// DefaultTimeout bounds each backend call unless the caller's context is stricter.
	DefaultTimeout = 15 * time.Second
)

// Identifier validation statuses reported by the backend.
const (
	// ValidationValid means the submitted identifier may be kept as-is.
	ValidationValid = "success"
	// ValidationCollision means the backend supplied a replacement identifier.
	ValidationCollision = "collision"
	// ValidationInvalid means the identifier was rejected as tampered/unknown.
	ValidationInvalid = "invalid"
)

// Detail kinds carried in error responses from verification endpoints.
const (
	DetailWrongCode         = "wrong_code"
	DetailCodeExpired       = "code_expired"
	DetailAttemptsExhausted = "attempts_exhausted"
	DetailResendTooSoon     = "resend_too_soon"
	DetailSessionInvalid    = "session_invalid"
)

// Opts holds configuration options for the backend client.
type Opts struct {
	// BaseURL is the root of the backend REST API.
	BaseURL string
	// Timeout bounds each call; zero means DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

// Option configures the backend client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// envelope is the common JSON response shape of all backend endpoints.
type envelope struct {
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	Identifier     string `json:"identifier,omitempty"`
	FileKey        string `json:"file_key,omitempty"`
	NextTransition string `json:"next_transition,omitempty"`
	Kind           string `json:"kind,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// ValidationResult is the outcome of submitting an identifier for validation.
type ValidationResult struct {
	Status     string
	Identifier string
	Message    string
}

// VerifyResult is the outcome of an email verification endpoint call.
type VerifyResult struct {
	Success        bool
	Message        string
	Kind           string
	NextTransition models.Transition
}

// Client calls the conversation backend REST API.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a backend client with the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		slog.Error("backend.NewClient: base URL not set")
		return nil, fmt.Errorf("backend base URL not set")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	slog.Debug("backend.NewClient: client created", "baseURL", cfg.BaseURL, "timeout", cfg.Timeout)
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
	}, nil
}

// GenerateIdentifier requests a fresh session identifier from the backend.
func (c *Client) GenerateIdentifier(ctx context.Context) (string, error) {
	env, err := c.postJSON(ctx, "/generate-identifier", nil)
	if err != nil {
		return "", err
	}
	if env.Identifier == "" {
		slog.Error("backend.GenerateIdentifier: backend returned no identifier", "correlationID", env.CorrelationID)
		return "", NewError(KindServer, "backend returned no identifier", nil)
	}
	slog.Info("backend.GenerateIdentifier succeeded", "correlationID", env.CorrelationID)
	return env.Identifier, nil
}

// ValidateIdentifier submits an existing identifier for backend validation.
// The result status is one of ValidationValid, ValidationCollision or
// ValidationInvalid; a collision result carries the replacement identifier.
func (c *Client) ValidateIdentifier(ctx context.Context, identifier string) (ValidationResult, error) {
	env, err := c.postJSON(ctx, "/validate-identifier", map[string]string{"identifier": identifier})
	if err != nil {
		return ValidationResult{}, err
	}
	switch env.Status {
	case ValidationValid, ValidationCollision, ValidationInvalid:
		slog.Debug("backend.ValidateIdentifier result", "status", env.Status, "correlationID", env.CorrelationID)
		return ValidationResult{Status: env.Status, Identifier: env.Identifier, Message: env.Message}, nil
	default:
		slog.Error("backend.ValidateIdentifier: unexpected status", "status", env.Status, "correlationID", env.CorrelationID)
		return ValidationResult{}, NewError(KindServer, fmt.Sprintf("unexpected validation status %q", env.Status), nil)
	}
}

// SendVerification asks the backend to send a verification code to email.
func (c *Client) SendVerification(ctx context.Context, identifier, email string) (VerifyResult, error) {
	return c.verifyCall(ctx, "/email/verify", map[string]string{
		"identifier": identifier,
		"email":      email,
	})
}

// VerifyCode submits a verification code. The backend enforces the attempt
// budget; an exhausted budget is reported with DetailAttemptsExhausted.
func (c *Client) VerifyCode(ctx context.Context, identifier, code string) (VerifyResult, error) {
	return c.verifyCall(ctx, "/email/verify-code", map[string]string{
		"identifier": identifier,
		"code":       code,
	})
}

// ResendCode asks the backend to resend the verification code.
func (c *Client) ResendCode(ctx context.Context, identifier string) (VerifyResult, error) {
	return c.verifyCall(ctx, "/email/resend", map[string]string{
		"identifier": identifier,
	})
}

// verifyCall handles the shared envelope interpretation of the email endpoints.
// A status:error envelope on a 200 response is a domain outcome (wrong code,
// resend too soon), not a transport failure, so it is returned as a result.
func (c *Client) verifyCall(ctx context.Context, path string, payload map[string]string) (VerifyResult, error) {
	env, err := c.postJSON(ctx, path, payload)
	if err != nil {
		return VerifyResult{}, err
	}
	result := VerifyResult{
		Success:        env.Status == "success",
		Message:        env.Message,
		Kind:           env.Kind,
		NextTransition: models.Transition(env.NextTransition),
	}
	slog.Debug("backend.verifyCall result", "path", path, "success", result.Success, "kind", result.Kind, "correlationID", env.CorrelationID)
	return result, nil
}

// UploadFile streams a file to the backend, reporting upload progress 0..100
// through the callback. Returns the remote file key on success.
func (c *Client) UploadFile(ctx context.Context, identifier string, meta models.FileMeta, content io.Reader, progress func(int)) (string, error) {
	slog.Debug("backend.UploadFile: starting upload", "identifier", identifier, "name", meta.Name, "size", meta.Size)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("identifier", identifier); err != nil {
		return "", NewError(KindValidation, "failed to encode upload form", err)
	}
	part, err := writer.CreateFormFile("file", meta.Name)
	if err != nil {
		return "", NewError(KindValidation, "failed to encode upload form", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", NewError(KindValidation, "failed to read file content", err)
	}
	if err := writer.Close(); err != nil {
		return "", NewError(KindValidation, "failed to finalize upload form", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reader := &progressReader{r: &body, total: int64(body.Len()), report: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", reader)
	if err != nil {
		return "", NewError(KindNetwork, "failed to build upload request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.ContentLength = reader.total

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp)
	if err != nil {
		return "", err
	}
	if env.FileKey == "" {
		slog.Error("backend.UploadFile: backend returned no file key", "name", meta.Name, "correlationID", env.CorrelationID)
		return "", NewError(KindServer, "backend returned no file key", nil)
	}
	if progress != nil {
		progress(100)
	}
	slog.Info("backend.UploadFile succeeded", "identifier", identifier, "name", meta.Name, "fileKey", env.FileKey, "correlationID", env.CorrelationID)
	return env.FileKey, nil
}

// DeleteFile requests remote deletion of a previously uploaded file.
func (c *Client) DeleteFile(ctx context.Context, identifier, fileKey string) error {
	_, err := c.postJSON(ctx, "/upload/delete", map[string]string{
		"identifier": identifier,
		"file_key":   fileKey,
	})
	if err != nil {
		return err
	}
	slog.Info("backend.DeleteFile succeeded", "identifier", identifier, "fileKey", fileKey)
	return nil
}

// postJSON performs a JSON POST and decodes the common envelope.
func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (envelope, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return envelope{}, NewError(KindValidation, "failed to encode request payload", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return envelope{}, NewError(KindNetwork, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp)
}

// decodeEnvelope parses the response body and classifies HTTP-level failures.
func decodeEnvelope(resp *http.Response) (envelope, error) {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return envelope{}, &Error{Kind: KindServer, Message: resp.Status, StatusCode: resp.StatusCode}
		}
		return envelope{}, NewError(KindServer, "failed to decode backend response", err)
	}

	if resp.StatusCode >= 400 || env.Kind == DetailSessionInvalid {
		kind := KindServer
		if env.Kind == DetailSessionInvalid || resp.StatusCode == http.StatusGone {
			kind = KindSessionInvalid
		}
		message := env.Message
		if message == "" {
			message = resp.Status
		}
		slog.Warn("backend.decodeEnvelope: backend error response", "status", resp.StatusCode, "kind", kind, "correlationID", env.CorrelationID)
		return envelope{}, &Error{Kind: kind, Message: message, StatusCode: resp.StatusCode, CorrelationID: env.CorrelationID}
	}
	return env, nil
}

// classifyTransportError distinguishes timeouts from other transport failures.
func classifyTransportError(err error) *Error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		slog.Warn("backend: request timed out", "error", err)
		return NewError(KindTimeout, "backend request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "backend request timed out", err)
	}
	slog.Warn("backend: transport failure", "error", err)
	return NewError(KindNetwork, "backend unreachable", err)
}

// progressReader reports cumulative read progress as a 0..100 percentage.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.report != nil && p.total > 0 {
			pct := int(p.read * 100 / p.total)
			if pct > 100 {
				pct = 100
			}
			if pct > p.last {
				p.last = pct
				p.report(pct)
			}
		}
	}
	return n, err
}
