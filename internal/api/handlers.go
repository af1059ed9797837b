// Package api provides HTTP handlers for the Maria agent endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/maria-ai/maria-agent/internal/conversation"
	"github.com/maria-ai/maria-agent/internal/models"
	"github.com/maria-ai/maria-agent/internal/upload"
)

// maxUploadRequestBytes bounds a multipart upload request: the per-file limit
// times the slot count, plus form overhead.
const maxUploadRequestBytes = models.MaxUploadFiles*models.MaxUploadFileSize + 1<<20

// Event types accepted by the conversation event endpoint.
const (
	eventButton     = "button"
	eventText       = "text"
	eventTypingDone = "typing_done"
)

// sessionRequest is the body shared by the session and conversation endpoints.
type sessionRequest struct {
	Identifier string `json:"identifier"`
	Type       string `json:"type,omitempty"`
	Value      string `json:"value,omitempty"`
	MessageID  int    `json:"message_id,omitempty"`
	FileID     string `json:"file_id,omitempty"`
}

// conversationView is the rendered conversation returned to the widget.
type conversationView struct {
	Identifier string                   `json:"identifier"`
	Reset      bool                     `json:"reset,omitempty"`
	State      models.ConversationState `json:"state"`
	Messages   []models.Message         `json:"messages"`
}

// uploadsView is the upload slot summary returned to the widget.
type uploadsView struct {
	Records         []models.FileUploadRecord `json:"records"`
	ContinueAllowed bool                      `json:"continue_allowed"`
}

func viewOf(eng *conversation.Adapter, reset bool) conversationView {
	return conversationView{
		Identifier: eng.Identifier(),
		Reset:      reset,
		State:      eng.State(),
		Messages:   eng.Messages(),
	}
}

func (s *Server) sessionStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionStartHandler: processing start request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.sessionStartHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	eng, reset, err := s.manager.Start(r.Context(), req.Identifier)
	if err != nil {
		slog.Error("Server.sessionStartHandler: failed to start session", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to start session"))
		return
	}
	slog.Info("Server.sessionStartHandler: session started", "identifier", eng.Identifier(), "reset", reset)
	writeJSONResponse(w, http.StatusOK, models.Success(viewOf(eng, reset)))
}

func (s *Server) sessionResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionResetHandler: processing reset request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sessionResetHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if _, err := s.manager.Get(req.Identifier); err != nil {
		s.writeLookupError(w, "sessionResetHandler", err)
		return
	}

	fresh, err := s.manager.Reset(r.Context(), req.Identifier)
	if err != nil {
		slog.Error("Server.sessionResetHandler: reset failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to reset session"))
		return
	}
	eng, err := s.manager.Get(fresh)
	if err != nil {
		slog.Error("Server.sessionResetHandler: replacement engine missing", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", viewOf(eng, true)))
}

func (s *Server) conversationEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationEventHandler: processing event", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.conversationEventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	eng, err := s.manager.Get(req.Identifier)
	if err != nil {
		s.writeLookupError(w, "conversationEventHandler", err)
		return
	}

	switch req.Type {
	case eventButton:
		err = eng.HandleButton(r.Context(), req.Value)
	case eventText:
		err = eng.HandleText(r.Context(), req.Value)
	case eventTypingDone:
		eng.TypingDone(req.MessageID)
	default:
		slog.Warn("Server.conversationEventHandler: unknown event type", "type", req.Type)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown event type"))
		return
	}
	if err != nil {
		slog.Error("Server.conversationEventHandler: event failed", "type", req.Type, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to process event"))
		return
	}

	// The event may have rotated the identifier (full reset); report the
	// engine now serving the caller.
	eng, rotated := s.currentEngine(eng)
	writeJSONResponse(w, http.StatusOK, models.Success(viewOf(eng, rotated)))
}

func (s *Server) conversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.conversationMessagesHandler: processing request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	eng, err := s.manager.Get(r.URL.Query().Get("identifier"))
	if err != nil {
		s.writeLookupError(w, "conversationMessagesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(viewOf(eng, false)))
}

func (s *Server) uploadsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listUploadsHandler(w, r)
	case http.MethodPost:
		s.selectUploadsHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listUploadsHandler(w http.ResponseWriter, r *http.Request) {
	eng, err := s.manager.Get(r.URL.Query().Get("identifier"))
	if err != nil {
		s.writeLookupError(w, "listUploadsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(uploadsView{
		Records:         eng.Uploads().Records(),
		ContinueAllowed: eng.Uploads().ContinueAllowed(),
	}))
}

func (s *Server) selectUploadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.selectUploadsHandler: processing upload", "contentLength", r.ContentLength)
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadRequestBytes)
	if err := r.ParseMultipartForm(maxUploadRequestBytes); err != nil {
		slog.Warn("Server.selectUploadsHandler: failed to parse multipart form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart form"))
		return
	}
	eng, err := s.manager.Get(r.FormValue("identifier"))
	if err != nil {
		s.writeLookupError(w, "selectUploadsHandler", err)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No files in request"))
		return
	}
	files := make([]upload.File, 0, len(headers))
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			slog.Error("Server.selectUploadsHandler: failed to open part", "name", fh.Filename, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unreadable file "+strconv.Quote(fh.Filename)))
			return
		}
		content, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			slog.Error("Server.selectUploadsHandler: failed to read part", "name", fh.Filename, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unreadable file "+strconv.Quote(fh.Filename)))
			return
		}
		files = append(files, upload.File{
			Meta: models.FileMeta{
				Name:     fh.Filename,
				Size:     fh.Size,
				MimeType: fh.Header.Get("Content-Type"),
			},
			Content: content,
		})
	}

	records, err := eng.Uploads().Select(r.Context(), files)
	if err != nil {
		slog.Warn("Server.selectUploadsHandler: batch rejected", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.selectUploadsHandler: batch accepted", "identifier", eng.Identifier(), "count", len(records))
	writeJSONResponse(w, http.StatusOK, models.Success(uploadsView{
		Records:         records,
		ContinueAllowed: eng.Uploads().ContinueAllowed(),
	}))
}

func (s *Server) uploadRetryHandler(w http.ResponseWriter, r *http.Request) {
	eng, req, ok := s.uploadAction(w, r, "uploadRetryHandler")
	if !ok {
		return
	}
	if err := eng.Uploads().Retry(r.Context(), req.FileID); err != nil {
		s.writeUploadError(w, "uploadRetryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(uploadsView{
		Records:         eng.Uploads().Records(),
		ContinueAllowed: eng.Uploads().ContinueAllowed(),
	}))
}

func (s *Server) uploadRemoveHandler(w http.ResponseWriter, r *http.Request) {
	eng, req, ok := s.uploadAction(w, r, "uploadRemoveHandler")
	if !ok {
		return
	}
	if err := eng.Uploads().Remove(r.Context(), req.FileID); err != nil {
		s.writeUploadError(w, "uploadRemoveHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(uploadsView{
		Records:         eng.Uploads().Records(),
		ContinueAllowed: eng.Uploads().ContinueAllowed(),
	}))
}

// uploadAction decodes the shared body of the retry/remove endpoints and
// resolves the engine.
func (s *Server) uploadAction(w http.ResponseWriter, r *http.Request, op string) (*conversation.Adapter, sessionRequest, bool) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, sessionRequest{}, false
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server."+op+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return nil, sessionRequest{}, false
	}
	eng, err := s.manager.Get(req.Identifier)
	if err != nil {
		s.writeLookupError(w, op, err)
		return nil, sessionRequest{}, false
	}
	return eng, req, true
}

// currentEngine follows an identifier rotation: when the engine an event ran
// on was discarded by a full reset mid-request, the replacement engine wins
// and the response carries the new identifier.
func (s *Server) currentEngine(eng *conversation.Adapter) (*conversation.Adapter, bool) {
	id, rotated := s.manager.Successor(eng.Identifier())
	if !rotated {
		return eng, false
	}
	if current, err := s.manager.Get(id); err == nil {
		return current, true
	}
	return eng, false
}

func (s *Server) writeLookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, models.ErrSessionNotFound) {
		slog.Warn("Server."+op+": unknown session")
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	slog.Error("Server."+op+": session lookup failed", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up session"))
}

func (s *Server) writeUploadError(w http.ResponseWriter, op string, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, models.ErrFileNotFound) {
		status = http.StatusNotFound
	}
	slog.Warn("Server."+op+": upload action failed", "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
