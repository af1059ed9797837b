package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/maria-ai/maria-agent/internal/models"
)

// encodingFailureBody is served verbatim when the response envelope itself
// fails to encode.
const encodingFailureBody = `{"status":"error","message":"Internal server error"}`

// writeJSONResponse marshals the envelope before touching the writer so an
// encoding failure can still downgrade to a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: response failed to encode", "error", err)
		statusCode = http.StatusInternalServerError
		body = []byte(encodingFailureBody)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}
