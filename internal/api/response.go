package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Error codes carried in the envelope's code field.
const (
	codeFlowNotFound       = "flow_not_found"
	codeSessionNotFound    = "session_not_found"
	codeAutomationNotFound = "automation_not_found"
	codeSessionEnded       = "session_ended"
	codeInvalidFlow        = "invalid_flow"
	codeInvalidRequest     = "invalid_request"
	codeInternal           = "internal"
)

// fallbackErrorBody is written when a response cannot be encoded.
var fallbackErrorBody = []byte(`{"status":"error","code":"internal","message":"Internal server error"}`)

// classify maps a domain error to its HTTP status and envelope code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrFlowNotFound):
		return http.StatusNotFound, codeFlowNotFound
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, codeSessionNotFound
	case errors.Is(err, models.ErrAutomationNotFound):
		return http.StatusNotFound, codeAutomationNotFound
	case errors.Is(err, models.ErrSessionEnded):
		return http.StatusConflict, codeSessionEnded
	case errors.Is(err, models.ErrInvalidFlow):
		return http.StatusBadRequest, codeInvalidFlow
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// writeError writes the envelope for err. Internal errors are not echoed to
// the client.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if code == codeInternal {
		msg = "Internal server error"
	}
	writeJSONResponse(w, status, models.ErrorWithCode(code, msg))
}

// writeBadRequest writes a 400 for a malformed or invalid request body.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode(codeInvalidRequest, msg))
}

// writeJSONResponse encodes response before touching headers so an encoding
// failure can still become a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		data = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}
