package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PromptDesk/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors are caught before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"
	switch {
	case errors.Is(err, models.ErrConversationNotFound),
		errors.Is(err, models.ErrPromptNotFound),
		errors.Is(err, models.ErrInstanceNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrConversationClosed):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrEmptyPhone),
		errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrMessageTooLong),
		errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, models.ErrEmptyPromptName),
		errors.Is(err, models.ErrPromptNameTooLong),
		errors.Is(err, models.ErrEmptySystemPrompt),
		errors.Is(err, models.ErrEmptyInstanceName),
		errors.Is(err, models.ErrInvalidDriver):
		status, msg = http.StatusBadRequest, err.Error()
	}
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+" failed", "error", err)
	} else {
		slog.Warn("Server."+op+" rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
