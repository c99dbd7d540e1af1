// Package api provides HTTP response utilities for Convomux.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/convomux/convomux/internal/models"
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
	// Marshal the response to JSON first to catch encoding errors before writing headers
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

// writeClassifiedError maps an error's taxonomy kind onto an HTTP status.
// Errors nothing has classified stay internal server errors.
func writeClassifiedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ce *models.ClassifiedError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case models.KindNotFound:
			status = http.StatusNotFound
		case models.KindConflict:
			status = http.StatusConflict
		case models.KindQuota:
			status = http.StatusInsufficientStorage
		case models.KindPermanent:
			status = http.StatusBadRequest
		case models.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}
