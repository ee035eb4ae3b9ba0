package httputil

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"tubevault/db"
)

// APIError is an error with a client-facing status and message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

func BadRequest(msg string) *APIError { return &APIError{Status: http.StatusBadRequest, Message: msg} }
func Forbidden(msg string) *APIError  { return &APIError{Status: http.StatusForbidden, Message: msg} }
func NotFound(msg string) *APIError   { return &APIError{Status: http.StatusNotFound, Message: msg} }
func Conflict(msg string) *APIError   { return &APIError{Status: http.StatusConflict, Message: msg} }

func Unavailable(msg string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Message: msg}
}

// ValidationError reports a request that could not be parsed into the
// expected shape. It always maps to 422.
type ValidationError struct {
	Detail string
	Fields map[string]string
}

func (e *ValidationError) Error() string { return e.Detail }

// Invalid builds a ValidationError for a single field.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Detail: msg, Fields: map[string]string{field: msg}}
}

// WriteError maps err onto a status code and writes it. Unknown errors are
// logged with logger and reported as a bare 500.
func WriteError(w http.ResponseWriter, logger *log.Logger, err error) {
	var apiErr *APIError
	var valErr *ValidationError
	switch {
	case errors.As(err, &apiErr):
		WriteMessage(w, apiErr.Status, apiErr.Message)
	case errors.As(err, &valErr):
		body := map[string]any{"error": valErr.Detail}
		if len(valErr.Fields) > 0 {
			body["fields"] = valErr.Fields
		}
		WriteJSON(w, http.StatusUnprocessableEntity, body)
	case errors.Is(err, db.ErrNotFound):
		WriteMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrIntegrity):
		WriteMessage(w, http.StatusConflict, "conflicts with an existing record")
	default:
		if logger != nil {
			logger.Error("unhandled error", "err", err)
		}
		WriteMessage(w, http.StatusInternalServerError, "internal error")
	}
}
