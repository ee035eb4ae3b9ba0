package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBodyLimit is the default maximum request body size (1 MB).
const DefaultBodyLimit int64 = 1 << 20

// WriteJSON sends a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	json.NewEncoder(w).Encode(data)
}

// WriteMessage sends {"error": msg}.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// MaxBody wraps r.Body with a size limit to prevent oversized payloads.
func MaxBody(r *http.Request, n int64) {
	r.Body = http.MaxBytesReader(nil, r.Body, n)
}

// DecodeJSON reads a single JSON object from the request body into dst.
// Malformed bodies and unknown fields become a *ValidationError so they map
// to 422 like any other request-shape problem.
func DecodeJSON(r *http.Request, dst any) error {
	MaxBody(r, DefaultBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &ValidationError{Detail: "request body is empty"}
		case errors.As(err, &maxErr):
			return &APIError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		case errors.As(err, &syntaxErr):
			return &ValidationError{Detail: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
		case errors.As(err, &typeErr):
			return &ValidationError{
				Detail: fmt.Sprintf("field %q must be %s", typeErr.Field, typeErr.Type),
				Fields: map[string]string{typeErr.Field: "invalid type"},
			}
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
			return &ValidationError{
				Detail: fmt.Sprintf("unknown field %q", field),
				Fields: map[string]string{field: "not allowed"},
			}
		default:
			return &ValidationError{Detail: "invalid request body"}
		}
	}
	if dec.More() {
		return &ValidationError{Detail: "request body must contain a single JSON object"}
	}
	return nil
}
