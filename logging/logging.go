// Package logging builds the process logger and the HTTP request logger.
package logging

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

// New creates a [log.Logger] writing to w (stderr when nil) with timestamps.
// format "json" switches to the JSON formatter; level falls back to info
// when it cannot be parsed.
func New(w io.Writer, level, format string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, TimeFormat: time.RFC3339}
	if strings.EqualFold(format, "json") {
		opts.Formatter = log.JSONFormatter
	}
	l := log.NewWithOptions(w, opts)
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// RequestLogger logs one line per request with the chi request id.
// It must be mounted after middleware.RequestID.
func RequestLogger(l *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				kv := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				}
				switch {
				case status >= 500:
					l.Error("request", kv...)
				case status >= 400:
					l.Warn("request", kv...)
				default:
					l.Info("request", kv...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// EchoRequestID copies the chi request id into the X-Request-ID response
// header so clients can correlate failures with server logs.
func EchoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}
