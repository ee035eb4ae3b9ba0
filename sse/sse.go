// Package sse serves server-sent event streams.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"tubevault/auth"
	"tubevault/events"
	"tubevault/httputil"
	"tubevault/telemetry"
)

// RetryMillis is the reconnect delay advertised to clients.
const RetryMillis = 15000

const heartbeatInterval = 15 * time.Second

// Handler serves the demo streams and the per-user task stream.
type Handler struct {
	Delay  time.Duration
	Events events.Broker
	Logger *log.Logger

	counter atomic.Int64
}

// Message is the payload of a demo new_message event.
type Message struct {
	Event       string `json:"event"`
	ID          int64  `json:"id"`
	Data        string `json:"data"`
	IsIntercept bool   `json:"is_intercept"`
}

func (h *Handler) next(isIntercept bool) Message {
	return Message{Event: "new_message", ID: h.counter.Add(1), Data: "Hello, world!", IsIntercept: isIntercept}
}

// writeEvent writes one event. Strings are sent verbatim, anything else as
// JSON.
func writeEvent(w http.ResponseWriter, f http.Flusher, id, event string, data any) error {
	var payload string
	switch v := data.(type) {
	case string:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = string(b)
	}
	var sb strings.Builder
	if id != "" {
		fmt.Fprintf(&sb, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	fmt.Fprintf(&sb, "retry: %d\n", RetryMillis)
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	if _, err := w.Write([]byte(sb.String())); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// start sets stream headers and returns the flusher, or reports why the
// connection cannot stream.
func start(w http.ResponseWriter) (http.Flusher, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return f, true
}

// demo emits new_message events every Delay until the client leaves.
func (h *Handler) demo(w http.ResponseWriter, r *http.Request, full bool) {
	f, ok := start(w)
	if !ok {
		return
	}
	telemetry.SSEClients.Inc()
	defer telemetry.SSEClients.Dec()

	isIntercept := r.URL.Query().Get("is_intercept") == "true"
	ticker := time.NewTicker(h.Delay)
	defer ticker.Stop()
	for {
		msg := h.next(isIntercept)
		var data any = msg.Data
		if full {
			data = msg
		}
		if err := writeEvent(w, f, strconv.FormatInt(msg.ID, 10), msg.Event, data); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// HandleMainStream sends the whole message, is_intercept included.
func (h *Handler) HandleMainStream(w http.ResponseWriter, r *http.Request) {
	h.demo(w, r, true)
}

// HandleSecondStream sends only the message text.
func (h *Handler) HandleSecondStream(w http.ResponseWriter, r *http.Request) {
	h.demo(w, r, false)
}

// HandleTasks streams the caller's task status changes.
func (h *Handler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	sub, cancel := h.Events.Subscribe(r.Context(), u.ID)
	defer cancel()

	f, ok := start(w)
	if !ok {
		return
	}
	telemetry.SSEClients.Inc()
	defer telemetry.SSEClients.Dec()
	h.Logger.Debug("task stream opened", "user_id", u.ID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := writeEvent(w, f, e.ID, e.Type, e); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			f.Flush()
		}
	}
}
