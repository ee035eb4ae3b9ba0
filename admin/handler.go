package admin

import (
	"context"
	"net/http"
	"runtime"

	"github.com/charmbracelet/log"

	"tubevault/httputil"
	"tubevault/queue"
	"tubevault/tasks"
	"tubevault/users"
	"tubevault/youtube"
)

// QueueDepth reports the backlog of the task queue.
type QueueDepth interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// Handler holds dependencies for admin endpoints. Queue is nil when tasks
// run in-process.
type Handler struct {
	Users  *users.Store
	Tasks  *tasks.Store
	Items  *youtube.Store
	Queue  QueueDepth
	Logger *log.Logger
}

// Status is the body of GET /admin/status.
type Status struct {
	System map[string]any       `json:"system"`
	Users  int                  `json:"users"`
	Tasks  map[tasks.Status]int `json:"tasks"`
	Items  map[youtube.Kind]int `json:"items"`
	Queue  *queue.Depth         `json:"queue"`
}

// HandleStatus returns runtime, content and queue stats. Mounted behind
// auth.RequireSuperuser.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := Status{
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"memory_mb":  m.Alloc / 1024 / 1024,
			"gomaxprocs": runtime.GOMAXPROCS(0),
			"go_version": runtime.Version(),
		},
	}

	var err error
	if st.Users, err = h.Users.Count(ctx); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if st.Tasks, err = h.Tasks.CountByStatus(ctx, ""); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if st.Items, err = h.Items.CountByKind(ctx, ""); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if h.Queue != nil {
		d, err := h.Queue.Depth(ctx)
		if err != nil {
			h.Logger.Warn("queue depth unavailable", "err", err)
		} else {
			st.Queue = &d
		}
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
