package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"tubevault/auth"
	"tubevault/db"
	"tubevault/events"
	"tubevault/httputil"
	"tubevault/users"
)

// Dispatcher hands a task to background processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// Handler holds dependencies for task endpoints.
type Handler struct {
	Tasks      *Store
	Dispatcher Dispatcher
	Events     events.Broker
	Logger     *log.Logger
}

// CreateRequest is the JSON body for POST /tasks.
type CreateRequest struct {
	URL string `json:"url"`
}

// HandleList lists the caller's tasks, or every task for a superuser.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	limit, offset, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	f := ListFilter{Limit: limit, Offset: offset}
	if !u.IsSuperuser {
		f.OwnerID = u.ID
	}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = Status(s)
		if !f.Status.Valid() {
			httputil.WriteError(w, h.Logger, httputil.Invalid("status", "unknown status "+strconv.Quote(s)))
			return
		}
	}
	list, err := h.Tasks.List(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

// HandleCreate records a URL and queues it for parsing.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	var req CreateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if err := ValidateURL(req.URL); err != nil {
		httputil.WriteError(w, h.Logger, httputil.Invalid("url", err.Error()))
		return
	}

	t, err := h.Tasks.Create(r.Context(), u.ID, req.URL)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	t, err = h.dispatch(r.Context(), t)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("task created", "task_id", t.ID, "user_id", u.ID)
	httputil.WriteJSON(w, http.StatusCreated, t)
}

// dispatch queues t and marks it pending. The worker may pick the task up
// before the pending write lands; in that case the worker's state wins.
func (h *Handler) dispatch(ctx context.Context, t Task) (Task, error) {
	if err := h.Dispatcher.Dispatch(ctx, t.ID); err != nil {
		h.Logger.Error("dispatch task", "task_id", t.ID, "err", err)
		return t, httputil.Unavailable("Task queue unavailable, try again later")
	}
	if t.Status != StatusNew {
		return h.Tasks.Get(ctx, t.ID)
	}
	updated, err := h.Tasks.Transition(ctx, t.ID, StatusNew, StatusPending, "")
	if errors.Is(err, ErrInvalidTransition) {
		return updated, nil
	}
	if err != nil {
		return t, err
	}
	h.publish(ctx, updated)
	return updated, nil
}

func (h *Handler) publish(ctx context.Context, t Task) {
	if h.Events == nil {
		return
	}
	if err := h.Events.Publish(ctx, events.TaskStatus(t.OwnerID, t.ID, string(t.Status), t.Error)); err != nil {
		h.Logger.Warn("publish task event", "task_id", t.ID, "err", err)
	}
}

// Visible loads a task the user may see: any task for a superuser, their own
// otherwise. Anything else is reported as not found.
func (s *Store) Visible(ctx context.Context, id string, u users.User) (Task, error) {
	var (
		t   Task
		err error
	)
	if u.IsSuperuser {
		t, err = s.Get(ctx, id)
	} else {
		t, err = s.GetOwned(ctx, id, u.ID)
	}
	if errors.Is(err, db.ErrNotFound) {
		return t, httputil.NotFound("Task not found")
	}
	return t, err
}

// HandleGet returns one task.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	t, err := h.Tasks.Visible(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

// HandleDelete removes a task and everything it produced.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	t, err := h.Tasks.Visible(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if err := h.Tasks.Delete(r.Context(), t.ID); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("task deleted", "task_id", t.ID, "user_id", u.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRetry re-queues a failed task, or a new one whose dispatch failed.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	t, err := h.Tasks.Visible(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	requeued := false
	prevErr := t.Error
	switch t.Status {
	case StatusNew:
	case StatusFailed:
		requeued = true
		t, err = h.Tasks.Transition(r.Context(), t.ID, StatusFailed, StatusPending, "")
		if errors.Is(err, ErrInvalidTransition) {
			httputil.WriteError(w, h.Logger, httputil.Conflict("Task is already being retried"))
			return
		}
		if err != nil {
			httputil.WriteError(w, h.Logger, err)
			return
		}
		h.publish(r.Context(), t)
	default:
		httputil.WriteError(w, h.Logger, httputil.Conflict(fmt.Sprintf("Task is %s; only new or failed tasks can be retried", t.Status)))
		return
	}

	dispatched, err := h.dispatch(r.Context(), t)
	if err != nil {
		if requeued {
			// Nothing was queued; put the task back so it can be retried again.
			back, rbErr := h.Tasks.Transition(context.WithoutCancel(r.Context()), t.ID, StatusPending, StatusFailed, prevErr)
			if rbErr != nil {
				h.Logger.Error("restore failed status", "task_id", t.ID, "err", rbErr)
			} else {
				h.publish(r.Context(), back)
			}
		}
		httputil.WriteError(w, h.Logger, err)
		return
	}
	t = dispatched
	h.Logger.Info("task retried", "task_id", t.ID, "user_id", u.ID)
	httputil.WriteJSON(w, http.StatusAccepted, t)
}
