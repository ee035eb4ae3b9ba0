package youtube

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"tubevault/auth"
	"tubevault/db"
	"tubevault/httputil"
	"tubevault/tasks"
)

// Handler serves stored YouTube items.
type Handler struct {
	Items  *Store
	Tasks  *tasks.Store
	Logger *log.Logger
}

func kindParam(r *http.Request) (Kind, error) {
	k, ok := ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		return "", httputil.NotFound("Unknown item kind")
	}
	return k, nil
}

// HandleList lists items of one kind: the caller's own, or all of them for a
// superuser. ?status= filters.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	kind, err := kindParam(r)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	limit, offset, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	f := ItemFilter{Status: r.URL.Query().Get("status"), Limit: limit, Offset: offset}
	if !u.IsSuperuser {
		f.OwnerID = u.ID
	}
	items, err := h.Items.List(r.Context(), kind, f)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HandleGet returns one item.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	kind, err := kindParam(r)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	item, err := h.Items.Get(r.Context(), kind, chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) || (err == nil && !u.IsSuperuser && item.OwnerID != u.ID) {
		httputil.WriteError(w, h.Logger, httputil.NotFound("Item not found"))
		return
	}
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// HandleTaskItems lists what a task produced.
func (h *Handler) HandleTaskItems(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	t, err := h.Tasks.Visible(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	items, err := h.Items.ListByTask(r.Context(), t.ID)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task": t, "items": items})
}
