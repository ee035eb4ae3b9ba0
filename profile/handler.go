package profile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tubevault/auth"
	"tubevault/httputil"
	"tubevault/storage"
	"tubevault/users"
)

const (
	// MaxAvatarBytes caps avatar uploads.
	MaxAvatarBytes = 5 << 20

	maxNameLen   = 150
	avatarURLTTL = time.Hour
)

// Handler holds dependencies for profile endpoints. Storage is nil when no
// object store is configured.
type Handler struct {
	Users   *users.Store
	Storage storage.ObjectStore
	Logger  *log.Logger
}

// Me is a user as returned to the user themself.
type Me struct {
	users.User
	AvatarURL string `json:"avatar_url,omitempty"`
}

func (h *Handler) me(ctx context.Context, u users.User) Me {
	out := Me{User: u}
	if u.AvatarKey == "" || h.Storage == nil {
		return out
	}
	link, err := h.Storage.PresignedURL(ctx, u.AvatarKey, avatarURLTTL)
	if err != nil {
		h.Logger.Warn("presign avatar", "user_id", u.ID, "err", err)
		return out
	}
	out.AvatarURL = link
	return out
}

// HandleGetMe returns the authenticated user.
func (h *Handler) HandleGetMe(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	httputil.WriteJSON(w, http.StatusOK, h.me(r.Context(), u))
}

// UpdateRequest is the JSON body for PATCH /users/me. Absent fields are left
// unchanged.
type UpdateRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

func (req *UpdateRequest) validate() error {
	if req.FirstName != nil {
		v := strings.TrimSpace(*req.FirstName)
		if v == "" {
			return httputil.BadRequest("first_name is a required field.")
		}
		req.FirstName = &v
	}
	if req.LastName != nil {
		v := strings.TrimSpace(*req.LastName)
		req.LastName = &v
	}
	if req.FirstName != nil && len(*req.FirstName) > maxNameLen {
		return httputil.Invalid("first_name", "first_name must be at most 150 characters")
	}
	if req.LastName != nil && len(*req.LastName) > maxNameLen {
		return httputil.Invalid("last_name", "last_name must be at most 150 characters")
	}
	return nil
}

// HandleUpdateMe edits the authenticated user's names.
func (h *Handler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	var req UpdateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	updated, err := h.Users.UpdateProfile(r.Context(), u.ID, users.ProfileUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.me(r.Context(), updated))
}

// HandleUploadAvatar stores a new avatar and drops the previous one.
func (h *Handler) HandleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r.Context())
	if h.Storage == nil {
		httputil.WriteError(w, h.Logger, httputil.Unavailable(storage.ErrDisabled.Error()))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxAvatarBytes+64<<10)
	if err := r.ParseMultipartForm(MaxAvatarBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			httputil.WriteMessage(w, http.StatusRequestEntityTooLarge, "Avatar must be at most 5 MiB")
			return
		}
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Expected a multipart form with an avatar file"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("avatar")
	if err != nil {
		httputil.WriteError(w, h.Logger, httputil.Invalid("avatar", "avatar file is required"))
		return
	}
	defer file.Close()
	if header.Size > MaxAvatarBytes {
		httputil.WriteMessage(w, http.StatusRequestEntityTooLarge, "Avatar must be at most 5 MiB")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	contentType := http.DetectContentType(data)
	ext, ok := storage.AvatarExtension(contentType)
	if !ok {
		httputil.WriteError(w, h.Logger, httputil.Invalid("avatar", "avatar must be a JPEG, PNG, WebP or GIF image"))
		return
	}

	key := storage.AvatarKey(u.ID, uuid.NewString(), ext)
	if err := h.Storage.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		h.Logger.Error("avatar upload", "user_id", u.ID, "err", err)
		httputil.WriteError(w, h.Logger, httputil.Unavailable("Could not store avatar, try again later"))
		return
	}
	if err := h.Users.SetAvatarKey(r.Context(), u.ID, key); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if u.AvatarKey != "" {
		if err := h.Storage.Remove(r.Context(), u.AvatarKey); err != nil {
			h.Logger.Warn("remove old avatar", "key", u.AvatarKey, "err", err)
		}
	}
	u.AvatarKey = key
	h.Logger.Info("avatar updated", "user_id", u.ID, "bytes", len(data))
	httputil.WriteJSON(w, http.StatusCreated, h.me(r.Context(), u))
}

// HandleListUsers lists every account. Mounted behind auth.RequireSuperuser.
func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	list, err := h.Users.List(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"users": list})
}
