package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tubevault/httputil"
	"tubevault/users"
)

type contextKey string

// UserKey is the context key holding the authenticated users.User.
const UserKey contextKey = "user"

// CurrentUser returns the user placed in the context by RequireUser.
func CurrentUser(ctx context.Context) (users.User, bool) {
	u, ok := ctx.Value(UserKey).(users.User)
	return u, ok && u.ID != ""
}

// WithUser returns a context carrying u. Handlers under test use it to skip
// the middleware.
func WithUser(ctx context.Context, u users.User) context.Context {
	return context.WithValue(ctx, UserKey, u)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authenticate resolves the access token on r to an active user.
func (h *Handler) authenticate(r *http.Request, allowQuery bool) (users.User, error) {
	raw := bearerToken(r)
	if raw == "" && allowQuery {
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return users.User{}, httputil.Forbidden("Not authenticated")
	}
	userID, err := h.Tokens.Parse(raw, TokenAccess)
	if err != nil {
		return users.User{}, httputil.Forbidden("Could not validate credentials")
	}
	u, err := h.Users.GetByID(r.Context(), userID)
	if err != nil {
		if users.IsNotFound(err) {
			return users.User{}, httputil.NotFound("User not found")
		}
		return users.User{}, err
	}
	if !u.IsActive {
		return users.User{}, httputil.BadRequest("Inactive user")
	}
	return u, nil
}

// RequireUser rejects requests without a valid access token for an active
// user and stores the user in the request context.
func (h *Handler) RequireUser(next http.Handler) http.Handler {
	return h.requireUser(next, false)
}

// RequireUserOrQuery is RequireUser that also accepts ?access_token=, for
// EventSource clients that cannot set headers.
func (h *Handler) RequireUserOrQuery(next http.Handler) http.Handler {
	return h.requireUser(next, true)
}

func (h *Handler) requireUser(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := h.authenticate(r, allowQuery)
		if err != nil {
			httputil.WriteError(w, h.Logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// RequireSuperuser must be mounted after RequireUser.
func RequireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok || !u.IsSuperuser {
			httputil.WriteError(w, nil, httputil.Forbidden("The user does not have enough privileges"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenError(err error) error {
	switch {
	case errors.Is(err, ErrWrongTokenType):
		return httputil.BadRequest("Token type is invalid.")
	case errors.Is(err, ErrNoUserID):
		return httputil.BadRequest("No user related with token.")
	default:
		return httputil.BadRequest("Could not validate credentials")
	}
}
