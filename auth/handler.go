package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"tubevault/db"
	"tubevault/httputil"
	"tubevault/lock"
	"tubevault/mailer"
	"tubevault/users"
)

const minPasswordLen = 8

// Handler holds dependencies for authentication endpoints.
type Handler struct {
	Users          *users.Store
	Tokens         *Tokens
	Locker         lock.Locker
	Mailer         mailer.Mailer
	Logger         *log.Logger
	FrontendURL    string
	ResetLockTTL   time.Duration
	NewUsersActive bool
}

// RegisterRequest is the JSON body for POST /users/register.
type RegisterRequest struct {
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return httputil.Invalid("email", "value is not a valid email address")
	}
	return nil
}

func validateNewPassword(password, confirmation string) error {
	if len(password) < minPasswordLen {
		return httputil.BadRequest(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	if len(password) > maxPasswordLen {
		return httputil.BadRequest(errPasswordTooLong.Error())
	}
	if password != confirmation {
		return httputil.BadRequest("Passwords do not match")
	}
	return nil
}

// HandleRegister creates an account and logs it in.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	req.Email = users.NormalizeEmail(req.Email)
	if err := validateEmail(req.Email); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if err := validateNewPassword(req.Password, req.PasswordConfirmation); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	taken, err := h.Users.EmailTaken(r.Context(), req.Email)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if taken {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("The user with this email already exists in the system"))
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	u, err := h.Users.Create(r.Context(), users.NewUser{
		Email:          req.Email,
		HashedPassword: hash,
		IsActive:       h.NewUsersActive,
	})
	if err != nil {
		// A concurrent registration for the same email lands here as ErrIntegrity → 409.
		httputil.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("user registered", "user_id", u.ID, "active", u.IsActive)
	if !u.IsActive {
		// The account exists either way; the link can be resent.
		if err := h.sendVerifyEmail(r.Context(), u); err != nil {
			h.Logger.Warn("verification mail failed", "user_id", u.ID, "err", err)
		}
	}

	pair, err := h.Tokens.Issue(u.ID)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pair)
}

// LoginRequest is the JSON body for POST /auth/access-token.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleAccessToken exchanges credentials for a token pair.
func (h *Handler) HandleAccessToken(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	u, err := h.Users.GetByEmail(r.Context(), req.Email)
	if err != nil && !users.IsNotFound(err) {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	ok, rehash := VerifyPassword(req.Password, u.HashedPassword)
	if err != nil || !ok {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Incorrect email or password"))
		return
	}
	if !u.IsActive {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Inactive user"))
		return
	}

	if rehash {
		if hash, err := HashPassword(req.Password); err == nil {
			if err := h.Users.SetPassword(r.Context(), u.ID, hash); err != nil {
				h.Logger.Warn("password rehash failed", "user_id", u.ID, "err", err)
			}
		}
	}
	h.touchLogin(r.Context(), u.ID)

	pair, err := h.Tokens.Issue(u.ID)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pair)
}

// RefreshRequest is the JSON body for POST /auth/refresh.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// HandleRefresh trades a refresh token for a new pair.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	userID, err := h.Tokens.Parse(req.Refresh, TokenRefresh)
	if err != nil {
		httputil.WriteError(w, h.Logger, tokenError(err))
		return
	}
	u, err := h.Users.GetByID(r.Context(), userID)
	if err != nil {
		if users.IsNotFound(err) {
			err = tokenError(ErrNoUserID)
		}
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if !u.IsActive {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Inactive user"))
		return
	}
	h.touchLogin(r.Context(), u.ID)

	pair, err := h.Tokens.Issue(u.ID)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pair)
}

func (h *Handler) touchLogin(ctx context.Context, userID string) {
	if err := h.Users.TouchLastLogin(ctx, userID); err != nil {
		h.Logger.Warn("update last_login failed", "user_id", userID, "err", err)
	}
}

func resetLockKey(email string) string {
	return "password-reset:" + email
}

func verifyLockKey(email string) string {
	return "verify-email:" + email
}

func (h *Handler) release(ctx context.Context, key string) {
	if err := h.Locker.Release(ctx, key); err != nil {
		h.Logger.Warn("release lock failed", "key", key, "err", err)
	}
}

// tooManyRequests answers a call that hit a held lock.
func (h *Handler) tooManyRequests(w http.ResponseWriter, msg string) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(h.ResetLockTTL.Seconds())))
	httputil.WriteMessage(w, http.StatusTooManyRequests, msg)
}

// HandlePasswordRecovery mails a reset link. Unknown addresses get the same
// 204 so the endpoint cannot be used to discover accounts; repeated calls
// for one address inside the lock TTL get 429.
func (h *Handler) HandlePasswordRecovery(w http.ResponseWriter, r *http.Request) {
	email := users.NormalizeEmail(chi.URLParam(r, "email"))
	if err := validateEmail(email); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	err := lock.Hold(r.Context(), h.Locker, resetLockKey(email), h.ResetLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		h.tooManyRequests(w, "Password reset already requested, try again later")
		return
	}
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	u, err := h.Users.GetByEmail(r.Context(), email)
	switch {
	case users.IsNotFound(err):
		h.Logger.Info("password recovery for unknown email")
	case err != nil:
		httputil.WriteError(w, h.Logger, err)
		return
	case !u.IsActive:
		h.Logger.Info("password recovery for inactive user", "user_id", u.ID)
	default:
		if err := h.sendResetEmail(r.Context(), u); err != nil {
			// Free the lock so the user can retry once mail is back.
			h.release(context.WithoutCancel(r.Context()), resetLockKey(email))
			httputil.WriteError(w, h.Logger, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendResetEmail(ctx context.Context, u users.User) error {
	token, err := h.Tokens.IssueReset(u.Email)
	if err != nil {
		return err
	}
	link := strings.TrimRight(h.FrontendURL, "/") + "/reset-password?token=" + url.QueryEscape(token)
	body := fmt.Sprintf("Hello,\n\nSomeone asked to reset the password for %s.\n"+
		"Open the link below within %s to choose a new one:\n\n%s\n\n"+
		"If it wasn't you, ignore this message.\n", u.Email, h.Tokens.ResetTTL, link)
	return h.Mailer.Send(ctx, u.Email, "Password recovery", body)
}

// ResetPasswordRequest is the JSON body for POST /auth/reset-password/.
type ResetPasswordRequest struct {
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	ResetToken           string `json:"reset_token"`
}

// HandleResetPassword sets a new password from a reset token.
func (h *Handler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	email, err := h.Tokens.ParseReset(req.ResetToken)
	if err != nil {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Invalid token"))
		return
	}
	u, err := h.Users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			err = httputil.NotFound("The user with this email does not exist in the system.")
		}
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if !u.IsActive {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Inactive user"))
		return
	}
	if err := validateNewPassword(req.Password, req.PasswordConfirmation); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if err := h.Users.SetPassword(r.Context(), u.ID, hash); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	h.release(r.Context(), resetLockKey(u.Email))
	h.Logger.Info("password reset", "user_id", u.ID)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password updated successfully"})
}

func (h *Handler) sendVerifyEmail(ctx context.Context, u users.User) error {
	token, err := h.Tokens.IssueVerify(u.ID, u.Email)
	if err != nil {
		return err
	}
	link := strings.TrimRight(h.FrontendURL, "/") + "/verify?token=" + url.QueryEscape(token)
	body := fmt.Sprintf("Hello,\n\nConfirm the account registered for %s by opening\n"+
		"the link below within %s:\n\n%s\n", u.Email, h.Tokens.VerifyTTL, link)
	return h.Mailer.Send(ctx, u.Email, "Confirm your account", body)
}

// VerifyRequest is the JSON body for POST /auth/verify.
type VerifyRequest struct {
	Token string `json:"token"`
}

// HandleVerify activates the account a verification token was issued for.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	userID, email, err := h.Tokens.ParseVerify(req.Token)
	if err != nil {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Invalid token"))
		return
	}
	u, err := h.Users.GetByID(r.Context(), userID)
	if users.IsNotFound(err) || (err == nil && u.Email != email) {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Invalid token"))
		return
	}
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if u.IsActive {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("The user is already verified"))
		return
	}
	if err := h.Users.SetActive(r.Context(), u.ID, true); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	u.IsActive = true
	h.Logger.Info("user verified", "user_id", u.ID)
	httputil.WriteJSON(w, http.StatusOK, u)
}

// ResendVerificationRequest is the JSON body for
// POST /users/email/resend-verification-link.
type ResendVerificationRequest struct {
	Email string `json:"email"`
}

// HandleResendVerification mails a fresh verification link to an inactive
// account. Like password recovery it answers 204 whether or not a mail was
// sent, and 429 inside the lock TTL.
func (h *Handler) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	email := users.NormalizeEmail(req.Email)
	if err := validateEmail(email); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	err := lock.Hold(r.Context(), h.Locker, verifyLockKey(email), h.ResetLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		h.tooManyRequests(w, "Verification link already sent, try again later")
		return
	}
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}

	u, err := h.Users.GetByEmail(r.Context(), email)
	switch {
	case users.IsNotFound(err):
		h.Logger.Info("verification resend for unknown email")
	case err != nil:
		httputil.WriteError(w, h.Logger, err)
		return
	case u.IsActive:
		h.Logger.Info("verification resend for active user", "user_id", u.ID)
	default:
		if err := h.sendVerifyEmail(r.Context(), u); err != nil {
			h.release(context.WithoutCancel(r.Context()), verifyLockKey(email))
			httputil.WriteError(w, h.Logger, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
